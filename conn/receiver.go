/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package conn

import "github.com/facebook/coresim/wire"

// ReceiverKey names a local receiver the way the receiver-index table of
// §4.4 does: by network name plus message type name.
type ReceiverKey struct {
	NetworkName string
	MsgTypeName string
}

// ReceiverHandler is invoked, on the manager's single dispatch goroutine,
// for every inbound message carrying the receiver index it was registered
// for. fromPeer is the sending participant's name, resolved from the
// envelope's Sender id; if the sender isn't in the known-participants
// table yet it falls back to the delivering link's peer name ("relay" for
// registry-relayed messages, this participant's own name for self-delivered
// broadcasts). addr is the destination endpoint the
// sender addressed (participant id is always this manager's own id;
// endpoint sub-addresses within it, e.g. a target service id).
type ReceiverHandler func(fromPeer string, addr wire.EndpointAddress, payload []byte)
