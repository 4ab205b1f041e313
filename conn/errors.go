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

// Package conn implements the per-participant connection manager of §4.4:
// it joins the registry, builds the direct peer mesh (falling back to
// registry relay), maintains each link's receiver index table, and
// dispatches inbound messages in per-peer order on a single-threaded
// dispatch context.
package conn

import "fmt"

// ErrPeerUnreachable is returned by SendTargeted when the named peer has
// neither a direct link nor a relay path, §4.4: "delivery to missing peer
// fails silently and logs" — callers that want the log can check this
// themselves; the manager always logs it too.
var ErrPeerUnreachable = fmt.Errorf("conn: peer unreachable")
