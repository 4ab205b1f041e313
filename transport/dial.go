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

package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/netutil"

	"github.com/facebook/coresim/wire"
)

// localHosts are treated as "same host as us" when choosing between a
// peer's advertised acceptors, §4.2: "prefer local transport when both
// endpoints run on the same host".
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// SelectAcceptor picks the acceptor to dial out of the set a peer
// advertised: a local-IPC acceptor whenever one is advertised, else a TCP
// acceptor on a loopback host, else the first one listed. It does not
// check that the peer actually runs on this host before picking local-IPC.
func SelectAcceptor(acceptors []wire.Acceptor) (wire.Acceptor, error) {
	if len(acceptors) == 0 {
		return wire.Acceptor{}, fmt.Errorf("transport: peer advertised no acceptors")
	}
	var fallback wire.Acceptor
	haveFallback := false
	for _, a := range acceptors {
		if a.Local() {
			return a, nil
		}
		if !haveFallback || localHosts[a.Host] {
			fallback = a
			haveFallback = true
			if localHosts[a.Host] {
				break
			}
		}
	}
	return fallback, nil
}

// Dial establishes an outbound connection to a's advertised address,
// local-IPC (unix) or TCP depending on a.Local().
func Dial(ctx context.Context, a wire.Acceptor) (net.Conn, error) {
	var d net.Dialer
	if a.Local() {
		return d.DialContext(ctx, "unix", a.Path)
	}
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", a.Host, a.Port))
}

// Listen opens a listener for the given local acceptor spec and returns
// the net.Listener plus the concrete wire.Acceptor other peers should be
// told to dial (port 0 is resolved to the kernel-assigned port).
func Listen(a wire.Acceptor) (net.Listener, wire.Acceptor, error) {
	if a.Local() {
		ln, err := net.Listen("unix", a.Path)
		if err != nil {
			return nil, wire.Acceptor{}, fmt.Errorf("transport: listen unix %s: %w", a.Path, err)
		}
		return ln, wire.Acceptor{Path: a.Path}, nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.Host, a.Port))
	if err != nil {
		return nil, wire.Acceptor{}, fmt.Errorf("transport: listen tcp %s:%d: %w", a.Host, a.Port, err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return ln, wire.Acceptor{Host: a.Host, Port: uint16(tcpAddr.Port)}, nil
}

// ListenLimited behaves like Listen but caps the number of simultaneously
// open accepted connections at maxConns, once a TCP listener is open. A
// non-positive maxConns leaves the listener unlimited. Local-IPC acceptors
// are never limited: a registry's IPC peers are all on the same host and
// already bounded by that host's own resources.
func ListenLimited(a wire.Acceptor, maxConns int) (net.Listener, wire.Acceptor, error) {
	ln, resolved, err := Listen(a)
	if err != nil {
		return nil, wire.Acceptor{}, err
	}
	if !a.Local() && maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, resolved, nil
}
