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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/coresim/wire"
)

func tcpLoopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh
	return client, server
}

func unixSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "link.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- c
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	server := <-acceptCh
	return client, server
}

// TestLinkFrameRoundTrip exercises both transports for testable property 6:
// frames sent over a Link arrive whole, in order, at the peer.
func TestLinkFrameRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		pair func(t *testing.T) (net.Conn, net.Conn)
	}{
		{"tcp", tcpLoopbackPair},
		{"unix", unixSocketPair},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clientConn, serverConn := tc.pair(t)

			var mu sync.Mutex
			var received []wire.DecodedFrame
			done := make(chan struct{})

			server := NewLink("client", serverConn, DefaultConfig(), func(f wire.DecodedFrame) {
				mu.Lock()
				received = append(received, f)
				mu.Unlock()
				if len(received) == 3 {
					close(done)
				}
			}, nil)
			server.Start()
			defer server.Close()

			client := NewLink("server", clientConn, DefaultConfig(), nil, nil)
			client.Start()
			defer client.Close()

			for i := 0; i < 3; i++ {
				frame := wire.EncodeFrame(wire.MessagePeerMessage, 0, []byte(fmt.Sprintf("payload-%d", i)))
				require.NoError(t, client.Send(frame))
			}

			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("timed out waiting for frames")
			}

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, received, 3)
			for i, f := range received {
				assert.Equal(t, wire.MessagePeerMessage, f.Kind)
				assert.Equal(t, fmt.Sprintf("payload-%d", i), string(f.Payload))
			}
		})
	}
}

// TestLinkPeerLostOnClose verifies that closing one end of the pair raises
// PeerLost on the other end's onClose callback, §4.2/§7.
func TestLinkPeerLostOnClose(t *testing.T) {
	clientConn, serverConn := tcpLoopbackPair(t)

	lostCh := make(chan error, 1)
	server := NewLink("client", serverConn, DefaultConfig(), func(wire.DecodedFrame) {}, func(err error) {
		lostCh <- err
	})
	server.Start()
	defer server.Close()

	require.NoError(t, clientConn.Close())

	select {
	case err := <-lostCh:
		var lost *PeerLost
		require.ErrorAs(t, err, &lost)
		assert.Equal(t, "client", lost.PeerName)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for PeerLost")
	}
}

// TestLinkSendAfterCloseFails ensures a closed link refuses further sends.
func TestLinkSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := tcpLoopbackPair(t)
	defer serverConn.Close()

	client := NewLink("server", clientConn, DefaultConfig(), nil, nil)
	client.Start()
	require.NoError(t, client.Close())

	err := client.Send(wire.EncodeFrame(wire.MessagePeerMessage, 0, []byte("x")))
	assert.ErrorIs(t, err, ErrClosed)
}

// TestLinkSendQueueFull verifies Send surfaces back-pressure rather than
// blocking, §4.2/§5.
func TestLinkSendQueueFull(t *testing.T) {
	clientConn, serverConn := tcpLoopbackPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	// No reader is started on the server side and no writer drains the OS
	// socket buffer, so a small queue plus a large payload will eventually
	// saturate: the writer goroutine blocks in Write while outbound fills up.
	cfg := Config{SendQueueSize: 1}
	client := NewLink("server", clientConn, cfg, nil, nil)
	client.Start()
	defer client.Close()

	big := make([]byte, 1<<20)
	frame := wire.EncodeFrame(wire.MessagePeerMessage, 0, big)

	var lastErr error
	for i := 0; i < 64; i++ {
		if err := client.Send(frame); err != nil {
			lastErr = err
			break
		}
	}
	assert.ErrorIs(t, lastErr, ErrQueueFull)
}

func TestSelectAcceptorPrefersLocal(t *testing.T) {
	a, err := SelectAcceptor([]wire.Acceptor{
		{Host: "10.0.0.1", Port: 1},
		{Path: "/tmp/x.sock"},
	})
	require.NoError(t, err)
	assert.True(t, a.Local())
}

func TestSelectAcceptorNoneAdvertised(t *testing.T) {
	_, err := SelectAcceptor(nil)
	require.Error(t, err)
}

func TestListenAndDialUnix(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "l.sock")
	ln, resolved, err := Listen(wire.Acceptor{Path: sockPath})
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, sockPath, resolved.Path)

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	conn, err := Dial(context.Background(), resolved)
	require.NoError(t, err)
	defer conn.Close()

	server := <-acceptCh
	defer server.Close()
}

func TestListenAndDialTCPResolvesPort(t *testing.T) {
	ln, resolved, err := Listen(wire.Acceptor{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer ln.Close()
	assert.NotZero(t, resolved.Port)

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	conn, err := Dial(context.Background(), resolved)
	require.NoError(t, err)
	defer conn.Close()

	server := <-acceptCh
	defer server.Close()
}
