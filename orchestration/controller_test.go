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

package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/registry"
	"github.com/facebook/coresim/wire"
)

func startTestRegistry(t *testing.T) wire.Acceptor {
	t.Helper()
	srv := registry.NewServer(registry.Config{Acceptor: wire.Acceptor{Host: "127.0.0.1", Port: 0}})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	boundCh := make(chan wire.Acceptor, 1)
	registry.SetBoundHookForTest(srv, func(a wire.Acceptor) { boundCh <- a })
	go func() { _ = srv.Run(ctx) }()

	select {
	case bound := <-boundCh:
		return bound
	case <-time.After(3 * time.Second):
		t.Fatal("registry never reported its bound address")
		return wire.Acceptor{}
	}
}

func newTestManager(t *testing.T, name string, registryAcceptor wire.Acceptor) *conn.Manager {
	t.Helper()
	m := conn.NewManager(conn.Config{
		Self:             wire.PeerInfo{Name: name, ID: wire.ParticipantID(name)},
		RegistryAcceptor: registryAcceptor,
		ListenAcceptor:   wire.Acceptor{Host: "127.0.0.1", Port: 0},
	})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestSystemCommandBroadcastReachesEveryParticipantIncludingSelf exercises
// §5's "a participant observes its own broadcasts the same way it observes
// a peer's" together with §4.8's system controller being a thin broadcaster.
func TestSystemCommandBroadcastReachesEveryParticipantIncludingSelf(t *testing.T) {
	bound := startTestRegistry(t)

	mgrA := newTestManager(t, "A", bound)
	mgrB := newTestManager(t, "B", bound)

	recvA := make(chan wire.SystemCommandKind, 4)
	recvB := make(chan wire.SystemCommandKind, 4)
	NewCommandReceiver(mgrA, "A", func(k wire.SystemCommandKind) { recvA <- k }, nil)
	NewCommandReceiver(mgrB, "B", func(k wire.SystemCommandKind) { recvB <- k }, nil)

	require.NoError(t, mgrA.Start(context.Background()))
	require.NoError(t, mgrB.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)

	ctl := NewController(mgrA)
	ctl.SendSystemCommand(wire.SystemCommandRun)

	select {
	case k := <-recvA:
		assert.Equal(t, wire.SystemCommandRun, k)
	case <-time.After(2 * time.Second):
		t.Fatal("sender never observed its own broadcast")
	}
	select {
	case k := <-recvB:
		assert.Equal(t, wire.SystemCommandRun, k)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the broadcast")
	}
}

// TestParticipantCommandOnlyReachesTarget exercises §4.8's
// ParticipantCommand targeting: every peer receives the frame but only the
// addressed participant's handler fires.
func TestParticipantCommandOnlyReachesTarget(t *testing.T) {
	bound := startTestRegistry(t)

	mgrA := newTestManager(t, "A", bound)
	mgrB := newTestManager(t, "B", bound)

	recvA := make(chan wire.ParticipantCommandKind, 4)
	recvB := make(chan wire.ParticipantCommandKind, 4)
	NewCommandReceiver(mgrA, "A", nil, func(k wire.ParticipantCommandKind) { recvA <- k })
	NewCommandReceiver(mgrB, "B", nil, func(k wire.ParticipantCommandKind) { recvB <- k })

	require.NoError(t, mgrA.Start(context.Background()))
	require.NoError(t, mgrB.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)

	ctl := NewController(mgrA)
	ctl.SendParticipantCommand("B", wire.ParticipantCommandRestart)

	select {
	case k := <-recvB:
		assert.Equal(t, wire.ParticipantCommandRestart, k)
	case <-time.After(2 * time.Second):
		t.Fatal("targeted participant never received its command")
	}
	select {
	case <-recvA:
		t.Fatal("non-targeted participant must not receive the command")
	case <-time.After(300 * time.Millisecond):
	}
}
