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

package timesync

import (
	"context"
	"sync"
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

// TestStartWaitsForEveryRequiredPeer exercises §4.9's startup rule over
// real TCP: Start blocks until the other synchronised peer's own Start has
// posted its token.
func TestStartWaitsForEveryRequiredPeer(t *testing.T) {
	bound := startTestRegistry(t)

	mgrA := newTestManager(t, "A", bound)
	mgrB := newTestManager(t, "B", bound)
	engA := New(mgrA, "A", time.Millisecond, nil)
	engB := New(mgrB, "B", time.Millisecond, nil)

	require.NoError(t, mgrA.Start(context.Background()))
	require.NoError(t, mgrB.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)

	engA.mu.Lock()
	engA.required["B"] = struct{}{}
	engA.mu.Unlock()
	engB.mu.Lock()
	engB.required["A"] = struct{}{}
	engB.mu.Unlock()

	done := make(chan error, 2)
	go func() { done <- engA.Start(context.Background()) }()
	go func() { done <- engB.Start(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Start never unblocked for both peers")
		}
	}
}

// TestStepBlocksUntilPolicySatisfied exercises the strict coupling policy
// directly, without any networking: Step must not return until every
// required peer's last posted token timePoint is >= the engine's current
// virtual time.
func TestStepBlocksUntilPolicySatisfied(t *testing.T) {
	e := &Engine{
		self:     "A",
		step:     10 * time.Millisecond,
		required: map[string]struct{}{"B": {}},
		peers:    map[string]wire.NextSimTask{},
		mgr:      conn.NewManager(conn.Config{Self: wire.PeerInfo{Name: "A"}}),
	}
	e.cond = sync.NewCond(&e.mu)

	resultCh := make(chan time.Duration, 1)
	go func() {
		executed, err := e.Step(context.Background())
		require.NoError(t, err)
		resultCh <- executed
	}()

	select {
	case <-resultCh:
		t.Fatal("Step returned before the required peer posted a satisfying token")
	case <-time.After(150 * time.Millisecond):
	}

	e.mu.Lock()
	e.peers["B"] = wire.NextSimTask{TimePoint: 0, StepSize: 10 * time.Millisecond}
	e.cond.Broadcast()
	e.mu.Unlock()

	select {
	case executed := <-resultCh:
		assert.Equal(t, time.Duration(0), executed)
		assert.Equal(t, 10*time.Millisecond, e.Now())
	case <-time.After(2 * time.Second):
		t.Fatal("Step never unblocked after the peer posted a satisfying token")
	}
}

// TestAbortReleasesBlockedStep exercises §4.9's cancellation rule.
func TestAbortReleasesBlockedStep(t *testing.T) {
	e := New(conn.NewManager(conn.Config{Self: wire.PeerInfo{Name: "A"}}), "A", time.Millisecond, nil)
	e.required["B"] = struct{}{}

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Step(context.Background())
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	e.Abort()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Abort never released the blocked Step")
	}
}
