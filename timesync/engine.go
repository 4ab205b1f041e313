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

// Package timesync implements the virtual-time synchronisation engine,
// §4.9: synchronised participants exchange NextSimTask tokens and step
// their simulation task in lock-step under a strict coupling policy,
// while unsynchronised observers never emit tokens and never block
// anyone.
package timesync

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/discovery"
	"github.com/facebook/coresim/wire"
)

const (
	networkName     = "timesync"
	msgTypeNextTask = "NextSimTask"
	tokenEndpoint   = 0
)

// ErrAborted is returned by Start/Step when AbortSimulation released every
// waiter, §4.9.
var ErrAborted = errors.New("timesync: simulation aborted")

// Engine holds one synchronised participant's token-exchange state. The
// zero value is not usable; construct with New.
//
// Mutable state is guarded by an embedded mutex the way
// ptp/sptp/client/measurements.go guards its raw-timestamp map, with a
// sync.Cond layered on top so Step can block until the strict-coupling
// policy is satisfied without a busy-wait.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	mgr  *conn.Manager
	self string
	log  *log.Entry

	step      time.Duration
	now       time.Duration
	required  map[string]struct{}
	peers     map[string]wire.NextSimTask
	cancelled bool
	started   bool
}

// New creates an Engine that steps in increments of step and registers its
// NextSimTask receiver on mgr. Call before mgr.Start.
func New(mgr *conn.Manager, selfName string, step time.Duration, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	e := &Engine{
		mgr:      mgr,
		self:     selfName,
		log:      logger.WithField("component", "timesync"),
		step:     step,
		required: map[string]struct{}{},
		peers:    map[string]wire.NextSimTask{},
	}
	e.cond = sync.NewCond(&e.mu)
	mgr.RegisterReceiver(networkName, msgTypeNextTask, e.handleToken)
	return e
}

// BindDiscovery registers a discovery.Handler that tracks every peer whose
// announced descriptor carries the ServiceTimeSync capability as a
// required synchronised peer, §4.9: "discovered via service-discovery
// entries tagged with the sync capability."
func (e *Engine) BindDiscovery(disc *discovery.Controller) {
	disc.RegisterHandler(func(peerName string, created bool, descriptor wire.ServiceDescriptor) {
		if descriptor.ServiceType != wire.ServiceTimeSync {
			return
		}
		e.mu.Lock()
		if created {
			e.required[peerName] = struct{}{}
		} else {
			delete(e.required, peerName)
			delete(e.peers, peerName)
		}
		e.cond.Broadcast()
		e.mu.Unlock()
	})
}

func (e *Engine) handleToken(fromPeer string, _ wire.EndpointAddress, payload []byte) {
	token, err := wire.DecodeNextSimTask(payload)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed NextSimTask")
		return
	}
	e.mu.Lock()
	e.peers[fromPeer] = token
	e.cond.Broadcast()
	e.mu.Unlock()
}

// satisfiedLocked reports whether the strict-coupling policy (every
// required peer's last token timePoint >= at) holds. Must be called with
// mu held.
func (e *Engine) satisfiedLocked(at time.Duration) bool {
	for peer := range e.required {
		token, ok := e.peers[peer]
		if !ok || token.TimePoint < at {
			return false
		}
	}
	return true
}

// broadcast sends the current token. Must not be called with mu held.
func (e *Engine) broadcast(timePoint time.Duration) {
	e.mgr.SendBroadcast(networkName, msgTypeNextTask, tokenEndpoint, wire.EncodeNextSimTask(wire.NextSimTask{
		TimePoint: timePoint,
		StepSize:  e.step,
	}))
}

// watchContext broadcasts on e.cond when ctx is done, so a blocked Wait
// wakes up to re-check ctx.Err() instead of hanging past cancellation.
// The returned stop func must be deferred immediately by the caller.
func (e *Engine) watchContext(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Start broadcasts this participant's initial token and blocks until every
// currently-required synchronised peer has posted one of its own, §4.9.
// Call on entry to Running. Returns ErrAborted if Abort is called first.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.started = true
	e.now = 0
	e.mu.Unlock()
	e.broadcast(0)

	stop := e.watchContext(ctx)
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.cancelled && ctx.Err() == nil && !e.satisfiedLocked(0) {
		e.cond.Wait()
	}
	if e.cancelled {
		return ErrAborted
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Step blocks until every required peer's token permits executing the
// simulation task at the engine's current virtual time, then advances and
// broadcasts the new token, §4.9. Returns the virtual time that was just
// executed.
func (e *Engine) Step(ctx context.Context) (time.Duration, error) {
	stop := e.watchContext(ctx)
	defer stop()

	e.mu.Lock()
	for !e.cancelled && ctx.Err() == nil && !e.satisfiedLocked(e.now) {
		e.cond.Wait()
	}
	if e.cancelled {
		e.mu.Unlock()
		return 0, ErrAborted
	}
	if ctx.Err() != nil {
		e.mu.Unlock()
		return 0, ctx.Err()
	}
	executed := e.now
	e.now += e.step
	next := e.now
	e.mu.Unlock()

	e.broadcast(next)
	return executed, nil
}

// Now returns the current virtual time.
func (e *Engine) Now() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Abort releases every waiter (Start or Step blocked in cond.Wait) with a
// cancellation signal, §4.9. Safe to call more than once or from any
// goroutine; wire Lifecycle.OnAbort to this.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.cancelled = true
	e.cond.Broadcast()
	e.mu.Unlock()
}
