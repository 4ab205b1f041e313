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

// Package orchestration implements the per-participant lifecycle state
// machine (§4.7) and the system monitor/controller (§4.8).
package orchestration

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/wire"
)

// Input names a lifecycle input: a user call, a system command, or an
// internal completion signal, §4.7.
type Input uint8

// Lifecycle inputs.
const (
	InputStart Input = iota
	InputAnnouncementsSent
	InputAllPeersConnected
	InputCommReadyDone
	InputRun
	InputPause
	InputContinue
	InputStop
	InputStopHandlerDone
	InputShutdown
	InputShutdownHandlerDone
	InputRestart
	InputAbortSimulation
	InputError
)

func (i Input) String() string {
	switch i {
	case InputStart:
		return "Start"
	case InputAnnouncementsSent:
		return "AnnouncementsSent"
	case InputAllPeersConnected:
		return "AllPeersConnected"
	case InputCommReadyDone:
		return "CommReadyDone"
	case InputRun:
		return "Run"
	case InputPause:
		return "Pause"
	case InputContinue:
		return "Continue"
	case InputStop:
		return "Stop"
	case InputStopHandlerDone:
		return "StopHandlerDone"
	case InputShutdown:
		return "Shutdown"
	case InputShutdownHandlerDone:
		return "ShutdownHandlerDone"
	case InputRestart:
		return "Restart"
	case InputAbortSimulation:
		return "AbortSimulation"
	case InputError:
		return "Error"
	default:
		return fmt.Sprintf("Input(%d)", uint8(i))
	}
}

// transitions is the command-to-transition table of §4.7: the only
// permitted moves, keyed by current state then input. AbortSimulation and
// Error are valid from any non-terminal state and are checked separately
// rather than duplicated into every row.
var transitions = map[wire.ParticipantState]map[Input]wire.ParticipantState{
	wire.StateInvalid: {
		InputStart: wire.StateServicesCreated,
	},
	wire.StateServicesCreated: {
		InputAnnouncementsSent: wire.StateCommunicationInitializing,
	},
	wire.StateCommunicationInitializing: {
		InputAllPeersConnected: wire.StateCommunicationInitialized,
	},
	wire.StateCommunicationInitialized: {
		InputCommReadyDone: wire.StateReadyToRun,
	},
	wire.StateReadyToRun: {
		InputRun:   wire.StateRunning,
		InputPause: wire.StatePaused,
	},
	wire.StateRunning: {
		InputPause: wire.StatePaused,
		InputStop:  wire.StateStopping,
	},
	wire.StatePaused: {
		InputContinue: wire.StateRunning,
		InputStop:     wire.StateStopping,
	},
	wire.StateStopping: {
		InputStopHandlerDone: wire.StateStopped,
	},
	wire.StateStopped: {
		InputShutdown: wire.StateShuttingDown,
		InputRestart:  wire.StateServicesCreated,
	},
	wire.StateShuttingDown: {
		InputShutdownHandlerDone: wire.StateShutdown,
	},
	wire.StateError: {
		InputShutdown: wire.StateShuttingDown,
		InputRestart:  wire.StateServicesCreated,
	},
	wire.StateAborting: {
		InputShutdownHandlerDone: wire.StateShutdown,
	},
}

// InvalidTransitionError reports a rejected input, §4.7: "an
// InvalidTransition error is logged and counted but does not change state."
type InvalidTransitionError struct {
	From  wire.ParticipantState
	Input Input
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("orchestration: invalid transition: input %s not permitted from state %s", e.Input, e.From)
}

// Lifecycle is one participant's lifecycle state machine, §4.7. All
// exported methods are safe to call from any goroutine; state is mutated
// under mu the way fbclock/daemon's daemonState guards its own mutable
// fields, and the async communication-ready handler (the one case with a
// dedicated helper goroutine, §5) is joined before Shutdown completes.
type Lifecycle struct {
	mu    sync.Mutex
	state wire.ParticipantState

	coordinatedStart bool
	coordinatedStop  bool

	startingHandler  func() error
	commReadySync    func() error
	commReadyAsync   func(complete func())
	stopHandler      func() error
	shutdownHandler  func() error

	onStateChange func(wire.ParticipantState)
	onPause       func(reason string)
	onContinue    func()
	onAbort       func()
	onError       func(reason string)

	invalidTransitions uint64

	finalState     chan wire.ParticipantState
	finalStateOnce sync.Once

	helperWG sync.WaitGroup

	log *log.Entry
}

// New creates a Lifecycle in StateInvalid.
func New(participantName string, logger *log.Entry) *Lifecycle {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Lifecycle{
		state:       wire.StateInvalid,
		log:         logger.WithField("component", "lifecycle").WithField("participant", participantName),
		finalState:  make(chan wire.ParticipantState, 1),
	}
}

// SetStartingHandler registers the synchronous handler invoked on the Run
// transition into Running, §4.7.
func (l *Lifecycle) SetStartingHandler(fn func() error) { l.startingHandler = fn }

// SetCommunicationReadyHandler registers the synchronous variant: its
// return marks CommunicationInitialized -> ReadyToRun complete.
func (l *Lifecycle) SetCommunicationReadyHandler(fn func() error) { l.commReadySync = fn }

// SetAsyncCommunicationReadyHandler registers the asynchronous variant: fn
// runs on a dedicated helper goroutine and must call complete() itself;
// the lifecycle remains in CommunicationInitialized until it does, §4.7.
func (l *Lifecycle) SetAsyncCommunicationReadyHandler(fn func(complete func())) { l.commReadyAsync = fn }

// SetStopHandler registers the synchronous handler invoked on the Stop
// transition.
func (l *Lifecycle) SetStopHandler(fn func() error) { l.stopHandler = fn }

// SetShutdownHandler registers the synchronous handler invoked on the
// Shutdown and AbortSimulation transitions.
func (l *Lifecycle) SetShutdownHandler(fn func() error) { l.shutdownHandler = fn }

// OnStateChange registers fn to be called after every successful
// transition, with the new state.
func (l *Lifecycle) OnStateChange(fn func(wire.ParticipantState)) { l.onStateChange = fn }

// OnPause registers fn to be called, with the reason, when Pause succeeds.
// timesync.Engine has no pause input, so nothing in this repository
// registers one.
func (l *Lifecycle) OnPause(fn func(reason string)) { l.onPause = fn }

// OnContinue registers fn to be called when Continue succeeds.
func (l *Lifecycle) OnContinue(fn func()) { l.onContinue = fn }

// OnAbort registers fn to be called when AbortSimulation is accepted;
// time-sync uses this to release waiters with a cancellation signal, §4.9.
func (l *Lifecycle) OnAbort(fn func()) { l.onAbort = fn }

// OnError registers fn to be called, with the reported reason, when Error
// is accepted. The system monitor does not use it: it learns of the Error
// state from the participant's status broadcasts.
func (l *Lifecycle) OnError(fn func(reason string)) { l.onError = fn }

// State returns a snapshot of the current state. Safe from any goroutine.
func (l *Lifecycle) State() wire.ParticipantState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// InvalidTransitionCount returns how many rejected inputs have been
// observed so far.
func (l *Lifecycle) InvalidTransitionCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invalidTransitions
}

// FinalState resolves exactly once: with Shutdown when the lifecycle
// reaches its terminal state, or with Error when ReportError is accepted
// first.
func (l *Lifecycle) FinalState() <-chan wire.ParticipantState {
	return l.finalState
}

// setState must be called with mu held. It updates state and fires
// onStateChange outside the lock.
func (l *Lifecycle) setStateLocked(s wire.ParticipantState) (notify func()) {
	l.state = s
	cb := l.onStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

// tryLocked validates input against the transition table and, if allowed,
// applies it and returns the new state. Must be called with mu held.
func (l *Lifecycle) tryLocked(input Input) (wire.ParticipantState, bool) {
	row := transitions[l.state]
	if row == nil {
		return 0, false
	}
	next, ok := row[input]
	return next, ok
}

// apply validates and executes a single transition, running notify (if
// any) after releasing the lock. Returns *InvalidTransitionError on a
// rejected input.
func (l *Lifecycle) apply(input Input) error {
	l.mu.Lock()
	next, ok := l.tryLocked(input)
	if !ok {
		l.invalidTransitions++
		from := l.state
		l.mu.Unlock()
		l.log.WithField("input", input).WithField("from", from).Warn("rejected invalid lifecycle transition")
		return &InvalidTransitionError{From: from, Input: input}
	}
	notify := l.setStateLocked(next)
	l.mu.Unlock()
	notify()
	return nil
}

// StartLifecycle begins the lifecycle, §4.7. coordinatedStart/coordinatedStop
// are fixed for the lifecycle's run. When coordinatedStart is false, the
// setup/ready gating is skipped: the lifecycle advances straight through to
// ReadyToRun and self-commands Run, never waiting for
// NotifyAnnouncementsSent/NotifyAllPeersConnected or a cluster Run command.
func (l *Lifecycle) StartLifecycle(coordinatedStart, coordinatedStop bool) error {
	if err := l.apply(InputStart); err != nil { // Invalid -> ServicesCreated
		return err
	}
	l.mu.Lock()
	l.coordinatedStart = coordinatedStart
	l.coordinatedStop = coordinatedStop
	l.mu.Unlock()

	if !coordinatedStart {
		if err := l.NotifyAnnouncementsSent(); err != nil {
			return err
		}
		if err := l.NotifyAllPeersConnected(); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// NotifyAnnouncementsSent advances ServicesCreated -> CommunicationInitializing,
// §4.7. Called once service announcements have actually gone out (the
// connection manager / discovery layer drives this from the outside; this
// package has no networking of its own).
func (l *Lifecycle) NotifyAnnouncementsSent() error {
	return l.apply(InputAnnouncementsSent)
}

// NotifyAllPeersConnected advances CommunicationInitializing ->
// CommunicationInitialized and runs the communication-ready handler, §4.7.
func (l *Lifecycle) NotifyAllPeersConnected() error {
	if err := l.apply(InputAllPeersConnected); err != nil {
		return err
	}
	l.runCommReady()
	return nil
}

// runCommReady invokes whichever communication-ready handler variant is
// registered. The synchronous variant completes inline; the asynchronous
// variant runs on a dedicated helper goroutine and calls back into
// completeCommReady itself.
func (l *Lifecycle) runCommReady() {
	switch {
	case l.commReadyAsync != nil:
		l.helperWG.Add(1)
		go func() {
			defer l.helperWG.Done()
			l.commReadyAsync(l.completeCommReady)
		}()
	case l.commReadySync != nil:
		if err := l.commReadySync(); err != nil {
			l.ReportError(err.Error())
			return
		}
		l.completeCommReady()
	default:
		l.completeCommReady()
	}
}

// completeCommReady is the single path both handler variants funnel
// through to actually advance CommunicationInitialized -> ReadyToRun. It
// is idempotent against a caller invoking it more than once (the second
// call becomes a no-op, rejected by the table since the state has moved
// on).
func (l *Lifecycle) completeCommReady() {
	if err := l.apply(InputCommReadyDone); err != nil {
		return
	}
	l.mu.Lock()
	uncoordinated := !l.coordinatedStart
	l.mu.Unlock()
	if uncoordinated {
		_ = l.Run()
	}
}

// Run executes the ReadyToRun -> Running transition and invokes the
// starting handler, §4.7.
func (l *Lifecycle) Run() error {
	if err := l.apply(InputRun); err != nil {
		return err
	}
	if l.startingHandler != nil {
		if err := l.startingHandler(); err != nil {
			l.ReportError(err.Error())
			return err
		}
	}
	return nil
}

// Pause holds the lifecycle at its current running point, §4.7/§4.9.
func (l *Lifecycle) Pause(reason string) error {
	if err := l.apply(InputPause); err != nil {
		return err
	}
	if l.onPause != nil {
		l.onPause(reason)
	}
	return nil
}

// Continue resumes from Paused, §4.7/§4.9.
func (l *Lifecycle) Continue() error {
	if err := l.apply(InputContinue); err != nil {
		return err
	}
	if l.onContinue != nil {
		l.onContinue()
	}
	return nil
}

// Stop begins the Running/Paused -> Stopping -> Stopped sequence, running
// the stop handler, §4.7. If coordinatedStop is false it then self-commands
// Shutdown without waiting for a cluster command.
func (l *Lifecycle) Stop() error {
	if err := l.apply(InputStop); err != nil {
		return err
	}
	if l.stopHandler != nil {
		if err := l.stopHandler(); err != nil {
			l.ReportError(err.Error())
			return err
		}
	}
	if err := l.apply(InputStopHandlerDone); err != nil {
		return err
	}
	l.mu.Lock()
	uncoordinated := !l.coordinatedStop
	l.mu.Unlock()
	if uncoordinated {
		return l.Shutdown()
	}
	return nil
}

// Shutdown begins the Stopped/Error -> ShuttingDown -> Shutdown sequence,
// running the shutdown handler and resolving FinalState, §4.7. It joins
// any outstanding asynchronous communication-ready helper goroutine first,
// §5: "the helper must be joined before destruction."
func (l *Lifecycle) Shutdown() error {
	if err := l.apply(InputShutdown); err != nil {
		return err
	}
	l.helperWG.Wait()
	if l.shutdownHandler != nil {
		if err := l.shutdownHandler(); err != nil {
			l.log.WithError(err).Warn("shutdown handler returned an error; completing shutdown regardless")
		}
	}
	if err := l.apply(InputShutdownHandlerDone); err != nil {
		return err
	}
	l.resolveFinalState(wire.StateShutdown)
	return nil
}

// Restart re-enters the init path from Stopped/Error, §4.7.
func (l *Lifecycle) Restart() error {
	if err := l.apply(InputRestart); err != nil {
		return err
	}
	l.mu.Lock()
	coordinated := l.coordinatedStart
	l.mu.Unlock()
	if !coordinated {
		if err := l.NotifyAnnouncementsSent(); err != nil {
			return err
		}
		if err := l.NotifyAllPeersConnected(); err != nil {
			return err
		}
	}
	return nil
}

// AbortSimulation is valid from any non-terminal state, §4.7: it runs the
// shutdown handler and resolves FinalState with Shutdown, releasing every
// time-sync waiter via OnAbort, §4.9.
func (l *Lifecycle) AbortSimulation() error {
	l.mu.Lock()
	if l.state.Terminal() {
		l.invalidTransitions++
		from := l.state
		l.mu.Unlock()
		return &InvalidTransitionError{From: from, Input: InputAbortSimulation}
	}
	notify := l.setStateLocked(wire.StateAborting)
	l.mu.Unlock()
	notify()

	if l.onAbort != nil {
		l.onAbort()
	}
	l.helperWG.Wait()
	if l.shutdownHandler != nil {
		if err := l.shutdownHandler(); err != nil {
			l.log.WithError(err).Warn("shutdown handler returned an error during abort; completing shutdown regardless")
		}
	}
	if err := l.apply(InputShutdownHandlerDone); err != nil {
		return err
	}
	l.resolveFinalState(wire.StateShutdown)
	return nil
}

// ReportError is valid from any non-terminal state, §4.7: it reports the
// reason to the system monitor via OnError and transitions to Error,
// terminal unless Restarted.
func (l *Lifecycle) ReportError(reason string) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	notify := l.setStateLocked(wire.StateError)
	l.mu.Unlock()
	notify()
	if l.onError != nil {
		l.onError(reason)
	}
	l.resolveFinalState(wire.StateError)
}

func (l *Lifecycle) resolveFinalState(s wire.ParticipantState) {
	l.finalStateOnce.Do(func() {
		l.finalState <- s
	})
}
