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
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/wire"
)

const (
	networkName            = "orchestration"
	msgTypeStatus          = "ParticipantStatus"
	msgTypeWorkflowConfig  = "WorkflowConfiguration"
	msgTypeSystemCommand   = "SystemCommand"
	msgTypeParticipantCmd  = "ParticipantCommand"
	statusEndpoint         = 0
	workflowConfigEndpoint = 0
	systemCommandEndpoint  = 0
	participantCmdEndpoint = 0
)

// SystemStateHandler is invoked exactly once per change to the derived
// system state, §4.8.
type SystemStateHandler func(wire.ParticipantState)

// Monitor tracks every participant's self-reported status and derives an
// overall system state from it, §4.8. It never sends anything; it only
// observes ParticipantStatus broadcasts and (once) a WorkflowConfiguration.
type Monitor struct {
	mgr *conn.Manager
	log *log.Entry

	mu       sync.Mutex
	statuses map[string]wire.ParticipantStatus
	required map[string]struct{}
	current  wire.ParticipantState
	handlers []SystemStateHandler
}

// NewMonitor creates a Monitor bound to mgr and registers its receivers.
// Call before mgr.Start.
func NewMonitor(mgr *conn.Manager, logger *log.Entry) *Monitor {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	m := &Monitor{
		mgr:      mgr,
		log:      logger.WithField("component", "system-monitor"),
		statuses: map[string]wire.ParticipantStatus{},
		current:  wire.StateInvalid,
	}
	mgr.RegisterReceiver(networkName, msgTypeStatus, m.handleStatus)
	mgr.RegisterReceiver(networkName, msgTypeWorkflowConfig, m.handleWorkflowConfig)
	return m
}

// RegisterHandler registers fn to be called after every change to the
// derived system state.
func (m *Monitor) RegisterHandler(fn SystemStateHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// SystemState returns the last-derived overall system state.
func (m *Monitor) SystemState() wire.ParticipantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ParticipantStatuses returns a snapshot of every participant status
// observed so far, keyed by participant name.
func (m *Monitor) ParticipantStatuses() map[string]wire.ParticipantStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]wire.ParticipantStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

func (m *Monitor) handleStatus(_ string, _ wire.EndpointAddress, payload []byte) {
	status, err := wire.DecodeParticipantStatus(payload)
	if err != nil {
		m.log.WithError(err).Warn("dropping malformed participant status")
		return
	}
	m.mu.Lock()
	m.statuses[status.ParticipantName] = status
	changed, next := m.deriveLocked()
	m.mu.Unlock()
	if changed {
		m.notify(next)
	}
}

func (m *Monitor) handleWorkflowConfig(_ string, _ wire.EndpointAddress, payload []byte) {
	cfg, err := wire.DecodeWorkflowConfiguration(payload)
	if err != nil {
		m.log.WithError(err).Warn("dropping malformed workflow configuration")
		return
	}
	m.mu.Lock()
	if m.required != nil {
		m.mu.Unlock()
		return // cached once; the owner sends it a single time, §4.8
	}
	m.required = make(map[string]struct{}, len(cfg.RequiredParticipantNames))
	for _, name := range cfg.RequiredParticipantNames {
		m.required[name] = struct{}{}
	}
	changed, next := m.deriveLocked()
	m.mu.Unlock()
	if changed {
		m.notify(next)
	}
}

// deriveLocked recomputes the overall system state from the currently
// known statuses, applying the §4.8 precedence rule:
//  1. any required participant in Error -> Error
//  2. else any required participant in Aborting -> Aborting
//  3. else every required participant in the same state S -> S
//  4. else the weakest link over the state graph's forward order
//  5. else Invalid, if nothing is known yet
//
// Must be called with mu held. Returns whether the state changed and, if
// so, the new value.
func (m *Monitor) deriveLocked() (bool, wire.ParticipantState) {
	names := m.requiredNamesLocked()
	next := m.computeLocked(names)
	if next == m.current {
		return false, next
	}
	m.current = next
	return true, next
}

// requiredNamesLocked returns the required set if one has been received,
// else every participant name observed so far (there being no cluster
// authority yet to say otherwise).
func (m *Monitor) requiredNamesLocked() []string {
	if m.required != nil {
		names := make([]string, 0, len(m.required))
		for name := range m.required {
			names = append(names, name)
		}
		return names
	}
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	return names
}

func (m *Monitor) computeLocked(names []string) wire.ParticipantState {
	if len(names) == 0 {
		return wire.StateInvalid
	}

	var (
		known    []wire.ParticipantState
		anyError bool
		anyAbort bool
	)
	for _, name := range names {
		status, ok := m.statuses[name]
		if !ok {
			return wire.StateInvalid // a required participant hasn't reported in yet
		}
		known = append(known, status.State)
		switch status.State {
		case wire.StateError:
			anyError = true
		case wire.StateAborting:
			anyAbort = true
		}
	}
	if anyError {
		return wire.StateError
	}
	if anyAbort {
		return wire.StateAborting
	}

	allSame := true
	for _, s := range known[1:] {
		if s != known[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return known[0]
	}

	weakest := known[0]
	for _, s := range known[1:] {
		if s < weakest {
			weakest = s
		}
	}
	return weakest
}

func (m *Monitor) notify(next wire.ParticipantState) {
	m.mu.Lock()
	handlers := append([]SystemStateHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(next)
	}
}
