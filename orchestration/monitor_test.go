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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/coresim/wire"
)

func status(name string, state wire.ParticipantState) wire.ParticipantStatus {
	now := time.Now()
	return wire.ParticipantStatus{ParticipantName: name, State: state, EnterTime: now, RefreshTime: now}
}

// newUnitMonitor builds a Monitor without a live conn.Manager, exercising
// the derivation logic directly the way discovery's unit tests exercise
// handleEvent/handleBundle without a live Manager.
func newUnitMonitor() *Monitor {
	return &Monitor{
		statuses: map[string]wire.ParticipantStatus{},
		current:  wire.StateInvalid,
	}
}

func (m *Monitor) ingest(s wire.ParticipantStatus) (bool, wire.ParticipantState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[s.ParticipantName] = s
	return m.deriveLocked()
}

func (m *Monitor) setRequired(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required = make(map[string]struct{}, len(names))
	for _, n := range names {
		m.required[n] = struct{}{}
	}
}

func TestMonitorAllSameStateYieldsThatState(t *testing.T) {
	m := newUnitMonitor()
	m.setRequired("A", "B")
	m.ingest(status("A", wire.StateRunning))
	changed, next := m.ingest(status("B", wire.StateRunning))
	assert.True(t, changed)
	assert.Equal(t, wire.StateRunning, next)
}

func TestMonitorWeakestLinkWins(t *testing.T) {
	m := newUnitMonitor()
	m.setRequired("A", "B")
	m.ingest(status("A", wire.StateRunning))
	_, next := m.ingest(status("B", wire.StateReadyToRun))
	assert.Equal(t, wire.StateReadyToRun, next)
}

func TestMonitorAnyErrorDominates(t *testing.T) {
	m := newUnitMonitor()
	m.setRequired("A", "B")
	m.ingest(status("A", wire.StateRunning))
	_, next := m.ingest(status("B", wire.StateError))
	assert.Equal(t, wire.StateError, next)
}

func TestMonitorAnyAbortingDominatesOverWeakestLink(t *testing.T) {
	m := newUnitMonitor()
	m.setRequired("A", "B", "C")
	m.ingest(status("A", wire.StateRunning))
	m.ingest(status("B", wire.StateReadyToRun))
	_, next := m.ingest(status("C", wire.StateAborting))
	assert.Equal(t, wire.StateAborting, next)
}

func TestMonitorMissingRequiredParticipantIsInvalid(t *testing.T) {
	m := newUnitMonitor()
	m.setRequired("A", "B")
	_, next := m.ingest(status("A", wire.StateRunning))
	assert.Equal(t, wire.StateInvalid, next)
}

func TestMonitorNotifiesExactlyOncePerChange(t *testing.T) {
	m := newUnitMonitor()
	m.setRequired("A")

	var calls []wire.ParticipantState
	m.RegisterHandler(func(s wire.ParticipantState) { calls = append(calls, s) })

	fire := func(s wire.ParticipantStatus) {
		changed, next := m.ingest(s)
		if changed {
			m.notify(next)
		}
	}

	fire(status("A", wire.StateReadyToRun))
	fire(status("A", wire.StateReadyToRun)) // identical resend, no new notification
	fire(status("A", wire.StateRunning))

	require.Len(t, calls, 2)
	assert.Equal(t, wire.StateReadyToRun, calls[0])
	assert.Equal(t, wire.StateRunning, calls[1])
}
