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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/coresim/wire"
)

// newCoordinatedAtReadyToRun builds a coordinated lifecycle and drives it
// by hand to ReadyToRun, one Notify call at a time, checking every setup
// transition on the way.
func newCoordinatedAtReadyToRun(t *testing.T) *Lifecycle {
	t.Helper()
	l := New("P1", nil)
	require.NoError(t, l.StartLifecycle(true, true))
	require.Equal(t, wire.StateServicesCreated, l.State())
	require.NoError(t, l.NotifyAnnouncementsSent())
	require.Equal(t, wire.StateCommunicationInitializing, l.State())
	require.NoError(t, l.NotifyAllPeersConnected())
	require.Equal(t, wire.StateReadyToRun, l.State())
	return l
}

func TestLifecycleSetupPathCoordinated(t *testing.T) {
	newCoordinatedAtReadyToRun(t)
}

func TestLifecycleUncoordinatedAutoAdvancesAndSelfRuns(t *testing.T) {
	l := New("P1", nil)
	var started bool
	l.SetStartingHandler(func() error {
		started = true
		return nil
	})
	require.NoError(t, l.StartLifecycle(false, false))
	assert.Equal(t, wire.StateRunning, l.State())
	assert.True(t, started)
}

func TestLifecycleAsyncCommReadyHoldsUntilComplete(t *testing.T) {
	l := New("P1", nil)
	release := make(chan struct{})
	l.SetAsyncCommunicationReadyHandler(func(complete func()) {
		<-release
		complete()
	})
	require.NoError(t, l.StartLifecycle(true, true))
	require.NoError(t, l.NotifyAnnouncementsSent())
	require.NoError(t, l.NotifyAllPeersConnected())

	assert.Equal(t, wire.StateCommunicationInitialized, l.State())
	close(release)
	require.Eventually(t, func() bool {
		return l.State() == wire.StateReadyToRun
	}, time.Second, 10*time.Millisecond)
}

func TestLifecycleRunPauseContinueStopShutdown(t *testing.T) {
	l := newCoordinatedAtReadyToRun(t)

	var starting, stopped, shutdown bool
	l.SetStartingHandler(func() error { starting = true; return nil })
	l.SetStopHandler(func() error { stopped = true; return nil })
	l.SetShutdownHandler(func() error { shutdown = true; return nil })

	require.NoError(t, l.Run())
	assert.Equal(t, wire.StateRunning, l.State())
	assert.True(t, starting)

	var paused, resumed bool
	l.OnPause(func(string) { paused = true })
	l.OnContinue(func() { resumed = true })

	require.NoError(t, l.Pause("operator request"))
	assert.Equal(t, wire.StatePaused, l.State())
	assert.True(t, paused)

	require.NoError(t, l.Continue())
	assert.Equal(t, wire.StateRunning, l.State())
	assert.True(t, resumed)

	require.NoError(t, l.Stop())
	assert.Equal(t, wire.StateStopped, l.State())
	assert.True(t, stopped)

	require.NoError(t, l.Shutdown())
	assert.Equal(t, wire.StateShutdown, l.State())
	assert.True(t, shutdown)
	assert.True(t, l.State().Terminal())

	select {
	case final := <-l.FinalState():
		assert.Equal(t, wire.StateShutdown, final)
	default:
		t.Fatal("FinalState never resolved")
	}
}

func TestLifecycleUncoordinatedStopSelfShutsDown(t *testing.T) {
	l := New("P1", nil)
	require.NoError(t, l.StartLifecycle(false, false))
	require.Equal(t, wire.StateRunning, l.State())

	require.NoError(t, l.Stop())
	assert.Equal(t, wire.StateShutdown, l.State())
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	l := New("P1", nil)

	err := l.Run()
	var invalidErr *InvalidTransitionError
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, wire.StateInvalid, invalidErr.From)
	assert.Equal(t, uint64(1), l.InvalidTransitionCount())
	assert.Equal(t, wire.StateInvalid, l.State())

	err = l.Continue()
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, uint64(2), l.InvalidTransitionCount())
}

func TestLifecycleAbortSimulationFromAnyNonTerminalState(t *testing.T) {
	l := newCoordinatedAtReadyToRun(t)
	var aborted, shutdownRan bool
	l.OnAbort(func() { aborted = true })
	l.SetShutdownHandler(func() error { shutdownRan = true; return nil })

	require.NoError(t, l.AbortSimulation())
	assert.True(t, aborted)
	assert.True(t, shutdownRan)
	assert.Equal(t, wire.StateShutdown, l.State())

	err := l.AbortSimulation()
	var invalidErr *InvalidTransitionError
	require.True(t, errors.As(err, &invalidErr))
}

func TestLifecycleReportErrorFromRunningNotifiesErrorHook(t *testing.T) {
	l := newCoordinatedAtReadyToRun(t)
	require.NoError(t, l.Run())

	var reason string
	l.OnError(func(r string) { reason = r })
	l.ReportError("simulation fault")

	assert.Equal(t, wire.StateError, l.State())
	assert.Equal(t, "simulation fault", reason)

	select {
	case s := <-l.FinalState():
		assert.Equal(t, wire.StateError, s)
	case <-time.After(time.Second):
		t.Fatal("FinalState never resolved after ReportError")
	}
}

func TestLifecycleRestartFromErrorReentersSetupPath(t *testing.T) {
	l := newCoordinatedAtReadyToRun(t)
	require.NoError(t, l.Run())
	l.ReportError("fault")
	require.Equal(t, wire.StateError, l.State())

	require.NoError(t, l.Restart())
	assert.Equal(t, wire.StateServicesCreated, l.State())
}
