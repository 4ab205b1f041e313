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

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNegativeTimeouts(t *testing.T) {
	_, err := New(Config{SoftResponseTimeout: -1})
	require.Error(t, err)
}

func TestNewRejectsHardLessThanSoft(t *testing.T) {
	_, err := New(Config{SoftResponseTimeout: 100 * time.Millisecond, HardResponseTimeout: 50 * time.Millisecond})
	require.Error(t, err)
}

func TestWarnFiresExactlyOnceBeforeError(t *testing.T) {
	w, err := New(Config{
		SoftResponseTimeout: 20 * time.Millisecond,
		HardResponseTimeout: 200 * time.Millisecond,
		Resolution:          2 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	var warnCount, errCount int32
	w.SetWarnHandler(func(time.Duration) { atomic.AddInt32(&warnCount, 1) })
	w.SetErrorHandler(func(time.Duration) { atomic.AddInt32(&errCount, 1) })

	w.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&warnCount) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&warnCount))
	assert.EqualValues(t, 0, atomic.LoadInt32(&errCount))
}

func TestErrorFiresExactlyOnceAfterHardTimeout(t *testing.T) {
	w, err := New(Config{
		SoftResponseTimeout: 5 * time.Millisecond,
		HardResponseTimeout: 15 * time.Millisecond,
		Resolution:          2 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	var errCount int32
	w.SetErrorHandler(func(time.Duration) { atomic.AddInt32(&errCount, 1) })

	w.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&errCount) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&errCount))
}

func TestResetClearsRunningState(t *testing.T) {
	w, err := New(Config{
		SoftResponseTimeout: 5 * time.Millisecond,
		Resolution:          2 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	var warnCount int32
	w.SetWarnHandler(func(time.Duration) { atomic.AddInt32(&warnCount, 1) })

	w.Start()
	w.Reset()
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&warnCount))
}
