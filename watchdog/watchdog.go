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

// Package watchdog implements the step-duration soft/hard timeout monitor
// supplemented from WatchDog.cpp (§5, SUPPLEMENTED FEATURES): a simulation
// task that runs longer than the configured soft timeout fires a warn
// handler, and one that runs longer than the hard timeout fires an error
// handler — each exactly once per Start/Reset cycle.
package watchdog

import (
	"fmt"
	"sync"
	"time"
)

type state uint8

const (
	stateHealthy state = iota
	stateWarn
	stateError
)

// Handler is invoked with how long the current run has been executing.
type Handler func(running time.Duration)

// Config configures a WatchDog. Either timeout may be left zero to disable
// the corresponding check.
type Config struct {
	// SoftResponseTimeout, if positive, is how long a run may execute
	// before WarnHandler fires.
	SoftResponseTimeout time.Duration
	// HardResponseTimeout, if positive, is how long a run may execute
	// before ErrorHandler fires. Must be >= SoftResponseTimeout if both
	// are set.
	HardResponseTimeout time.Duration
	// Resolution is how often the watchdog polls; defaults to 1ms.
	Resolution time.Duration
}

// WatchDog polls a running/not-running flag on its own goroutine and fires
// registered handlers on soft/hard timeout breach, §5.
type WatchDog struct {
	cfg Config

	mu          sync.Mutex
	running     bool
	startTime   time.Time
	state       state
	warnHandler Handler
	errHandler  Handler

	stop chan struct{}
	done chan struct{}
}

// New validates cfg and starts the polling goroutine. A negative timeout,
// or a hard timeout below the soft one when both are set, is rejected; a
// zero timeout disables that check.
func New(cfg Config) (*WatchDog, error) {
	if cfg.SoftResponseTimeout < 0 {
		return nil, fmt.Errorf("watchdog: SoftResponseTimeout must be >= 0, got %s", cfg.SoftResponseTimeout)
	}
	if cfg.HardResponseTimeout < 0 {
		return nil, fmt.Errorf("watchdog: HardResponseTimeout must be >= 0, got %s", cfg.HardResponseTimeout)
	}
	if cfg.SoftResponseTimeout > 0 && cfg.HardResponseTimeout > 0 && cfg.HardResponseTimeout < cfg.SoftResponseTimeout {
		return nil, fmt.Errorf("watchdog: HardResponseTimeout %s must be >= SoftResponseTimeout %s", cfg.HardResponseTimeout, cfg.SoftResponseTimeout)
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = time.Millisecond
	}
	w := &WatchDog{
		cfg:         cfg,
		warnHandler: func(time.Duration) {},
		errHandler:  func(time.Duration) {},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// SetWarnHandler registers the callback fired once per run when the soft
// timeout is exceeded.
func (w *WatchDog) SetWarnHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warnHandler = h
}

// SetErrorHandler registers the callback fired once per run when the hard
// timeout is exceeded.
func (w *WatchDog) SetErrorHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errHandler = h
}

// Start marks a run as beginning now. Call before executing the
// time-bounded task (the simulation step, §4.9).
func (w *WatchDog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.startTime = time.Now()
	w.state = stateHealthy
}

// Reset marks the current run as finished, so the watchdog goes idle
// until the next Start.
func (w *WatchDog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.state = stateHealthy
}

// Close stops the polling goroutine. Safe to call once.
func (w *WatchDog) Close() {
	close(w.stop)
	<-w.done
}

func (w *WatchDog) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Resolution)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll fires at most one handler transition per tick, mirroring
// WatchDog.cpp's Healthy -> Warn -> Error state machine: each state is
// entered at most once per run, regardless of how many polls land inside
// it.
func (w *WatchDog) poll() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	running := time.Since(w.startTime)

	var fire Handler
	switch {
	case w.cfg.HardResponseTimeout > 0 && running > w.cfg.HardResponseTimeout:
		if w.state != stateError {
			w.state = stateError
			fire = w.errHandler
		}
	case w.cfg.SoftResponseTimeout > 0 && running > w.cfg.SoftResponseTimeout:
		if w.state == stateHealthy {
			w.state = stateWarn
			fire = w.warnHandler
		}
	}
	w.mu.Unlock()

	if fire != nil {
		fire(running)
	}
}
