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

// participantsim is an example participant harness, a reference for
// building a real participant binary on top
// of conn/discovery/orchestration/timesync/watchdog. Its -observer mode
// is the PassiveSystemMonitor demo pattern: join, watch the derived
// system state, print transitions, never publish a status of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/discovery"
	"github.com/facebook/coresim/logging"
	"github.com/facebook/coresim/metrics"
	"github.com/facebook/coresim/orchestration"
	"github.com/facebook/coresim/timesync"
	"github.com/facebook/coresim/watchdog"
	"github.com/facebook/coresim/wire"
)

func main() {
	var (
		connectURI       string
		name             string
		observer         bool
		coordinatedStart bool
		coordinatedStop  bool
		synchronised     bool
		step             time.Duration
		softTimeout      time.Duration
		hardTimeout      time.Duration
		logLevel         string
		metricsPort      int
	)

	flag.StringVar(&connectURI, "connect-uri", "silkit://localhost:8500", "Registry URI to connect to")
	flag.StringVar(&name, "name", "participant", "This process's participant name")
	flag.BoolVar(&observer, "observer", false, "Join only to observe system state; publish no status of its own")
	flag.BoolVar(&coordinatedStart, "coordinated-start", true, "Wait for explicit setup notifications/Run command before running")
	flag.BoolVar(&coordinatedStop, "coordinated-stop", true, "Wait for an explicit Shutdown command after Stop completes")
	flag.BoolVar(&synchronised, "synchronised", true, "Participate in virtual-time synchronisation")
	flag.DurationVar(&step, "step", 10*time.Millisecond, "Virtual-time step size when synchronised")
	flag.DurationVar(&softTimeout, "soft-timeout", 0, "Watchdog soft response timeout (0 disables)")
	flag.DurationVar(&hardTimeout, "hard-timeout", 0, "Watchdog hard response timeout (0 disables)")
	flag.StringVar(&logLevel, "loglevel", "info", "Set a log level. Can be: trace, debug, info, warn, error")
	flag.IntVar(&metricsPort, "metrics-port", 0, "Port to serve Prometheus metrics on (0 disables)")
	flag.Parse()

	root, err := logging.New(name, logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	exp := metrics.New()
	if metricsPort > 0 {
		go func() {
			if err := exp.Serve("0.0.0.0", metricsPort); err != nil {
				root.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	acceptor, err := wire.ParseAcceptorURI(connectURI)
	if err != nil {
		root.WithError(err).Error("invalid connect-uri")
		os.Exit(1)
	}

	mgr := conn.NewManager(conn.Config{
		Self: wire.PeerInfo{
			Name: name,
			ID:   wire.ParticipantID(name),
		},
		RegistryAcceptor: acceptor,
		ListenAcceptor:   wire.Acceptor{Host: "0.0.0.0", Port: 0},
		Logger:           logging.Component(root, "conn"),
	})
	if err := mgr.Start(ctx); err != nil {
		root.WithError(err).Error("failed to join registry")
		os.Exit(1)
	}
	defer mgr.Close()

	monitor := orchestration.NewMonitor(mgr, logging.Component(root, "monitor"))
	monitor.RegisterHandler(func(s wire.ParticipantState) {
		root.WithField("system_state", s.String()).Info("system state changed")
		exp.SystemStateChanges.Inc()
	})

	if observer {
		runObserver(ctx, root)
		return
	}

	disc := discovery.New(mgr, name, logging.Component(root, "discovery"))
	disc.Announce(wire.ServiceDescriptor{
		ParticipantName: name,
		NetworkName:     "lifecycle",
		ServiceName:     name,
		ServiceType:     wire.ServiceLifecycle,
	})

	lc := orchestration.New(name, logging.Component(root, "lifecycle"))
	statusPub := orchestration.NewStatusPublisher(mgr, name)

	lc.OnStateChange(func(s wire.ParticipantState) {
		statusPub.Publish(wire.ParticipantStatus{
			State:       s,
			EnterTime:   time.Now(),
			RefreshTime: time.Now(),
		})
	})
	lc.OnError(func(reason string) {
		root.WithField("reason", reason).Error("lifecycle reported an error")
	})

	var eng *timesync.Engine
	var wd *watchdog.WatchDog
	if synchronised {
		eng = timesync.New(mgr, name, step, logging.Component(root, "timesync"))
		eng.BindDiscovery(disc)
		disc.Announce(wire.ServiceDescriptor{
			ParticipantName: name,
			NetworkName:     "timesync",
			ServiceName:     name,
			ServiceType:     wire.ServiceTimeSync,
		})
	}
	if softTimeout > 0 || hardTimeout > 0 {
		wd, err = watchdog.New(watchdog.Config{SoftResponseTimeout: softTimeout, HardResponseTimeout: hardTimeout})
		if err != nil {
			root.WithError(err).Error("invalid watchdog configuration")
			os.Exit(1)
		}
		wd.SetWarnHandler(func(running time.Duration) {
			exp.WatchdogWarnings.Inc()
			root.WithField("running", running).Warn("simulation step exceeded soft response timeout")
		})
		wd.SetErrorHandler(func(running time.Duration) {
			exp.WatchdogErrors.Inc()
			root.WithField("running", running).Error("simulation step exceeded hard response timeout")
		})
		defer wd.Close()
	}

	running := make(chan struct{})
	lc.SetStartingHandler(func() error {
		close(running)
		return nil
	})
	lc.SetStopHandler(func() error {
		if eng != nil {
			eng.Abort()
		}
		return nil
	})
	lc.OnAbort(func() {
		if eng != nil {
			eng.Abort()
		}
	})

	orchestration.NewCommandReceiver(mgr, name, func(kind wire.SystemCommandKind) {
		applySystemCommand(root, lc, kind)
	}, func(kind wire.ParticipantCommandKind) {
		applyParticipantCommand(root, lc, kind)
	})

	if err := lc.StartLifecycle(coordinatedStart, coordinatedStop); err != nil {
		root.WithError(err).Error("failed to start lifecycle")
		os.Exit(1)
	}
	// StartLifecycle already drives the uncoordinated path straight through
	// to ReadyToRun (and self-commands Run); only a coordinated start still
	// needs these two notifications once service announcements and peer
	// connections actually complete.
	if coordinatedStart {
		if err := lc.NotifyAnnouncementsSent(); err != nil {
			root.WithError(err).Warn("failed to notify announcements sent")
		}
		if err := lc.NotifyAllPeersConnected(); err != nil {
			root.WithError(err).Warn("failed to notify all peers connected")
		}
	}

	if eng != nil {
		go runSteps(ctx, root, exp, lc, eng, wd, running)
	}

	select {
	case <-ctx.Done():
	case s := <-lc.FinalState():
		root.WithField("final_state", s.String()).Info("lifecycle reached its final state")
	}
}

func runObserver(ctx context.Context, logger *log.Entry) {
	logger.Info("observer: watching system state, joining no required-participant membership of its own")
	<-ctx.Done()
}

func applySystemCommand(logger *log.Entry, lc *orchestration.Lifecycle, kind wire.SystemCommandKind) {
	var err error
	switch kind {
	case wire.SystemCommandRun:
		err = lc.Run()
	case wire.SystemCommandStop:
		err = lc.Stop()
	case wire.SystemCommandShutdown:
		err = lc.Shutdown()
	case wire.SystemCommandAbortSimulation:
		err = lc.AbortSimulation()
	}
	if err != nil {
		logger.WithError(err).WithField("command", kind.String()).Debug("system command rejected by lifecycle")
	}
}

func applyParticipantCommand(logger *log.Entry, lc *orchestration.Lifecycle, kind wire.ParticipantCommandKind) {
	var err error
	switch kind {
	case wire.ParticipantCommandRun:
		err = lc.Run()
	case wire.ParticipantCommandStop:
		err = lc.Stop()
	case wire.ParticipantCommandRestart:
		err = lc.Restart()
	}
	if err != nil {
		logger.WithError(err).WithField("command", kind.String()).Debug("participant command rejected by lifecycle")
	}
}

// runSteps drives the virtual-time loop for as long as the lifecycle
// stays in Running, §4.9: each step is bracketed by the watchdog (if
// configured) and reported to the metrics exporter.
func runSteps(ctx context.Context, logger *log.Entry, exp *metrics.Exporter, lc *orchestration.Lifecycle, eng *timesync.Engine, wd *watchdog.WatchDog, running <-chan struct{}) {
	select {
	case <-running:
	case <-ctx.Done():
		return
	}
	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Warn("timesync start aborted")
		return
	}
	for {
		if lc.State() != wire.StateRunning {
			return
		}
		if wd != nil {
			wd.Start()
		}
		now, err := eng.Step(ctx)
		if wd != nil {
			wd.Reset()
		}
		if err != nil {
			logger.WithError(err).Debug("timesync step ended")
			return
		}
		exp.TimeSyncSteps.Inc()
		exp.CurrentSimTime.Set(now.Seconds())
		logger.WithField("now", now).Trace("advanced simulation time")
	}
}
