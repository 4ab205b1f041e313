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

// systemcontrollerctl is the system-controller CLI of §6: it publishes
// the cluster's required-participant set, issues cluster-wide commands,
// and prints the derived system state, the way
// Utilities/SilKitSystemController/SystemController.cpp drove a running
// simulation from outside.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/logging"
	"github.com/facebook/coresim/orchestration"
	"github.com/facebook/coresim/wire"
)

// exit codes, §6: "0 normal; -1 argument error; -2 configuration error;
// -3 unexpected runtime error."
const (
	exitOK                = 0
	exitArgumentError     = -1
	exitConfigurationErr  = -2
	exitUnexpectedRuntime = -3
)

var (
	connectURIFlag    string
	nameFlag          string
	configurationFlag string
	logLevelFlag      string
)

// RootCmd is systemcontrollerctl's entry point.
var RootCmd = &cobra.Command{
	Use:   "systemcontrollerctl [required-participant-name ...]",
	Short: "coresim system-controller CLI",
	Long:  "systemcontrollerctl joins the mesh as the system controller, publishes the workflow configuration, and drives or observes the simulation's overall lifecycle.",
	RunE:  runStatus,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&connectURIFlag, "connect-uri", "silkit://localhost:8500", "Registry URI to connect to")
	RootCmd.PersistentFlags().StringVar(&nameFlag, "name", "SystemController", "This process's participant name")
	RootCmd.PersistentFlags().StringVar(&configurationFlag, "configuration", "", "Path to a YAML configuration file (schema: config.Config)")
	RootCmd.PersistentFlags().StringVar(&logLevelFlag, "loglevel", "info", "Set a log level. Can be: trace, debug, info, warn, error")
	RootCmd.Version = "1.1.0"
	RootCmd.SetVersionTemplate("systemcontrollerctl {{.Version}}\n")

	RootCmd.AddCommand(runCmd, stopCmd, shutdownCmd, abortCmd)
}

// controllerSession is the connection state shared by every subcommand:
// join the registry, wrap the manager in an orchestration.Controller to
// send commands and an orchestration.Monitor to observe system state.
type controllerSession struct {
	mgr     *conn.Manager
	ctrl    *orchestration.Controller
	monitor *orchestration.Monitor
	log     *log.Entry
}

func newControllerSession(ctx context.Context) (*controllerSession, error) {
	acceptor, err := wire.ParseAcceptorURI(connectURIFlag)
	if err != nil {
		return nil, err
	}
	root, err := logging.New(nameFlag, logLevelFlag)
	if err != nil {
		return nil, err
	}

	mgr := conn.NewManager(conn.Config{
		Self: wire.PeerInfo{
			Name: nameFlag,
			ID:   wire.ParticipantID(nameFlag),
		},
		RegistryAcceptor: acceptor,
		ListenAcceptor:   wire.Acceptor{Host: "0.0.0.0", Port: 0},
		Logger:           logging.Component(root, "conn"),
	})
	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("systemcontrollerctl: failed to join registry at %s: %w", connectURIFlag, err)
	}

	return &controllerSession{
		mgr:     mgr,
		ctrl:    orchestration.NewController(mgr),
		monitor: orchestration.NewMonitor(mgr, logging.Component(root, "monitor")),
		log:     root,
	}, nil
}

// validateRequiredNames checks expectedNames (positional arguments)
// against observed, logging a warning rather than failing, per
// SystemController.cpp's expected-participant-names validation.
func validateRequiredNames(logger *log.Entry, expectedNames []string, observed map[string]wire.ParticipantStatus) {
	for _, name := range expectedNames {
		if _, ok := observed[name]; !ok {
			logger.WithField("participant", name).Warn("expected participant has not yet reported status")
		}
	}
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnexpectedRuntime)
	}
}

// waitForSettle gives newly joined peers a brief window to announce
// themselves and publish status before a command is issued or a
// snapshot is printed, mirroring the settle delay
// cmd/ptpcheck's diag command allows a client connection before
// querying it.
func waitForSettle() {
	time.Sleep(200 * time.Millisecond)
}
