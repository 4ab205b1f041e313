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

// registryd is the rendezvous process every participant announces itself
// to, §4.3. It holds no simulation state of its own beyond the currently
// connected peer set.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/coresim/logging"
	"github.com/facebook/coresim/registry"
	"github.com/facebook/coresim/wire"
)

var (
	listenURIFlag      string
	logLevelFlag       string
	maxConnectionsFlag int
)

// RootCmd is registryd's entry point, matching the cobra root-command
// idiom of cmd/ptpcheck/cmd and calnex/cmd.
var RootCmd = &cobra.Command{
	Use:   "registryd",
	Short: "coresim registry process",
	Long:  "registryd accepts participant announcements, maintains the known-participant set, and relays peer messages between participants that can't establish a direct link.",
	RunE:  runRegistryd,
}

func init() {
	RootCmd.Flags().StringVar(&listenURIFlag, "listen-uri", "silkit://localhost:8500", "URI to listen on for participant announcements")
	RootCmd.Flags().StringVar(&logLevelFlag, "loglevel", "info", "Set a log level. Can be: trace, debug, info, warn, error")
	RootCmd.Flags().IntVar(&maxConnectionsFlag, "max-connections", 0, "Cap simultaneously open TCP connections (0 disables the cap)")
	RootCmd.Version = "1.1.0"
	RootCmd.SetVersionTemplate("registryd {{.Version}}\n")
}

func runRegistryd(cmd *cobra.Command, _ []string) error {
	acceptor, err := wire.ParseAcceptorURI(listenURIFlag)
	if err != nil {
		cmd.SilenceUsage = true
		return err
	}

	root, err := logging.New("registryd", logLevelFlag)
	if err != nil {
		cmd.SilenceUsage = true
		return err
	}
	cmd.SilenceUsage = true

	srv := registry.NewServer(registry.Config{
		Acceptor:       acceptor,
		Logger:         logging.Component(root, "registry"),
		MaxConnections: maxConnectionsFlag,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root.WithField("listen", acceptor.String()).Info("registryd starting")
	return srv.Run(ctx)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		log.WithError(err).Error("registryd exited with an error")
		os.Exit(-3)
	}
}
