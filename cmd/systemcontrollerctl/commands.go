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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/facebook/coresim/config"
	"github.com/facebook/coresim/wire"
)

var stateColor = map[wire.ParticipantState]func(string, ...interface{}) string{
	wire.StateError:    color.RedString,
	wire.StateAborting: color.RedString,
	wire.StateRunning:  color.GreenString,
	wire.StateShutdown: color.HiBlackString,
}

func colorizeState(s wire.ParticipantState) string {
	if f, ok := stateColor[s]; ok {
		return f("%s", s.String())
	}
	return color.YellowString("%s", s.String())
}

// loadRequiredNames resolves the cluster's required-participant set from
// either --configuration or the positional arguments, §6.
func loadRequiredNames(args []string) ([]string, error) {
	if configurationFlag == "" {
		return args, nil
	}
	c, err := config.ReadConfig(configurationFlag)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		return args, nil
	}
	return c.RequiredParticipantNames, nil
}

func printStatusTable(sess *controllerSession) {
	statuses := sess.monitor.ParticipantStatuses()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"participant", "state", "reason", "since"})
	for _, s := range statuses {
		table.Append([]string{
			s.ParticipantName,
			colorizeState(s.State),
			s.Reason,
			s.EnterTime.Format("15:04:05"),
		})
	}
	fmt.Printf("overall system state: %s\n", colorizeState(sess.monitor.SystemState()))
	table.Render()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Publish the workflow configuration and broadcast SystemCommandRun",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := loadRequiredNames(args)
		if err != nil {
			cmd.SilenceUsage = true
			os.Exit(exitConfigurationErr)
		}
		ctx := context.Background()
		sess, err := newControllerSession(ctx)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		defer sess.mgr.Close()

		sess.ctrl.PublishWorkflowConfiguration(wire.WorkflowConfiguration{RequiredParticipantNames: names})
		waitForSettle()
		validateRequiredNames(sess.log, names, sess.monitor.ParticipantStatuses())
		sess.ctrl.SendSystemCommand(wire.SystemCommandRun)
		sess.log.Info("broadcast SystemCommandRun")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Broadcast SystemCommandStop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()
		sess, err := newControllerSession(ctx)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		defer sess.mgr.Close()
		sess.ctrl.SendSystemCommand(wire.SystemCommandStop)
		sess.log.Info("broadcast SystemCommandStop")
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Broadcast SystemCommandShutdown",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()
		sess, err := newControllerSession(ctx)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		defer sess.mgr.Close()
		sess.ctrl.SendSystemCommand(wire.SystemCommandShutdown)
		sess.log.Info("broadcast SystemCommandShutdown")
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Broadcast SystemCommandAbortSimulation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()
		sess, err := newControllerSession(ctx)
		if err != nil {
			cmd.SilenceUsage = true
			return err
		}
		defer sess.mgr.Close()
		sess.ctrl.SendSystemCommand(wire.SystemCommandAbortSimulation)
		sess.log.Warn("broadcast SystemCommandAbortSimulation")
		return nil
	},
}

// runStatus is RootCmd's default action: join, wait briefly for statuses
// to arrive, and print one snapshot table.
func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	sess, err := newControllerSession(ctx)
	if err != nil {
		cmd.SilenceUsage = true
		return err
	}
	defer sess.mgr.Close()
	waitForSettle()
	printStatusTable(sess)
	return nil
}
