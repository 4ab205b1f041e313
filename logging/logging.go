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

// Package logging builds the per-process, per-component *logrus.Entry
// values threaded through conn, discovery, orchestration and timesync.
// There is no package-level global logger: every component receives its
// own Entry carrying its participant and component name as fields, the
// way fbclock/daemon and ptp4u/server thread a logger through their own
// constructors.
package logging

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// New builds the root Entry for a participant process, tagged with its
// name so every downstream log line can be attributed when participants
// share a log aggregator.
func New(participantName string, level string) (*log.Entry, error) {
	lvl := log.InfoLevel
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		lvl = parsed
	}
	logger := log.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return logger.WithField("participant", participantName), nil
}

// Component derives a child Entry scoped to a single package/subsystem
// (e.g. "conn", "timesync", "orchestration"), matching the field naming
// conventions already used where conn.Config.Logger and
// orchestration.New accept a *logrus.Entry directly.
func Component(root *log.Entry, name string) *log.Entry {
	return root.WithField("component", name)
}
