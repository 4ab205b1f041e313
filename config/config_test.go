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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.ParticipantName = "participantA"
	c.ConnectURI = "coresim://localhost:8500"
	return c
}

func TestDefaultConfigPlusRequiredFieldsIsValid(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingParticipantName(t *testing.T) {
	c := validConfig()
	c.ParticipantName = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsMissingConnectURI(t *testing.T) {
	c := validConfig()
	c.ConnectURI = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsOutOfRangeListenPort(t *testing.T) {
	c := validConfig()
	c.ListenPort = 70000
	require.Error(t, c.Validate())
}

func TestValidateRejectsSynchronisedWithoutStep(t *testing.T) {
	c := validConfig()
	c.TimeSync.Synchronised = true
	c.TimeSync.Step = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsWatchdogHardLessThanSoft(t *testing.T) {
	c := validConfig()
	c.Watchdog.SoftResponseTimeout = 100 * time.Millisecond
	c.Watchdog.HardResponseTimeout = 10 * time.Millisecond
	require.Error(t, c.Validate())
}

func TestValidateRejectsMetricsEnabledWithoutPort(t *testing.T) {
	c := validConfig()
	c.Metrics.Enabled = true
	c.Metrics.MonitoringPort = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "extremely-verbose"
	require.Error(t, c.Validate())
}

func TestReadConfigRoundTripsOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "participant.yaml")
	contents := `
participant_name: participantB
connect_uri: coresim://registry:8500
coordinated_start: false
time_sync:
  synchronised: true
  step: 10ms
watchdog:
  soft_response_timeout: 50ms
  hard_response_timeout: 200ms
`
	require.NoError(t, writeFile(path, contents))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "participantB", c.ParticipantName)
	require.Equal(t, "coresim://registry:8500", c.ConnectURI)
	require.False(t, c.CoordinatedStart)
	require.True(t, c.CoordinatedStop, "unset fields keep DefaultConfig's value")
	require.True(t, c.TimeSync.Synchronised)
	require.Equal(t, 10*time.Millisecond, c.TimeSync.Step)
	require.Equal(t, 50*time.Millisecond, c.Watchdog.SoftResponseTimeout)
	require.Equal(t, 200*time.Millisecond, c.Watchdog.HardResponseTimeout)
}

func TestReadConfigRejectsInvalidResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "participant.yaml")
	require.NoError(t, writeFile(path, "connect_uri: coresim://registry:8500\n"))

	_, err := ReadConfig(path)
	require.Error(t, err, "missing participant_name should fail Validate")
}

func TestReadConfigPropagatesReadError(t *testing.T) {
	_, err := ReadConfig("/nonexistent/path/participant.yaml")
	require.Error(t, err)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
