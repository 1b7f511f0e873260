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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyValidCommandsMutateConfig(t *testing.T) {
	c := New(StaticConfig{})

	reply, err := c.Apply("data_port 9999")
	require.NoError(t, err)
	assert.Equal(t, "OK\r\n", reply)
	assert.Equal(t, 9999, c.Snapshot().DataPort)

	_, err = c.Apply("instrument_type rsn")
	require.NoError(t, err)
	assert.Equal(t, InstrumentRSN, c.Snapshot().InstrumentType)

	_, err = c.Apply("heartbeat_interval 5")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.Snapshot().HeartbeatInterval)
}

func TestApplyInvalidCommandReturnsError(t *testing.T) {
	c := New(StaticConfig{})

	_, err := c.Apply("not_a_real_command 1")
	assert.Error(t, err)

	_, err = c.Apply("instrument_type carrier_pigeon")
	assert.Error(t, err)

	_, err = c.Apply("data_port notanumber")
	assert.Error(t, err)
}

func TestApplyGetReturnsCurrentValue(t *testing.T) {
	c := New(StaticConfig{})
	_, err := c.Apply("log_dir /tmp/port-agent-logs")
	require.NoError(t, err)

	reply, err := c.Apply("get log_dir")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/port-agent-logs\r\n", reply)
}

func TestApplyShutdownSetsFlag(t *testing.T) {
	c := New(StaticConfig{})
	assert.False(t, c.Shutdown())

	_, err := c.Apply("shutdown")
	require.NoError(t, err)
	assert.True(t, c.Shutdown())
}

// TestS6ConfigReload covers the config-layer half of scenario S6 from
// spec §8: the command takes effect immediately in the in-memory
// DynamicConfig. The agent-side listener rebind is covered separately by
// agent.TestS6ConfigReloadRebindsDataListener.
func TestS6ConfigReload(t *testing.T) {
	c := New(StaticConfig{})
	require.NoError(t, c.Save(filepath.Join(t.TempDir(), "unused")))

	_, err := c.Apply("data_port 9999")
	require.NoError(t, err)
	assert.Equal(t, 9999, c.Snapshot().DataPort)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port-agent.yml")

	c := New(StaticConfig{ConfigFile: path})
	_, err := c.Apply("data_port 4000")
	require.NoError(t, err)
	_, err = c.Apply("save")
	require.NoError(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, loaded.DataPort)
}

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port-agent.pid")
	c := New(StaticConfig{PidFile: path})

	require.NoError(t, c.CreatePidFile())
	pid, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	require.NoError(t, c.DeletePidFile())
}
