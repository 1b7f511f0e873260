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

/*
Package config implements the port agent's configuration record and the
command language used to mutate it at runtime (spec §4.I, §6).
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// InstrumentType selects which Connection variant the core drives.
type InstrumentType string

// Supported instrument types, per spec §6.
const (
	InstrumentTCP    InstrumentType = "tcp"
	InstrumentSerial InstrumentType = "serial"
	InstrumentRSN    InstrumentType = "rsn"
	InstrumentBotpt  InstrumentType = "botpt"
)

// StaticConfig holds the settings fixed at process start from CLI flags
// (spec §6); changing them requires a restart.
type StaticConfig struct {
	ConfigPort int
	ConfigFile string
	PidFile    string
	Verbose    bool
	KillOnly   bool
	// SingleShot requests foreground/non-daemonizing operation. The core
	// never forks regardless, so the flag is only recorded here; neither
	// main nor agent.Agent consults it.
	SingleShot bool
}

// DynamicConfig holds the settings mutable at runtime through the
// config-port command language of spec §6.
type DynamicConfig struct {
	InstrumentType        InstrumentType `yaml:"instrument_type"`
	InstrumentDataPort    int            `yaml:"instrument_data_port"`
	InstrumentCommandPort int            `yaml:"instrument_command_port"`
	InstrumentDataHost    string         `yaml:"instrument_data_host"`
	DataPort              int            `yaml:"data_port"`
	CommandPort           int            `yaml:"command_port"`
	SnifferPort           int            `yaml:"sniffer_port"`
	LogDir                string         `yaml:"log_dir"`
	HeartbeatInterval     time.Duration  `yaml:"heartbeat_interval"`
	MaxPacketSize         int            `yaml:"max_packet_size"`
}

// DefaultDynamicConfig mirrors the teacher's pattern of sane zero-restart
// defaults (compare server.Config{DynamicConfig: ...} in cmd/ptp4u).
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		InstrumentType:    InstrumentTCP,
		LogDir:            "/var/log/port-agent",
		HeartbeatInterval: 15 * time.Second,
		MaxPacketSize:     4096,
	}
}

// Config is the full, thread-safe port agent configuration.
type Config struct {
	mu sync.RWMutex

	Static  StaticConfig
	Dynamic DynamicConfig

	shutdown bool
}

// New builds a Config from static CLI settings and default dynamic
// settings.
func New(static StaticConfig) *Config {
	return &Config{Static: static, Dynamic: DefaultDynamicConfig()}
}

// Snapshot returns a copy of the current dynamic config, safe to read
// without holding the lock further.
func (c *Config) Snapshot() DynamicConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dynamic
}

// Shutdown reports whether the shutdown command has been issued.
func (c *Config) Shutdown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdown
}

// Load reads a YAML-serialized DynamicConfig from path, layered over the
// defaults, and returns it; the caller installs it on a Config.
func Load(path string) (DynamicConfig, error) {
	dc := DefaultDynamicConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return dc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return dc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return dc, nil
}

// Save persists the current dynamic config to path as YAML, one
// "field: value" line per field. The file is not written in the
// config-port command language, and Load reads it back as YAML only.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	dc := c.Dynamic
	c.mu.RUnlock()

	data, err := yaml.Marshal(&dc)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// CreatePidFile writes the current process's pid to Static.PidFile.
func (c *Config) CreatePidFile() error {
	return os.WriteFile(c.Static.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// DeletePidFile removes Static.PidFile.
func (c *Config) DeletePidFile() error {
	return os.Remove(c.Static.PidFile)
}

// ReadPidFile reads a pid previously written by CreatePidFile.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Apply parses and applies one line of the config-port command language
// from spec §6, returning the reply text to send back on the same
// channel. Invalid commands return an error; the caller is responsible
// for turning that into a PORT_AGENT_FAULT packet, per spec §7.
func (c *Config) Apply(line string) (reply string, err error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", fmt.Errorf("config: empty command")
	}

	cmd := fields[0]
	args := fields[1:]

	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd {
	case "instrument_type":
		if len(args) != 1 {
			return "", fmt.Errorf("config: instrument_type requires one argument")
		}
		it := InstrumentType(args[0])
		switch it {
		case InstrumentTCP, InstrumentSerial, InstrumentRSN, InstrumentBotpt:
			c.Dynamic.InstrumentType = it
		default:
			return "", fmt.Errorf("config: unknown instrument_type %q", args[0])
		}
	case "instrument_data_port":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.InstrumentDataPort = n
	case "instrument_command_port":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.InstrumentCommandPort = n
	case "instrument_data_host":
		if len(args) != 1 {
			return "", fmt.Errorf("config: instrument_data_host requires one argument")
		}
		c.Dynamic.InstrumentDataHost = args[0]
	case "data_port":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.DataPort = n
	case "command_port":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.CommandPort = n
	case "sniffer_port":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.SnifferPort = n
	case "log_dir":
		if len(args) != 1 {
			return "", fmt.Errorf("config: log_dir requires one argument")
		}
		c.Dynamic.LogDir = args[0]
	case "heartbeat_interval":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.HeartbeatInterval = time.Duration(n) * time.Second
	case "max_packet_size":
		n, err := intArg(args)
		if err != nil {
			return "", err
		}
		c.Dynamic.MaxPacketSize = n
	case "get":
		if len(args) != 1 {
			return "", fmt.Errorf("config: get requires a field name")
		}
		return c.get(args[0])
	case "save":
		if c.Static.ConfigFile == "" {
			return "", fmt.Errorf("config: no config file path configured")
		}
		dc := c.Dynamic
		data, merr := yaml.Marshal(&dc)
		if merr != nil {
			return "", fmt.Errorf("config: marshaling: %w", merr)
		}
		if werr := os.WriteFile(c.Static.ConfigFile, data, 0644); werr != nil {
			return "", fmt.Errorf("config: writing %s: %w", c.Static.ConfigFile, werr)
		}
		return "OK\r\n", nil
	case "shutdown":
		c.shutdown = true
		return "OK\r\n", nil
	default:
		return "", fmt.Errorf("config: unrecognized command %q", cmd)
	}

	logrus.Debugf("config: applied %q", line)
	return "OK\r\n", nil
}

func (c *Config) get(field string) (string, error) {
	switch field {
	case "instrument_type":
		return string(c.Dynamic.InstrumentType) + "\r\n", nil
	case "instrument_data_port":
		return strconv.Itoa(c.Dynamic.InstrumentDataPort) + "\r\n", nil
	case "instrument_command_port":
		return strconv.Itoa(c.Dynamic.InstrumentCommandPort) + "\r\n", nil
	case "instrument_data_host":
		return c.Dynamic.InstrumentDataHost + "\r\n", nil
	case "data_port":
		return strconv.Itoa(c.Dynamic.DataPort) + "\r\n", nil
	case "command_port":
		return strconv.Itoa(c.Dynamic.CommandPort) + "\r\n", nil
	case "sniffer_port":
		return strconv.Itoa(c.Dynamic.SnifferPort) + "\r\n", nil
	case "log_dir":
		return c.Dynamic.LogDir + "\r\n", nil
	case "heartbeat_interval":
		return strconv.FormatFloat(c.Dynamic.HeartbeatInterval.Seconds(), 'f', -1, 64) + "\r\n", nil
	case "max_packet_size":
		return strconv.Itoa(c.Dynamic.MaxPacketSize) + "\r\n", nil
	default:
		return "", fmt.Errorf("config: unknown field %q", field)
	}
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("config: expected exactly one integer argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("config: %q is not an integer: %w", args[0], err)
	}
	return n, nil
}
