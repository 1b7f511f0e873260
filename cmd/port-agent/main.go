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
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/deverett/port-agent/agent"
	"github.com/deverett/port-agent/config"
	"github.com/deverett/port-agent/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Exit codes, per spec §7.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBindFailure    = 2
	exitAlreadyRunning = 3
)

func main() {
	static := config.StaticConfig{}

	var monitoringPort int
	flag.IntVar(&static.ConfigPort, "p", 0, "Config port the driver uses to configure this port agent (required)")
	flag.StringVar(&static.ConfigFile, "c", "", "Path to a YAML dynamic config file to load at startup")
	flag.StringVar(&static.PidFile, "pidfile", "/var/run/port-agent.pid", "Pid file location")
	flag.BoolVar(&static.Verbose, "v", false, "Enable verbose (debug) logging")
	flag.BoolVar(&static.KillOnly, "k", false, "Kill the running port agent named by -pidfile and exit")
	flag.BoolVar(&static.SingleShot, "s", false, "Run in the foreground without daemonizing (the agent never forks, so this has no further effect)")
	flag.IntVar(&monitoringPort, "monitoringport", 9999, "Port to serve Prometheus metrics on")
	flag.Parse()

	if static.Verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if static.KillOnly {
		killRunning(static.PidFile)
		os.Exit(exitOK)
	}

	if static.ConfigPort <= 0 {
		log.Errorf("main: -p <config-port> is required")
		os.Exit(exitConfigError)
	}

	if pid, err := config.ReadPidFile(static.PidFile); err == nil {
		if processAlive(pid) {
			log.Errorf("main: port agent already running as pid %d", pid)
			os.Exit(exitAlreadyRunning)
		}
	}

	cfg := config.New(static)
	if static.ConfigFile != "" {
		dc, err := config.Load(static.ConfigFile)
		if err != nil {
			log.Errorf("main: loading config file %s: %v", static.ConfigFile, err)
			os.Exit(exitConfigError)
		}
		cfg.Dynamic = dc
	}

	if err := cfg.CreatePidFile(); err != nil {
		log.Warningf("main: failed to create pid file %s: %v", static.PidFile, err)
	}
	defer func() {
		if err := cfg.DeletePidFile(); err != nil {
			log.Warningf("main: failed to remove pid file %s: %v", static.PidFile, err)
		}
	}()

	m := metrics.New()
	go m.Start(monitoringPort)

	a := agent.New(cfg, m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("main: received %s, shutting down", sig)
		a.Stop()
	}()

	log.Infof("main: starting port agent on config port %d", static.ConfigPort)
	if err := a.Start(); err != nil {
		log.Errorf("main: port agent exited with error: %v", err)
		os.Exit(exitBindFailure)
	}

	os.Exit(exitOK)
}

func killRunning(pidFile string) {
	pid, err := config.ReadPidFile(pidFile)
	if err != nil {
		log.Errorf("main: reading pid file %s: %v", pidFile, err)
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		log.Errorf("main: finding process %d: %v", pid, err)
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Errorf("main: signaling process %d: %v", pid, err)
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
