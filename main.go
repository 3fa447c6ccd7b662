// Copyright (c) 2023 The TeXpresso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// texpresso-proxy answers the filesystem and process queries a TeXpresso
// engine sends over the channel protocol: it opens and serves files on the
// engine's behalf, tracks its child processes and persists the picture
// cache between runs.
//
// Protocol-level tracing is available through glog's -v flag: -v=1 logs
// one line per decoded query and encoded answer, -v=2 adds payload dumps.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func initLogging(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	defaults := defaultProxyConfig()

	configPath := flag.String("config", "", "path to a TOML configuration file")
	socketPath := flag.String("socket", "", "unix socket to listen on")
	stateDir := flag.String("state-dir", "", "directory for persisted state")
	rootDir := flag.String("root", "", "directory relative peer paths resolve against")
	grace := flag.Duration("watchdog-grace", 0, "silence tolerated before dropping a session (0 disables)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	initLogging(*debug)

	cfg := defaults
	if *configPath != "" {
		var err error
		cfg, err = loadProxyConfig(*configPath)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Flags win over the config file.
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *rootDir != "" {
		cfg.RootDir = *rootDir
	}
	if *grace != 0 {
		cfg.WatchdogGrace = *grace
	}

	proxy := newProxy(cfg)
	if err := proxy.init(); err != nil {
		logrus.Fatal(err)
	}
	proxyLog.WithField("socket", cfg.SocketPath).Info("listening")

	// Persist state on the usual termination signals.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		proxyLog.WithField("signal", sig).Info("shutting down")
		proxy.shutdown()
		os.Exit(0)
	}()

	// Flush the picture cache periodically so a crash loses little.
	go func() {
		for range time.Tick(5 * time.Minute) {
			if err := proxy.cache.save(); err != nil {
				proxyLog.WithError(err).Error("couldn't save picture cache")
			}
		}
	}()

	proxy.serve(defaultDispatcher())
	proxy.shutdown()
}
