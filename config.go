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

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// proxyConfig is the effective daemon configuration: defaults, overridden
// by the config file, overridden by command line flags.
type proxyConfig struct {
	// SocketPath is the AF_UNIX socket the daemon listens on.
	SocketPath string

	// StateDir holds state surviving restarts (the picture cache).
	StateDir string

	// RootDir is the directory relative peer paths resolve against.
	RootDir string

	// WatchdogGrace is how long a session may stay silent before the
	// watchdog starts worrying. Zero disables the watchdog.
	WatchdogGrace time.Duration
}

func defaultProxyConfig() proxyConfig {
	return proxyConfig{
		SocketPath: "/var/run/texpresso/proxy.sock",
		StateDir:   "/var/lib/texpresso/proxy",
		RootDir:    ".",
	}
}

type fileConfig struct {
	SocketPath    string `toml:"socket_path"`
	StateDir      string `toml:"state_dir"`
	RootDir       string `toml:"root_dir"`
	WatchdogGrace string `toml:"watchdog_grace"`
}

func loadProxyConfig(path string) (proxyConfig, error) {
	cfg := defaultProxyConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return proxyConfig{}, fmt.Errorf("load proxy config: %w", err)
	}

	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}

	if meta.IsDefined("state_dir") {
		cfg.StateDir = strings.TrimSpace(raw.StateDir)
	}

	if meta.IsDefined("root_dir") {
		cfg.RootDir = strings.TrimSpace(raw.RootDir)
	}

	if meta.IsDefined("watchdog_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WatchdogGrace))
		if err != nil {
			return proxyConfig{}, fmt.Errorf("parse watchdog_grace: %w", err)
		}
		cfg.WatchdogGrace = d
	}

	return cfg, nil
}
