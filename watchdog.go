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
	"sync"
	"time"
)

// A TeX engine that stops sending queries is either done or wedged on its
// own I/O. The watchdog tells the two apart the cheap way: after a full
// grace period without traffic it warns, and after a second one it trips
// the session.

type watchdogMode int

const (
	watchdogFresh watchdogMode = iota
	watchdogSuspicious
	watchdogTripped
)

type watchdog struct {
	sync.Mutex

	grace   time.Duration
	tripped func()

	mode        watchdogMode
	kickChannel chan bool
	stopChannel chan bool
}

// newWatchdog creates a watchdog that calls tripped once the peer has been
// silent for two consecutive grace periods. Call watch to start it.
func newWatchdog(grace time.Duration, tripped func()) *watchdog {
	return &watchdog{
		grace:       grace,
		tripped:     tripped,
		kickChannel: make(chan bool, 1),
		stopChannel: make(chan bool),
	}
}

func (wd *watchdog) setMode(mode watchdogMode) watchdogMode {
	wd.Lock()
	defer wd.Unlock()

	previous := wd.mode
	wd.mode = mode
	return previous
}

func (wd *watchdog) watch() {
	go func() {
		graceTimer := time.NewTimer(wd.grace)
		defer graceTimer.Stop()

		for {
			select {
			case <-wd.kickChannel:
				// Traffic: the peer is alive, start over.
				if !graceTimer.Stop() {
					select {
					case <-graceTimer.C:
					default:
					}
				}
				wd.setMode(watchdogFresh)
				graceTimer.Reset(wd.grace)

			case <-graceTimer.C:
				switch wd.setMode(watchdogSuspicious) {
				case watchdogFresh:
					// First silent period: give the peer one more.
					proxyLog.WithField("grace", wd.grace).
						Warn("no query from peer")
					graceTimer.Reset(wd.grace)
				case watchdogSuspicious:
					wd.setMode(watchdogTripped)
					wd.tripped()
					return
				}

			case <-wd.stopChannel:
				return
			}
		}
	}()
}

// kick reports peer traffic, resetting the watchdog. Kicks coalesce; a
// kick never blocks, even against a watchdog that already tripped.
func (wd *watchdog) kick() {
	select {
	case wd.kickChannel <- true:
	default:
	}
}

// stop retires the watchdog. Safe to call once.
func (wd *watchdog) stop() {
	close(wd.stopChannel)
}
