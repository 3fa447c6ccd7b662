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
)

// child tracks one process the peer announced with a CHLD query.
type child struct {
	pid uint32

	// Filled in by the BACK notification.
	exited   bool
	exitcode uint32

	// Channel to signal the child has exited.
	done chan struct{}
}

// childTable is the registry of peer-announced processes, shared by all
// sessions.
type childTable struct {
	sync.Mutex

	children map[uint32]*child
}

func newChildTable() *childTable {
	return &childTable{
		children: make(map[uint32]*child),
	}
}

// Announce registers a freshly forked child. Re-announcing a pid resets
// its state: pids are recycled by the OS.
func (t *childTable) Announce(pid uint32) {
	t.Lock()
	defer t.Unlock()

	t.children[pid] = &child{
		pid:  pid,
		done: make(chan struct{}),
	}
}

// Completed records that control returned from child cid to process pid
// with the given exit code, and wakes any waiter. A BACK for a child that
// was never announced is recorded anyway; notifications can outrun each
// other when sessions reconnect.
func (t *childTable) Completed(pid, cid, exitcode uint32) {
	t.Lock()
	defer t.Unlock()

	c := t.children[cid]
	if c == nil {
		c = &child{pid: cid, done: make(chan struct{})}
		t.children[cid] = c
	}
	if c.exited {
		return
	}
	c.exited = true
	c.exitcode = exitcode
	close(c.done)
}

// OnExit returns a channel closed once the given pid reports back, or nil
// for an unknown pid.
func (t *childTable) OnExit(pid uint32) <-chan struct{} {
	t.Lock()
	defer t.Unlock()

	c := t.children[pid]
	if c == nil {
		return nil
	}
	return c.done
}

// Exitcode returns the recorded exit code of pid once it has exited.
func (t *childTable) Exitcode(pid uint32) (uint32, bool) {
	t.Lock()
	defer t.Unlock()

	c := t.children[pid]
	if c == nil || !c.exited {
		return 0, false
	}
	return c.exitcode, true
}

// Running lists the announced pids that have not reported back yet.
func (t *childTable) Running() []uint32 {
	t.Lock()
	defer t.Unlock()

	var pids []uint32
	for pid, c := range t.children {
		if !c.exited {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Close garbage collects the table, waking every waiter in case sessions
// ended without proper BACK notifications.
func (t *childTable) Close() {
	t.Lock()
	defer t.Unlock()

	for pid, c := range t.children {
		if !c.exited {
			c.exited = true
			close(c.done)
		}
		delete(t.children, pid)
	}
}
