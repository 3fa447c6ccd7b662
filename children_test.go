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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChildLifecycle(t *testing.T) {
	table := newChildTable()

	table.Announce(100)
	assert.Equal(t, []uint32{100}, table.Running())

	_, exited := table.Exitcode(100)
	assert.False(t, exited)

	table.Completed(1, 100, 7)

	code, exited := table.Exitcode(100)
	assert.True(t, exited)
	assert.Equal(t, uint32(7), code)
	assert.Equal(t, 0, len(table.Running()))
}

func TestChildOnExit(t *testing.T) {
	table := newChildTable()
	table.Announce(200)

	done := table.OnExit(200)
	assert.NotNil(t, done)

	go table.Completed(1, 200, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exit notification never arrived")
	}

	assert.Nil(t, table.OnExit(999))
}

func TestChildBackBeforeChld(t *testing.T) {
	table := newChildTable()

	// A BACK racing ahead of its CHLD is recorded anyway.
	table.Completed(1, 300, 2)

	code, exited := table.Exitcode(300)
	assert.True(t, exited)
	assert.Equal(t, uint32(2), code)
}

func TestChildReannounceResets(t *testing.T) {
	table := newChildTable()

	table.Announce(400)
	table.Completed(1, 400, 0)

	// The OS recycled the pid for a fresh child.
	table.Announce(400)
	_, exited := table.Exitcode(400)
	assert.False(t, exited)
	assert.Equal(t, []uint32{400}, table.Running())
}

func TestChildTableClose(t *testing.T) {
	table := newChildTable()
	table.Announce(500)
	done := table.OnExit(500)

	table.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake waiters")
	}
}
