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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheLookupMiss(t *testing.T) {
	cache := newPicCache(t.TempDir())

	_, ok := cache.lookup("figure.pdf", 1, 0)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.len())
}

func TestCacheStoreLookup(t *testing.T) {
	cache := newPicCache(t.TempDir())

	bounds := [4]float32{0, 0, 595.276, 841.89}
	cache.store("figure.pdf", 1, 0, bounds)

	got, ok := cache.lookup("figure.pdf", 1, 0)
	assert.True(t, ok)
	assert.Equal(t, bounds, got)

	// Keys are (path, type, page), each part significant.
	_, ok = cache.lookup("figure.pdf", 1, 1)
	assert.False(t, ok)
	_, ok = cache.lookup("figure.pdf", 2, 0)
	assert.False(t, ok)
	_, ok = cache.lookup("other.pdf", 1, 0)
	assert.False(t, ok)

	// Storing again overwrites.
	cache.store("figure.pdf", 1, 0, [4]float32{1, 2, 3, 4})
	got, _ = cache.lookup("figure.pdf", 1, 0)
	assert.Equal(t, [4]float32{1, 2, 3, 4}, got)
	assert.Equal(t, 1, cache.len())
}

func TestCacheRestoreCleanStart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	cache := newPicCache(dir)

	restored, err := cache.restore()
	assert.Nil(t, err)
	assert.False(t, restored)

	// The state directory got created on first run.
	info, err := os.Stat(dir)
	assert.Nil(t, err)
	assert.True(t, info.IsDir())
}

func TestCacheSaveRestore(t *testing.T) {
	dir := t.TempDir()

	cache := newPicCache(dir)
	cache.store("a.pdf", 1, 0, [4]float32{1, 2, 3, 4})
	cache.store("b.png", 2, 7, [4]float32{0, 0, 640, 480})
	assert.Nil(t, cache.save())

	fresh := newPicCache(dir)
	restored, err := fresh.restore()
	assert.Nil(t, err)
	assert.True(t, restored)
	assert.Equal(t, 2, fresh.len())

	bounds, ok := fresh.lookup("a.pdf", 1, 0)
	assert.True(t, ok)
	assert.Equal(t, [4]float32{1, 2, 3, 4}, bounds)

	bounds, ok = fresh.lookup("b.png", 2, 7)
	assert.True(t, ok)
	assert.Equal(t, [4]float32{0, 0, 640, 480}, bounds)
}

// save goes through a temp file and a rename, so reruns leave exactly one
// cache file behind and never a partial one.
func TestCacheSaveLeavesSingleFile(t *testing.T) {
	dir := t.TempDir()

	cache := newPicCache(dir)
	cache.store("a.pdf", 1, 0, [4]float32{1, 2, 3, 4})
	assert.Nil(t, cache.save())

	cache.store("b.pdf", 1, 0, [4]float32{5, 6, 7, 8})
	assert.Nil(t, cache.save())

	entries, err := os.ReadDir(dir)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, cacheFileName, entries[0].Name())

	fresh := newPicCache(dir)
	restored, err := fresh.restore()
	assert.Nil(t, err)
	assert.True(t, restored)
	assert.Equal(t, 2, fresh.len())
}

func TestCacheRestoreBadVersion(t *testing.T) {
	dir := t.TempDir()
	state := `{"version": 999, "entries": []}`
	assert.Nil(t, os.WriteFile(filepath.Join(dir, cacheFileName),
		[]byte(state), cacheFilePerm))

	cache := newPicCache(dir)
	restored, err := cache.restore()
	assert.False(t, restored)
	assert.NotNil(t, err)
}

func TestCacheRestoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, os.WriteFile(filepath.Join(dir, cacheFileName),
		[]byte("not json"), cacheFilePerm))

	cache := newPicCache(dir)
	restored, err := cache.restore()
	assert.False(t, restored)
	assert.NotNil(t, err)
}
