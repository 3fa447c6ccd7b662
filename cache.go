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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const cacheFileName = "piccache.json"
const cacheDirPerm = 0750
const cacheFilePerm = 0640

// XXX cacheFileFormatVersion must be updated in case of any changes in the
// picCacheState struct.
const cacheFileFormatVersion = 1

// picCacheState is used to (re)store the picture cache on disk.
type picCacheState struct {
	Version uint       `json:"version"`
	Entries []picEntry `json:"entries"`
}

type picEntry struct {
	Path   string     `json:"path"`
	Type   uint32     `json:"type"`
	Page   uint32     `json:"page"`
	Bounds [4]float32 `json:"bounds"`
}

type picKey struct {
	path string
	typ  uint32
	page uint32
}

// picCache stores the image bounds the peer computed (SPIC) so later runs
// can skip the rendering (GPIC). Persisted across daemon restarts.
type picCache struct {
	sync.Mutex

	dir     string
	entries map[picKey][4]float32
}

func newPicCache(dir string) *picCache {
	return &picCache{
		dir:     dir,
		entries: make(map[picKey][4]float32),
	}
}

func logPicPath(path string) *logrus.Entry {
	return proxyLog.WithField("picture", path)
}

func (cache *picCache) lookup(path string, typ, page uint32) ([4]float32, bool) {
	cache.Lock()
	defer cache.Unlock()

	bounds, ok := cache.entries[picKey{path, typ, page}]
	return bounds, ok
}

func (cache *picCache) store(path string, typ, page uint32, bounds [4]float32) {
	cache.Lock()
	defer cache.Unlock()

	cache.entries[picKey{path, typ, page}] = bounds
}

func (cache *picCache) len() int {
	cache.Lock()
	defer cache.Unlock()

	return len(cache.entries)
}

func (cache *picCache) filePath() string {
	return filepath.Join(cache.dir, cacheFileName)
}

// Returns (false, nil) if it's a clean start (i.e. no cache was found).
// Returns (false, error) if the restoring failed.
// Returns (true, nil) if the restoring succeeded.
func (cache *picCache) restore() (bool, error) {
	if _, err := os.Stat(cache.dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cache.dir, cacheDirPerm); err != nil {
			return false, fmt.Errorf(
				"couldn't create cache directory %s: %v", cache.dir, err)
		}
		return false, nil
	}

	data, err := os.ReadFile(cache.filePath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var state picCacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return false, err
	}
	if state.Version != cacheFileFormatVersion {
		return false, fmt.Errorf("unsupported cache format version %d",
			state.Version)
	}

	cache.Lock()
	defer cache.Unlock()
	for _, e := range state.Entries {
		cache.entries[picKey{e.Path, e.Type, e.Page}] = e.Bounds
		logPicPath(e.Path).Debug("restored bounds")
	}

	return true, nil
}

func (cache *picCache) save() error {
	cache.Lock()
	state := picCacheState{Version: cacheFileFormatVersion}
	for key, bounds := range cache.entries {
		state.Entries = append(state.Entries, picEntry{
			Path:   key.path,
			Type:   key.typ,
			Page:   key.page,
			Bounds: bounds,
		})
	}
	cache.Unlock()

	data, err := json.Marshal(&state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cache.dir, cacheDirPerm); err != nil {
		return err
	}

	// Write-then-rename, so a crash mid-save cannot clobber the previous
	// cache file.
	tmp, err := os.CreateTemp(cache.dir, cacheFileName+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(cacheFilePerm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), cache.filePath())
}
