// Copyright 2024 The pg-multiverse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/util/stopper"
)

// ChangedEvent is published on the bus whenever the watched file's
// modification time advances.
type ChangedEvent struct {
	Path string
	Doc  Document
}

// Manager is the stateful façade over this package's free functions:
// it holds the path a document was loaded from and optionally watches
// it for changes, emitting configChanged on the bus.
type Manager struct {
	path string
	bus  *events.Bus

	mu  sync.RWMutex
	doc Document

	sc *stopper.Context
}

// NewManager constructs a Manager. Call LoadConfig to populate it.
func NewManager(bus *events.Bus) *Manager {
	return &Manager{bus: bus}
}

// LoadConfig reads and parses the document at path, replacing any
// previously loaded document. It does not validate — call Validate
// separately.
func (m *Manager) LoadConfig(path string) (Document, error) {
	doc, err := LoadLocked(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.path = path
	m.doc = doc
	m.mu.Unlock()
	return doc, nil
}

// SaveConfig serializes doc to path, or to the path LoadConfig was
// last called with if path is empty.
func (m *Manager) SaveConfig(doc Document, path string) error {
	if path == "" {
		m.mu.RLock()
		path = m.path
		m.mu.RUnlock()
	}
	if err := SaveLocked(doc, path); err != nil {
		return err
	}
	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	return nil
}

// Validate validates the currently loaded document.
func (m *Manager) Validate() ValidationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Validate(m.doc)
}

// MapSchemaToCluster adds schema to clusterID in the loaded document.
func (m *Manager) MapSchemaToCluster(clusterID, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MapSchemaToCluster(m.doc, clusterID, schema)
}

// UnmapSchemaFromCluster removes schema from clusterID in the loaded
// document.
func (m *Manager) UnmapSchemaFromCluster(clusterID, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return UnmapSchemaFromCluster(m.doc, clusterID, schema)
}

// GetClusterForSchema looks up schema's owning cluster in the loaded
// document.
func (m *Manager) GetClusterForSchema(schema string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return GetClusterForSchema(m.doc, schema)
}

// Document returns a snapshot of the currently loaded document.
func (m *Manager) Document() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Document, len(m.doc))
	for k, v := range m.doc {
		out[k] = v
	}
	return out
}

// Watch watches the loaded file's directory via fsnotify and, on any
// write/create/rename event naming the file, re-loads it and emits
// configChanged. A 1-second poll of the modification time runs
// alongside it as a fallback for filesystems (network mounts, some
// container overlays) that don't deliver inotify events reliably.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()
	if path == "" {
		return os.ErrInvalid
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	m.sc = stopper.WithContext(ctx)
	info, statErr := os.Stat(path)
	var lastMod time.Time
	if statErr == nil {
		lastMod = info.ModTime()
	}

	reload := func() {
		doc, err := m.LoadConfig(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("pg-multiverse: failed to reload changed configuration")
			return
		}
		if m.bus != nil {
			m.bus.Emit(events.KindConfigChanged, ChangedEvent{Path: path, Doc: doc})
		}
	}

	m.sc.Go(func() error {
		<-m.sc.Stopping()
		return watcher.Close()
	})

	m.sc.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.sc.Stopping():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if info, err := os.Stat(path); err == nil {
					lastMod = info.ModTime()
				}
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.WithError(err).Warn("pg-multiverse: configuration watcher error")
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if info.ModTime().After(lastMod) {
					lastMod = info.ModTime()
					reload()
				}
			}
		}
	})
	return nil
}

// StopWatching stops the background poll started by Watch, if any.
func (m *Manager) StopWatching() {
	if m.sc != nil {
		m.sc.Stop()
		_ = m.sc.Wait()
	}
}

// Close stops watching.
func (m *Manager) Close() error {
	m.StopWatching()
	return nil
}
