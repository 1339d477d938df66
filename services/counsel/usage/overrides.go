// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/briefwise/briefwise/pkg/logging"
)

// OverrideTable holds per-user limit overrides loaded from a YAML file
// and hot-reloaded when the file changes. Support uses this to grant a
// user extra capacity without a deploy.
//
// File format:
//
//	overrides:
//	  user-123: 500
//	  user-456: 0
//
// A zero override blocks the user entirely; absence of a key means no
// override. A reload that fails to parse keeps the last good table.
//
// # Thread Safety
//
// Safe for concurrent use.
type OverrideTable struct {
	path   string
	logger *logging.Logger

	mu        sync.RWMutex
	overrides map[string]int

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

type overrideFile struct {
	Overrides map[string]int `yaml:"overrides"`
}

// NewOverrideTable loads the file and starts watching it. A missing
// file is valid and yields an empty table that populates if the file
// appears later.
func NewOverrideTable(path string, logger *logging.Logger) (*OverrideTable, error) {
	if logger == nil {
		logger = logging.Default()
	}
	t := &OverrideTable{
		path:      path,
		logger:    logger,
		overrides: make(map[string]int),
		done:      make(chan struct{}),
	}
	if err := t.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config tooling
	// replace files via rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	t.watcher = watcher
	go t.watchLoop()
	return t, nil
}

// Get returns the override for a user, if one exists.
func (t *OverrideTable) Get(userID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	limit, ok := t.overrides[userID]
	return limit, ok
}

// Len returns the number of overrides. For tests and diagnostics.
func (t *OverrideTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.overrides)
}

// Close stops the watcher.
func (t *OverrideTable) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.watcher != nil {
			err = t.watcher.Close()
		}
	})
	return err
}

func (t *OverrideTable) reload() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		t.mu.Lock()
		t.overrides = make(map[string]int)
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}

	var parsed overrideFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse overrides: %w", err)
	}
	if parsed.Overrides == nil {
		parsed.Overrides = make(map[string]int)
	}

	t.mu.Lock()
	t.overrides = parsed.Overrides
	t.mu.Unlock()
	t.logger.Info("usage overrides loaded", "path", t.path, "count", len(parsed.Overrides))
	return nil
}

func (t *OverrideTable) watchLoop() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name != t.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := t.reload(); err != nil {
				// Keep serving the previous table.
				t.logger.Error("usage overrides reload failed", "error", err)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("usage overrides watcher error", "error", err)
		case <-t.done:
			return
		}
	}
}
