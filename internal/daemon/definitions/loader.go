// Copyright 2025 Tom Barlow
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

// Package definitions loads workflow definition files from a directory into
// the workflow store and keeps them in sync while the daemon runs.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/pkg/workflow"
)

// Pattern selects definition files below the directory.
const Pattern = "**/*.{yaml,yml}"

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Loader syncs definition files into a WorkflowStore.
type Loader struct {
	dir      string
	store    backend.WorkflowStore
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[string]string // relative path -> workflow name
	timers  map[string]*time.Timer
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, store backend.WorkflowStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:      dir,
		store:    store,
		debounce: DefaultDebounce,
		logger:   log.WithComponent(logger, "definitions").With(slog.String("dir", dir)),
		sources:  make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

// LoadAll loads every matching file. Files that fail to parse are logged
// and skipped; the number of loaded definitions is returned.
func (l *Loader) LoadAll(ctx context.Context) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(l.dir), Pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to scan workflow directory: %w", err)
	}

	loaded := 0
	for _, rel := range matches {
		if err := l.load(ctx, rel); err != nil {
			l.logger.Warn("skipping workflow file", slog.String("file", rel), log.Error(err))
			continue
		}
		loaded++
	}
	l.logger.Info("workflow definitions loaded", slog.Int("count", loaded))
	return loaded, nil
}

// load parses one file and stores it under the name it declares.
func (l *Loader) load(ctx context.Context, rel string) error {
	content, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	def, err := workflow.ParseDefinition(content)
	if err != nil {
		return err
	}

	l.mu.Lock()
	previous, known := l.sources[rel]
	for other, name := range l.sources {
		if name == def.Name && other != rel {
			l.mu.Unlock()
			return fmt.Errorf("workflow %q is already defined in %s", def.Name, other)
		}
	}
	l.sources[rel] = def.Name
	l.mu.Unlock()

	if known && previous != def.Name {
		if err := l.store.DeleteWorkflow(ctx, previous); err != nil {
			l.logger.Warn("failed to remove renamed workflow", slog.String(log.WorkflowKey, previous), log.Error(err))
		}
	}

	err = l.store.PutWorkflow(ctx, &backend.Workflow{Name: def.Name, Content: content, Source: rel})
	if err != nil {
		return fmt.Errorf("failed to store workflow %q: %w", def.Name, err)
	}
	l.logger.Debug("workflow definition stored", slog.String(log.WorkflowKey, def.Name), slog.String("file", rel))
	return nil
}

// forget removes the workflow defined by a deleted file.
func (l *Loader) forget(ctx context.Context, rel string) {
	l.mu.Lock()
	name, ok := l.sources[rel]
	delete(l.sources, rel)
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := l.store.DeleteWorkflow(ctx, name); err != nil {
		l.logger.Warn("failed to remove workflow", slog.String(log.WorkflowKey, name), log.Error(err))
		return
	}
	l.logger.Info("workflow definition removed", slog.String(log.WorkflowKey, name), slog.String("file", rel))
}

// Watch reloads definitions as files change until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := l.addTree(w, l.dir); err != nil {
		return err
	}
	l.logger.Info("watching workflow directory")

	for {
		select {
		case <-ctx.Done():
			l.stopTimers()
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			l.handle(ctx, w, event)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("workflow watcher error", log.Error(err))
		}
	}
}

func (l *Loader) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (l *Loader) handle(ctx context.Context, w *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(l.dir, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.addTree(w, event.Name); err != nil {
				l.logger.Warn("failed to watch new directory", log.Error(err))
			}
			l.scan(ctx, rel)
			return
		}
	}

	if ok, _ := doublestar.Match(Pattern, rel); !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		l.cancelTimer(rel)
		l.forget(ctx, rel)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		l.schedule(ctx, rel)
	}
}

// scan loads the definitions of a directory that appeared after start.
func (l *Loader) scan(ctx context.Context, relDir string) {
	sub, err := fs.Sub(os.DirFS(l.dir), relDir)
	if err != nil {
		return
	}
	matches, err := doublestar.Glob(sub, Pattern)
	if err != nil {
		return
	}
	for _, m := range matches {
		l.schedule(ctx, relDir+"/"+m)
	}
}

// schedule reloads rel once it has been quiet for the debounce period.
func (l *Loader) schedule(ctx context.Context, rel string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.timers[rel]; ok {
		t.Reset(l.debounce)
		return
	}
	l.timers[rel] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		delete(l.timers, rel)
		l.mu.Unlock()

		if err := l.load(ctx, rel); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			l.logger.Warn("keeping previous workflow definition", slog.String("file", rel), log.Error(err))
			return
		}
		l.logger.Info("workflow definition reloaded", slog.String("file", rel))
	})
}

func (l *Loader) cancelTimer(rel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[rel]; ok {
		t.Stop()
		delete(l.timers, rel)
	}
}

func (l *Loader) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for rel, t := range l.timers {
		t.Stop()
		delete(l.timers, rel)
	}
}
