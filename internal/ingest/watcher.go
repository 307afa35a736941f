package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// DebounceDelay batches rapid file writes (editors, git checkouts) into one
// workflow start per burst.
const DebounceDelay = 500 * time.Millisecond

// Watcher observes .repolog directories across configured working copies and
// starts a repolog-change workflow when issue data changes.
type Watcher struct {
	Runtime *workflow.Runtime

	// Repos maps project code to repo path.
	Repos map[string]string

	OnMessage func(string)
	OnWarning func(string)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	pending  map[string]*pendingChange // keyed by repo path
	stopOnce sync.Once
	done     chan struct{}
}

type pendingChange struct {
	timer *time.Timer
	files []string
}

// NewWatcher creates a watcher over the given project→repo map.
func NewWatcher(rt *workflow.Runtime, repos map[string]string) *Watcher {
	return &Watcher{
		Runtime: rt,
		Repos:   repos,
		pending: make(map[string]*pendingChange),
		done:    make(chan struct{}),
	}
}

// Start registers the .repolog directory of every configured repo and begins
// dispatching. Repos without an initialized log directory are skipped with a
// warning; they are picked up on restart.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.watcher = fw

	watching := 0
	for project, repoPath := range w.Repos {
		dir := filepath.Join(repoPath, ".repolog")
		if err := fw.Add(dir); err != nil {
			w.warnf("watch %s (%s): %v", project, dir, err)
			continue
		}
		watching++
	}
	w.messagef("watching %d repo(s) for issue log changes", watching)

	go w.loop()
	return nil
}

// Stop closes the watcher and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.mu.Lock()
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(event.Name)
			if !strings.HasSuffix(base, ".db") && !strings.HasSuffix(base, ".jsonl") {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.warnf("watcher: %v", err)
		}
	}
}

// schedule debounces per repo: a burst of writes yields one workflow start
// carrying the union of changed files.
func (w *Watcher) schedule(changedFile string) {
	repoPath := filepath.Dir(filepath.Dir(changedFile)) // strip /.repolog/<file>
	project := w.projectFor(repoPath)
	if project == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[repoPath]; ok {
		p.files = append(p.files, changedFile)
		p.timer.Reset(DebounceDelay)
		return
	}
	p := &pendingChange{files: []string{changedFile}}
	p.timer = time.AfterFunc(DebounceDelay, func() {
		w.fire(project, repoPath)
	})
	w.pending[repoPath] = p
}

func (w *Watcher) fire(project, repoPath string) {
	w.mu.Lock()
	p := w.pending[repoPath]
	delete(w.pending, repoPath)
	w.mu.Unlock()
	if p == nil {
		return
	}

	change := types.RepoLogChange{
		Project:      project,
		RepoPath:     repoPath,
		ChangedFiles: p.files,
		Timestamp:    time.Now().UTC(),
	}
	// Keyed by repo path: a burst while a run is in flight joins it rather
	// than stacking duplicates.
	runID := "repolog-watch-" + strings.ReplaceAll(filepath.ToSlash(repoPath), "/", "-")
	if _, err := w.Runtime.Start(context.Background(), RepoLogWorkflow, runID, change); err != nil {
		w.warnf("start repolog sync for %s: %v", project, err)
		return
	}
	debug.Logf("ingest: started repolog sync for %s (%d changed files)\n", project, len(p.files))
}

func (w *Watcher) projectFor(repoPath string) string {
	for project, path := range w.Repos {
		if filepath.Clean(path) == filepath.Clean(repoPath) {
			return project
		}
	}
	return ""
}

func (w *Watcher) messagef(format string, args ...interface{}) {
	if w.OnMessage != nil {
		w.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (w *Watcher) warnf(format string, args ...interface{}) {
	if w.OnWarning != nil {
		w.OnWarning(fmt.Sprintf(format, args...))
	}
}
