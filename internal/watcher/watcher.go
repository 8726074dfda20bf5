// Package watcher turns local mirror changes into (path, content hash)
// events by polling. The sync engine only sees this narrow event
// stream, so its loop-prevention logic stays testable without a real
// filesystem watcher behind it.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fruitsalade/orchard/pkg/logger"
)

// Event is one observed change to a mirrored document.
type Event struct {
	Path string // logical workspace path ("/dir/file.txt")
	Hash string // sha256 hex of the new content
}

type fileState struct {
	modTime int64
	size    int64
}

// Watcher polls a mirror directory for changes.
type Watcher struct {
	root     string
	interval time.Duration

	state  map[string]fileState
	events chan Event
	done   chan struct{}
}

// New creates a watcher over root. interval defaults to 2s.
func New(root string, interval time.Duration) *Watcher {
	if interval == 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		root:     root,
		interval: interval,
		state:    make(map[string]fileState),
		events:   make(chan Event, 100),
		done:     make(chan struct{}),
	}
}

// Events returns the change event channel.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start records the current state without emitting events, then polls.
// Files already present at start are not reported; the sync engine
// reconciles those against the server tree itself.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.scanInitial(); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop stops the poll loop.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scanInitial() error {
	return w.walk(func(relPath string, info os.FileInfo) {
		w.state[relPath] = fileState{modTime: info.ModTime().UnixNano(), size: info.Size()}
	})
}

func (w *Watcher) poll() {
	seen := make(map[string]fileState, len(w.state))
	w.walk(func(relPath string, info os.FileInfo) {
		st := fileState{modTime: info.ModTime().UnixNano(), size: info.Size()}
		seen[relPath] = st

		old, existed := w.state[relPath]
		if existed && old == st {
			return
		}

		hash, err := hashFile(filepath.Join(w.root, filepath.FromSlash(relPath)))
		if err != nil {
			logger.Debug("hash failed for %s: %v", relPath, err)
			return
		}
		select {
		case w.events <- Event{Path: "/" + relPath, Hash: hash}:
		default:
			logger.Error("dropping change event for %s: consumer too slow", relPath)
		}
	})
	// Deletions are deliberately not reported; deletion propagation is
	// outside the sync engine's scope.
	w.state = seen
}

func (w *Watcher) walk(fn func(relPath string, info os.FileInfo)) error {
	return filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		name := info.Name()
		if strings.HasPrefix(name, ".") && path != w.root {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		fn(filepath.ToSlash(relPath), info)
		return nil
	})
}

// HashBytes returns the sha256 hex fingerprint of content.
func HashBytes(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
