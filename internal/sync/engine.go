// Package sync implements the client-side engine that keeps a local
// mirror consistent with the workspace server. Its one hard job is
// telling genuine local edits apart from echoes of its own downloads.
package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/orchard/internal/watcher"
	"github.com/fruitsalade/orchard/pkg/logger"
	"github.com/fruitsalade/orchard/pkg/models"
	"github.com/fruitsalade/orchard/pkg/protocol"
	"github.com/fruitsalade/orchard/pkg/retry"
)

// Uplink is the subset of the workspace client the engine drives.
type Uplink interface {
	OpenFile(ctx context.Context, docID string) (*protocol.FileSnapshot, error)
	CreateFile(ctx context.Context, docID string, content []byte) (*protocol.FileSnapshot, error)
	UpdateFile(docID string, content []byte) error
	CloseFile(docID string) error
}

// Engine classifies local change events and applies remote snapshots.
type Engine struct {
	mirror       string
	uplink       Uplink
	fingerprints *Fingerprints
	retryCfg     retry.Config
}

// New creates a sync engine over a mirror directory.
func New(mirror string, uplink Uplink, fingerprints *Fingerprints, retryCfg retry.Config) *Engine {
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	return &Engine{
		mirror:       mirror,
		uplink:       uplink,
		fingerprints: fingerprints,
		retryCfg:     retryCfg,
	}
}

// HandleLocalEvent processes one watcher event. Returns nil when the
// event was suppressed (duplicate or download echo) or successfully
// pushed upstream.
func (e *Engine) HandleLocalEvent(ctx context.Context, ev watcher.Event) error {
	// Echo of our own download: absorb it and record the hash. This
	// must run before the duplicate test: the download already set the
	// fingerprint, so its echo carries a matching hash and would
	// otherwise leave the one-shot marker armed to swallow the next
	// genuine edit.
	if e.fingerprints.TakeRemote(ev.Path) {
		logger.Debug("suppressing download echo for %s", ev.Path)
		e.fingerprints.Set(ev.Path, ev.Hash)
		return e.fingerprints.Save()
	}

	// Duplicate event: content unchanged since the last confirmed state.
	prev, known := e.fingerprints.Get(ev.Path)
	if known && prev == ev.Hash {
		logger.Debug("suppressing duplicate event for %s", ev.Path)
		return nil
	}

	content, err := os.ReadFile(e.localPath(ev.Path))
	if err != nil {
		return fmt.Errorf("read local %s: %w", ev.Path, err)
	}

	if !known {
		err = e.uploadCreate(ctx, ev.Path, content)
	} else {
		err = e.uploadModify(ctx, ev.Path, content)
	}
	if err != nil {
		// Keep the stale fingerprint so a later change event retries
		// the push instead of classifying the edit as already synced.
		return err
	}

	e.fingerprints.Set(ev.Path, ev.Hash)
	return e.fingerprints.Save()
}

func (e *Engine) uploadCreate(ctx context.Context, path string, content []byte) error {
	err := retry.Do(ctx, e.retryCfg, func() error {
		_, err := e.uplink.CreateFile(ctx, path, content)
		if err != nil {
			if isConflict(err) {
				return err // conflicts are final, not retryable
			}
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	// The creator holds the lock; release it so others can edit.
	if err := e.uplink.CloseFile(path); err != nil {
		logger.Error("release lock after create %s: %v", path, err)
	}
	logger.Info("uploaded new file %s", path)
	return nil
}

func (e *Engine) uploadModify(ctx context.Context, path string, content []byte) error {
	err := retry.Do(ctx, e.retryCfg, func() error {
		// Lock first; only the holder may write.
		if _, err := e.uplink.OpenFile(ctx, path); err != nil {
			if isConflict(err) {
				return err
			}
			return retry.Retryable(err)
		}
		if err := e.uplink.UpdateFile(path, content); err != nil {
			e.uplink.CloseFile(path)
			return retry.Retryable(err)
		}
		return e.uplink.CloseFile(path)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	logger.Info("uploaded changes to %s", path)
	return nil
}

// ApplySnapshot writes server content into the mirror and arms the
// echo suppression for the watcher event this write will cause.
// Content is staged under a dot-prefixed name the watcher cannot see,
// the fingerprint and remote marker are set, then the staged file is
// renamed into place. The arming is rolled back if the rename fails,
// so a failed download can never swallow a later edit.
func (e *Engine) ApplySnapshot(docID string, content []byte) error {
	local := e.localPath(docID)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("create mirror dirs for %s: %w", docID, err)
	}

	tmp := filepath.Join(filepath.Dir(local), "."+filepath.Base(local)+".tmp")
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("write mirror %s: %w", docID, err)
	}

	prev, hadPrev := e.fingerprints.Get(docID)
	e.fingerprints.Set(docID, watcher.HashBytes(content))
	e.fingerprints.MarkRemote(docID)

	if err := os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		e.fingerprints.TakeRemote(docID)
		if hadPrev {
			e.fingerprints.Set(docID, prev)
		} else {
			e.fingerprints.Delete(docID)
		}
		return fmt.Errorf("rename mirror %s: %w", docID, err)
	}

	if err := e.fingerprints.Save(); err != nil {
		return err
	}
	logger.Debug("applied remote snapshot for %s", docID)
	return nil
}

// ReconcileTree brings the mirror and a server tree snapshot into
// agreement at the level of presence: server documents missing from
// the mirror are downloaded, local files unknown to the server are
// pushed as new documents. Files present on both sides are left to
// the event paths; content divergence is not resolved here.
func (e *Engine) ReconcileTree(ctx context.Context, tree *models.FileNode) error {
	remote := models.Flatten(tree)

	for path, node := range remote {
		if node.IsDir {
			continue
		}
		if _, err := os.Stat(e.localPath(path)); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat mirror %s: %w", path, err)
		}

		snap, err := e.uplink.OpenFile(ctx, path)
		if err != nil {
			if isConflict(err) {
				// Someone is editing it; the FILE_UPDATE broadcast will
				// deliver the content when they write.
				logger.Debug("skipping locked document %s", path)
				continue
			}
			return fmt.Errorf("fetch %s: %w", path, err)
		}
		if err := e.uplink.CloseFile(path); err != nil {
			logger.Error("release lock after fetch %s: %v", path, err)
		}
		if err := e.ApplySnapshot(path, snap.Content); err != nil {
			return err
		}
	}

	return e.pushUnknown(ctx, remote)
}

// pushUnknown walks the mirror and creates every file the server tree
// does not know about.
func (e *Engine) pushUnknown(ctx context.Context, remote map[string]*models.FileNode) error {
	changed := false
	err := filepath.Walk(e.mirror, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if strings.HasPrefix(info.Name(), ".") && p != e.mirror {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.mirror, p)
		if err != nil {
			return nil
		}
		path := "/" + filepath.ToSlash(rel)
		if _, ok := remote[path]; ok {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read local %s: %w", path, err)
		}
		if err := e.uploadCreate(ctx, path, content); err != nil {
			if isConflict(err) {
				logger.Debug("skipping %s: already present upstream", path)
				return nil
			}
			return err
		}
		e.fingerprints.Set(path, watcher.HashBytes(content))
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		return e.fingerprints.Save()
	}
	return nil
}

func (e *Engine) localPath(docID string) string {
	return filepath.Join(e.mirror, filepath.FromSlash(strings.TrimPrefix(docID, "/")))
}

// isConflict reports whether err is or wraps a server-side conflict
// that no amount of retrying will fix right now.
func isConflict(err error) bool {
	var c interface{ ErrorCode() string }
	if errors.As(err, &c) {
		switch c.ErrorCode() {
		case protocol.ErrFileLocked, protocol.ErrFileExists, protocol.ErrNotLocked:
			return true
		}
	}
	return false
}
