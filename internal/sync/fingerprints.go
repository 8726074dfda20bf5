package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Fingerprints maps document paths to content hashes and carries the
// in-memory "last change source = remote" markers. Hashes persist
// alongside the mirror; markers are volatile on purpose, since they
// only exist to absorb the watcher event caused by a download this
// process just performed.
type Fingerprints struct {
	mu      sync.Mutex
	file    string
	hashes  map[string]string
	remote  map[string]struct{}
}

// NewFingerprints creates a store persisted at file.
func NewFingerprints(file string) *Fingerprints {
	return &Fingerprints{
		file:   file,
		hashes: make(map[string]string),
		remote: make(map[string]struct{}),
	}
}

// Load restores persisted hashes. A missing file is not an error.
func (f *Fingerprints) Load() error {
	data, err := os.ReadFile(f.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load fingerprints: %w", err)
	}

	hashes := make(map[string]string)
	if err := json.Unmarshal(data, &hashes); err != nil {
		return fmt.Errorf("parse fingerprints: %w", err)
	}

	f.mu.Lock()
	f.hashes = hashes
	f.mu.Unlock()
	return nil
}

// Save persists the hash map atomically (temp file then rename).
func (f *Fingerprints) Save() error {
	f.mu.Lock()
	data, err := json.MarshalIndent(f.hashes, "", "  ")
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal fingerprints: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.file), 0755); err != nil {
		return fmt.Errorf("create fingerprint dir: %w", err)
	}
	tmp := f.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write fingerprints: %w", err)
	}
	if err := os.Rename(tmp, f.file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename fingerprints: %w", err)
	}
	return nil
}

// Get returns the recorded hash for path, if any.
func (f *Fingerprints) Get(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[path]
	return h, ok
}

// Set records the hash for path.
func (f *Fingerprints) Set(path, hash string) {
	f.mu.Lock()
	f.hashes[path] = hash
	f.mu.Unlock()
}

// Delete removes the recorded hash for path.
func (f *Fingerprints) Delete(path string) {
	f.mu.Lock()
	delete(f.hashes, path)
	f.mu.Unlock()
}

// MarkRemote flags path as last changed by a remote download.
func (f *Fingerprints) MarkRemote(path string) {
	f.mu.Lock()
	f.remote[path] = struct{}{}
	f.mu.Unlock()
}

// TakeRemote consumes the remote marker for path, reporting whether it
// was set. Each download absorbs exactly one watcher event.
func (f *Fingerprints) TakeRemote(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.remote[path]; ok {
		delete(f.remote, path)
		return true
	}
	return false
}
