package sync

import (
	"path/filepath"
	"testing"
)

func TestFingerprintsRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "state", "fingerprints.json")

	fp := NewFingerprints(file)
	fp.Set("/a.txt", "hash-a")
	fp.Set("/b/c.txt", "hash-c")
	if err := fp.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := NewFingerprints(file)
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h, ok := fresh.Get("/a.txt"); !ok || h != "hash-a" {
		t.Errorf("Get(/a.txt) = %q, %v", h, ok)
	}
	if h, ok := fresh.Get("/b/c.txt"); !ok || h != "hash-c" {
		t.Errorf("Get(/b/c.txt) = %q, %v", h, ok)
	}
	if _, ok := fresh.Get("/missing"); ok {
		t.Error("Get(/missing) reported a hash")
	}
}

func TestFingerprintsLoadMissingFile(t *testing.T) {
	fp := NewFingerprints(filepath.Join(t.TempDir(), "nope.json"))
	if err := fp.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
}

func TestRemoteMarkerConsumedOnce(t *testing.T) {
	fp := NewFingerprints(filepath.Join(t.TempDir(), "fp.json"))

	if fp.TakeRemote("/doc.txt") {
		t.Error("TakeRemote reported an unset marker")
	}
	fp.MarkRemote("/doc.txt")
	if !fp.TakeRemote("/doc.txt") {
		t.Error("TakeRemote missed a set marker")
	}
	if fp.TakeRemote("/doc.txt") {
		t.Error("TakeRemote consumed the same marker twice")
	}
}

func TestRemoteMarkersNotPersisted(t *testing.T) {
	file := filepath.Join(t.TempDir(), "fp.json")

	fp := NewFingerprints(file)
	fp.MarkRemote("/doc.txt")
	fp.Set("/doc.txt", "h")
	if err := fp.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := NewFingerprints(file)
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fresh.TakeRemote("/doc.txt") {
		t.Error("remote marker survived a reload")
	}
}
