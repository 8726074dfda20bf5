package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/fruitsalade/orchard/pkg/models"
)

func TestLocalReadWrite(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	exists, err := store.Exists(ctx, "/notes.txt")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("Exists reported a file that was never written")
	}

	if _, err := store.Read(ctx, "/notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing file: err = %v, want ErrNotFound", err)
	}

	if err := store.Write(ctx, "/notes.txt", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := store.Read(ctx, "/notes.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read = %q, want %q", data, "hello")
	}

	// Last write wins.
	if err := store.Write(ctx, "/notes.txt", []byte("hello again")); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	data, _ = store.Read(ctx, "/notes.txt")
	if string(data) != "hello again" {
		t.Errorf("Read after overwrite = %q, want %q", data, "hello again")
	}
}

func TestLocalWriteCreatesParents(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	if err := store.Write(ctx, "/src/utils/helper.ts", []byte("export {}")); err != nil {
		t.Fatalf("nested Write: %v", err)
	}
	exists, err := store.Exists(ctx, "/src/utils/helper.ts")
	if err != nil || !exists {
		t.Fatalf("Exists after nested write = %v, %v", exists, err)
	}
	// A directory is not a document.
	exists, err = store.Exists(ctx, "/src/utils")
	if err != nil {
		t.Fatalf("Exists on directory: %v", err)
	}
	if exists {
		t.Error("Exists reported a directory as a document")
	}
}

func TestLocalBuildTree(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	for path, content := range map[string]string{
		"/b.txt":       "b",
		"/a.txt":       "a",
		"/src/main.go": "package main",
		"/.hidden":     "x",
	} {
		if err := store.Write(ctx, path, []byte(content)); err != nil {
			t.Fatalf("Write %s: %v", path, err)
		}
	}

	tree, err := store.BuildTree(ctx)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if !tree.IsDir {
		t.Fatal("root node is not a directory")
	}

	names := make([]string, 0, len(tree.Children))
	for _, c := range tree.Children {
		names = append(names, c.Name)
	}
	want := []string{"a.txt", "b.txt", "src"}
	if len(names) != len(want) {
		t.Fatalf("root children = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("root children = %v, want %v (sorted, dotfiles skipped)", names, want)
		}
	}

	node := models.FindByPath(tree, "/src/main.go")
	if node == nil {
		t.Fatal("FindByPath(/src/main.go) = nil")
	}
	if node.IsDir || node.Size != int64(len("package main")) {
		t.Errorf("node = %+v, want file of size %d", node, len("package main"))
	}

	// Building twice over unchanged storage yields the same shape.
	again, err := store.BuildTree(ctx)
	if err != nil {
		t.Fatalf("second BuildTree: %v", err)
	}
	if models.CountNodes(tree) != models.CountNodes(again) {
		t.Errorf("tree size changed between builds: %d vs %d",
			models.CountNodes(tree), models.CountNodes(again))
	}
}
