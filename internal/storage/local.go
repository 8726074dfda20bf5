package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fruitsalade/orchard/pkg/models"
)

// Local implements Store on a local directory.
type Local struct {
	rootDir string
}

// NewLocal creates a local store rooted at rootDir. The directory is
// created if it does not exist.
func NewLocal(rootDir string) (*Local, error) {
	absPath, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("root directory error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absPath)
	}
	return &Local{rootDir: absPath}, nil
}

func (s *Local) fullPath(path string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

// Exists reports whether a regular file exists at path.
func (s *Local) Exists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(s.fullPath(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// Read returns the content of the document at path.
func (s *Local) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(path))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write persists content at path, creating missing parent directories.
// The file is synced before the call returns so an ordinary process
// exit cannot lose a confirmed write.
func (s *Local) Write(ctx context.Context, path string, content []byte) error {
	full := s.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// BuildTree scans the root directory and returns a full tree snapshot.
func (s *Local) BuildTree(ctx context.Context) (*models.FileNode, error) {
	return s.buildNode(ctx, "")
}

func (s *Local) buildNode(ctx context.Context, relPath string) (*models.FileNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := filepath.Join(s.rootDir, filepath.FromSlash(relPath))
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, err
	}

	node := infoToNode(relPath, info)
	if !info.IsDir() {
		return node, nil
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	node.Children = make([]*models.FileNode, 0, len(entries))
	for _, entry := range entries {
		// Skip hidden files
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		childRel := relPath + "/" + entry.Name()
		if relPath == "" {
			childRel = entry.Name()
		}
		childNode, err := s.buildNode(ctx, childRel)
		if err != nil {
			continue // Skip entries we can't read
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

func infoToNode(relPath string, info os.FileInfo) *models.FileNode {
	name := info.Name()
	if relPath == "" {
		name = "root"
	}
	node := &models.FileNode{
		Name:    name,
		Path:    "/" + relPath,
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
	if !info.IsDir() {
		node.Size = info.Size()
	}
	return node
}
