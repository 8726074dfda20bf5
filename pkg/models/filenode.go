// Package models contains data types shared between the server and clients.
package models

import "time"

// FileNode represents a file or directory in a workspace tree snapshot.
// Children of a directory are sorted lexicographically by name so that
// two builds over identical storage produce identical trees.
type FileNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	ModTime  time.Time   `json:"mtime"`
	IsDir    bool        `json:"is_dir"`
	Children []*FileNode `json:"children,omitempty"`
}

// FindByPath resolves a path in a tree snapshot (recursive).
func FindByPath(root *FileNode, path string) *FileNode {
	if root == nil {
		return nil
	}
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if found := FindByPath(child, path); found != nil {
			return found
		}
	}
	return nil
}

// CountNodes counts all nodes in a tree.
func CountNodes(root *FileNode) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// Flatten returns all nodes in a flat map keyed by path.
func Flatten(root *FileNode) map[string]*FileNode {
	result := make(map[string]*FileNode)
	if root == nil {
		return result
	}
	flattenRecursive(root, result)
	return result
}

func flattenRecursive(node *FileNode, result map[string]*FileNode) {
	result[node.Path] = node
	for _, child := range node.Children {
		flattenRecursive(child, result)
	}
}
