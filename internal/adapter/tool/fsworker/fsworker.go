// Package fsworker provides a per-scope filesystem worker and the file
// tools backed by it. One worker serializes all file operations for its
// scope and is registered under the FilesystemWorker registry key, so
// every agent sharing a scope goes through the same owner.
package fsworker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sagents/internal/domain"
	"sagents/internal/usecase/registry"
)

// Worker owns one filesystem scope rooted at a directory.
type Worker struct {
	scope  string
	root   string
	reg    registry.Registry
	logger *slog.Logger

	mu sync.Mutex
}

// New creates and registers the worker for a scope.
func New(scope, root string, reg registry.Registry, logger *slog.Logger) (*Worker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	w := &Worker{
		scope:  scope,
		root:   abs,
		reg:    reg,
		logger: logger.With("component", "filesystem_worker", "scope", scope),
	}
	if reg != nil {
		if err := reg.Register(registry.FilesystemWorker(scope), w); err != nil {
			return nil, domain.WrapOp("fsworker", err)
		}
	}
	return w, nil
}

// Close releases the registry key.
func (w *Worker) Close() {
	if w.reg != nil {
		w.reg.Deregister(registry.FilesystemWorker(w.scope))
	}
}

// resolve joins a relative path under the root and rejects escapes.
func (w *Worker) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	path := filepath.Clean(filepath.Join(w.root, rel))
	if path != w.root && !strings.HasPrefix(path, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the scope root", rel)
	}
	return path, nil
}

// ReadFile returns a file's contents.
func (w *Worker) ReadFile(rel string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, err := w.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile replaces a file's contents, creating parent directories.
func (w *Worker) WriteFile(rel, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ListDir lists directory entries.
func (w *Worker) ListDir(rel string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}
