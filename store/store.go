// Package store provides the persistence layer a Replicator uses to load a
// replicant's last known value at startup and save it back on a throttled
// interval. A Store is scoped to a single namespace and behaves as a
// mapping from replicant name to its last-written JSON string — the
// Replicator holds one Store per namespace, mirroring the per-namespace
// directory layout the wire protocol assumes. The underlying medium is a
// directory of one file per key rather than a database: a replicant is a
// single opaque JSON value, not a queryable record, so there is no
// schema-per-table concept for a SQL driver to model here.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store is the per-namespace contract a Replicator persists through.
// GetItem reports ok=false, not an error, when key has never been saved —
// callers treat that as "start from the schema default", not a failure.
// Implementations must make SetItem safe to call concurrently with GetItem.
type Store interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
}

// Options configures a FileStore. A nil *Options resolves to
// DefaultOptions.
type Options struct {
	// FileExt is the extension appended to a key to form its filename.
	// Defaults to ".rep".
	FileExt string
}

// DefaultOptions returns the options FileStore uses when constructed with a
// nil Options pointer.
func DefaultOptions() *Options {
	return &Options{FileExt: ".rep"}
}

// FileStore is a Store backed by a single directory: one file per key,
// named "<key><FileExt>". Writes go through a temp-file-then-rename so a
// crash mid-write never leaves a corrupt or partially-written value behind
// for the next load, satisfying the "completely replacing the prior value
// on successful write" durability requirement.
type FileStore struct {
	mu      sync.Mutex
	root    string
	options *Options
	logger  *zap.Logger
}

// NewFileStore creates a FileStore rooted at root — typically
// db/replicants/<namespace> — creating the directory if it does not exist.
// A nil logger is replaced with zap.NewNop(); a nil options is replaced
// with DefaultOptions().
func NewFileStore(root string, logger *zap.Logger, options *Options) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = DefaultOptions()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root dir %s: %w", root, err)
	}
	return &FileStore{root: root, options: options, logger: logger}, nil
}

// GetItem reads the raw JSON string saved for key. ok is false and err is
// nil when no file exists yet for key.
func (f *FileStore) GetItem(key string) (string, bool, error) {
	path, err := f.path(key)
	if err != nil {
		return "", false, err
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: reading %s: %w", path, err)
	}
	return string(raw), true, nil
}

// SetItem writes value for key. The write is atomic: it is written to a
// sibling temp file, fsynced, then renamed over the target, so a
// concurrent GetItem or a process crash never observes a half-written file.
func (f *FileStore) SetItem(key, value string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: renaming into place for %s: %w", path, err)
	}

	f.logger.Debug("persisted replicant", zap.String("key", key))
	return nil
}

// path computes the on-disk location for key, rejecting it if it would let
// a caller escape root via "..".
func (f *FileStore) path(key string) (string, error) {
	if strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("store: invalid key %q", key)
	}
	return filepath.Join(f.root, key+f.options.FileExt), nil
}
