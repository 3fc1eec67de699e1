package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

// File binds a Store to a document on disk.
type File struct {
	path  string
	store *Store
	log   logx.Logger

	mu       sync.Mutex
	lastHash uint64
}

func NewFile(path string, store *Store, log logx.Logger) *File {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &File{path: path, store: store, log: log}
}

func (f *File) Path() string { return f.path }

// Load reads the document and imports it. A missing file leaves the store empty.
func (f *File) Load() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.log.Warn("preferences file not found; starting empty", logx.String("path", f.path))
			return nil
		}
		return err
	}
	return f.importBytes(b)
}

func (f *File) importBytes(b []byte) error {
	doc, err := Decode(f.path, b)
	if err != nil {
		return &ImportError{Problems: []string{fmt.Sprintf("decode %s: %v", filepath.Base(f.path), err)}}
	}
	if err := f.store.Import(doc); err != nil {
		return err
	}
	f.mu.Lock()
	f.lastHash = config.HashBytes(b)
	f.mu.Unlock()
	return nil
}

// Save writes the current store atomically (tmp file + rename).
func (f *File) Save() error {
	b, err := Encode(f.path, f.store.Export())
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(f.path, b); err != nil {
		return err
	}
	f.lastHash = config.HashBytes(b)
	return nil
}

// Watch re-imports the file when it changes on disk. Writes made by Save are
// recognized by content hash and skipped. Invalid edits are logged and ignored.
func (f *File) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, f.path, f.log, func() {
		b, err := os.ReadFile(f.path)
		if err != nil {
			f.log.Warn("preferences read failed", logx.String("path", f.path), logx.Err(err))
			return
		}
		f.mu.Lock()
		same := config.HashBytes(b) == f.lastHash
		f.mu.Unlock()
		if same {
			return
		}
		if err := f.importBytes(b); err != nil {
			f.log.Warn("preferences reload rejected", logx.String("path", f.path), logx.Err(err))
			return
		}
		f.log.Info("preferences reloaded", logx.String("path", f.path), logx.Uint64("version", f.store.Snapshot().Version()))
	})
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
