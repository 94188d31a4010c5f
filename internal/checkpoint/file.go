package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode"
	"unicode/utf8"
)

// FileStore implements Store as a single JSON file replaced by rename
type FileStore struct {
	path    string
	tmpPath string
	writeMu sync.Mutex

	// rename is swapped in tests to simulate a crash before commit
	rename func(oldpath, newpath string) error
}

// NewFileStore creates a checkpoint store at path. The temporary file lives
// next to it at path + ".tmp".
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	return &FileStore{
		path:    path,
		tmpPath: path + ".tmp",
		rename:  os.Rename,
	}, nil
}

// Path returns the final checkpoint path
func (s *FileStore) Path() string {
	return s.path
}

// Write serializes cp to the temp path, syncs it and renames it over the
// final path. Incomplete samples and writes racing an in-flight write are
// skipped.
func (s *FileStore) Write(cp *Checkpoint) (bool, error) {
	if !cp.Usable() {
		return false, nil
	}

	if !s.writeMu.TryLock() {
		return false, nil
	}
	defer s.writeMu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return false, &IOError{Op: "encode", Path: s.path, Err: err}
	}

	f, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return false, &IOError{Op: "create", Path: s.tmpPath, Err: err}
	}

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			f.Close()
			os.Remove(s.tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return false, &IOError{Op: "write", Path: s.tmpPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		return false, &IOError{Op: "sync", Path: s.tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return false, &IOError{Op: "close", Path: s.tmpPath, Err: err}
	}

	if err := s.rename(s.tmpPath, s.path); err != nil {
		os.Remove(s.tmpPath)
		cleanupTmp = false
		return false, &IOError{Op: "rename", Path: s.path, Err: err}
	}
	cleanupTmp = false

	// The rename is already visible; a failed directory sync only weakens
	// durability across power loss.
	_ = syncDir(filepath.Dir(s.path))

	return true, nil
}

// Read loads and validates the checkpoint
func (s *FileStore) Read() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}

	return Decode(s.path, data)
}

// Exists reports whether a checkpoint file is present
func (s *FileStore) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the checkpoint and any leftover temp file
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "delete", Path: s.path, Err: err}
	}
	if err := os.Remove(s.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "delete", Path: s.tmpPath, Err: err}
	}
	return nil
}

var requiredKeys = []string{"fileName", "filePos", "path", "bedTarget", "tool0Target", "position"}

// Decode sanitizes and parses checkpoint bytes. name is only used in errors.
func Decode(name string, data []byte) (*Checkpoint, error) {
	data = Sanitize(data)
	if len(data) == 0 {
		return nil, &ParseError{Path: name, Reason: "empty file"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ParseError{Path: name, Reason: "malformed JSON", Err: err}
	}
	for _, key := range requiredKeys {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return nil, &ParseError{Path: name, Reason: fmt.Sprintf("missing required key %q", key)}
		}
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &ParseError{Path: name, Reason: "schema mismatch", Err: err}
	}

	switch {
	case *cp.FilePos < 0:
		return nil, &ParseError{Path: name, Reason: "negative file position"}
	case cp.BedTarget < 0 || cp.Tool0Target < 0:
		return nil, &ParseError{Path: name, Reason: "negative target temperature"}
	case cp.Tool1Target != nil && *cp.Tool1Target < 0:
		return nil, &ParseError{Path: name, Reason: "negative target temperature"}
	}
	if cp.Position == nil {
		cp.Position = Position{}
	}

	return &cp, nil
}

// Sanitize drops control characters and invalid UTF-8 picked up from a
// noisy transport
func Sanitize(data []byte) []byte {
	return bytes.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return -1
		}
		return r
	}, data)
}

func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}

	return nil
}
