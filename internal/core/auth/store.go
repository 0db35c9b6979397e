package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// State is everything persisted across restarts: the credential, the last
// session and the last-applied stream cursors, so a restart can resume
// without a full re-authentication or resnapshot.
type State struct {
	Credential Credential       `json:"credential"`
	Session    *Session         `json:"session,omitempty"`
	Cursors    map[string]int64 `json:"cursors,omitempty"`
}

// Store persists session state. The daemon ships a file-backed
// implementation; an embedding host platform can substitute its own secret
// storage.
type Store interface {
	Load() (State, error)
	PutSession(cred Credential, sess *Session) error
	PutCursors(cursors map[string]int64) error
}

// FileStore keeps the state as a JSON file, written atomically.
type FileStore struct {
	path string

	mu    sync.Mutex
	state State
}

// NewFileStore creates a store at path and reads any existing state.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return s, nil
}

// Load returns a copy of the persisted state.
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.Cursors != nil {
		cp := make(map[string]int64, len(st.Cursors))
		for k, v := range st.Cursors {
			cp[k] = v
		}
		st.Cursors = cp
	}
	return st, nil
}

// PutSession stores the credential and session and writes the file.
func (s *FileStore) PutSession(cred Credential, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Credential = cred
	s.state.Session = sess
	return s.writeLocked()
}

// PutCursors stores the last-applied stream cursors and writes the file.
func (s *FileStore) PutCursors(cursors map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]int64, len(cursors))
	for k, v := range cursors {
		cp[k] = v
	}
	s.state.Cursors = cp
	return s.writeLocked()
}

func (s *FileStore) writeLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
