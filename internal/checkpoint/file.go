package checkpoint

import (
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

type fileState struct {
	Offsets     map[string]int `json:"offsets"`
	Runs        []RunSummary   `json:"runs"`
	LastUpdated *time.Time     `json:"last_updated,omitempty"`
	LastReset   *time.Time     `json:"last_reset,omitempty"`
}

// FileStore keeps the checkpoint in one JSON document, rewritten atomically
// on every change. An exclusive lock file keeps a second process off the
// same checkpoint.
type FileStore struct {
	path string
	lock *flock.Flock

	mu    sync.Mutex
	state fileState
}

// OpenFile loads (or creates) the checkpoint at path. A corrupt file is
// logged and replaced by an empty checkpoint on the next write.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create state dir")
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: acquire lock")
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "checkpoint: %s", path)
	}

	s := &FileStore{path: path, lock: lock, state: fileState{Offsets: map[string]int{}}}
	if err := s.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "checkpoint: read")
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		zap.L().Warn("checkpoint: unreadable file, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if st.Offsets == nil {
		st.Offsets = map[string]int{}
	}
	s.state = st
	return nil
}

// save must be called with mu held.
func (s *FileStore) save() error {
	now := time.Now().UTC()
	s.state.LastUpdated = &now

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "checkpoint: write")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "checkpoint: sync")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	return eris.Wrap(os.Rename(tmp.Name(), s.path), "checkpoint: replace")
}

// GetOffset returns the saved offset for partition, 0 when none is saved.
func (s *FileStore) GetOffset(partition string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Offsets[partition], nil
}

// SetOffset saves offset for partition and rewrites the file.
func (s *FileStore) SetOffset(partition string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Offsets[partition] = offset
	return s.save()
}

// Offsets returns a copy of every saved offset.
func (s *FileStore) Offsets() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state.Offsets), nil
}

// ResetOffsets forgets all offsets and stamps the reset time.
func (s *FileStore) ResetOffsets() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.state.Offsets = map[string]int{}
	s.state.LastReset = &now
	return s.save()
}

// RecordRun appends run, keeping the newest HistoryLimit runs.
func (s *FileStore) RecordRun(run RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Runs = trimHistory(append(s.state.Runs, run))
	return s.save()
}

// LastRun returns the newest run of source, or of any source when source
// is empty.
func (s *FileStore) LastRun(source string) (RunSummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.state.Runs) - 1; i >= 0; i-- {
		if source == "" || s.state.Runs[i].Source == source {
			return s.state.Runs[i], true, nil
		}
	}
	return RunSummary{}, false, nil
}

// Runs returns the kept history, oldest first.
func (s *FileStore) Runs() []RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunSummary(nil), s.state.Runs...)
}

// Close releases the process lock.
func (s *FileStore) Close() error {
	return eris.Wrap(s.lock.Unlock(), "checkpoint: release lock")
}
