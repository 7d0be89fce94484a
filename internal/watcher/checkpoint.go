package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coffersTech/hotlog/internal/parser"
)

// Checkpoint is the persisted scan position of one file.
type Checkpoint struct {
	Path      string       `json:"path"`
	State     parser.State `json:"state"`
	Identity  FileIdentity `json:"identity"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// CheckpointStore persists checkpoints across restarts.
type CheckpointStore interface {
	Load(path string) (Checkpoint, bool, error)
	Save(cp Checkpoint) error
}

// FileStore writes one JSON file per watched path.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) fileFor(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".json")
}

func (s *FileStore) Load(path string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.fileFor(path))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint for %s: %w", path, err)
	}
	if cp.Path != path {
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// Save replaces the checkpoint atomically.
func (s *FileStore) Save(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	target := s.fileFor(cp.Path)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// MemoryStore keeps checkpoints for the life of the process only.
type MemoryStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Load(path string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[path]
	return cp, ok, nil
}

func (s *MemoryStore) Save(cp Checkpoint) error {
	cp.State.Pending = append([]byte(nil), cp.State.Pending...)
	s.mu.Lock()
	s.cps[cp.Path] = cp
	s.mu.Unlock()
	return nil
}
