package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/dump-fetcher/internal/config"
)

// Session identifies the last launched worker.
type Session struct {
	// WorkerID is the provider identifier of the worker.
	WorkerID string `json:"instance_id"`
	// Region is where the worker was launched.
	Region string `json:"region"`
}

// Repository defines persistence operations for the worker session.
type Repository interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, session *Session) error
}

// FileRepository persists the worker session to a JSON file on disk.
type FileRepository struct {
	// path is the filesystem location of the JSON session file.
	path string
	// mu protects concurrent access to the session file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the session file does not exist yet.
	ErrNotFound = errors.New("session not found")

	// errIncomplete is returned when a session lacks the worker identifier.
	errIncomplete = errors.New("session has no worker id")
)

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the location of the session file.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the session from disk.
func (r *FileRepository) Load(_ context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read session file: %w", err)
	}

	var s Session
	if err = json.Unmarshal(contents, &s); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}

	if s.WorkerID == "" {
		return nil, errIncomplete
	}

	return &s, nil
}

// Save writes the session to disk, creating parent directories as needed.
func (r *FileRepository) Save(_ context.Context, s *Session) error {
	if s == nil || s.WorkerID == "" {
		return errIncomplete
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.path), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	if err = os.WriteFile(r.path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}

	return nil
}
