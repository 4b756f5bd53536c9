package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// ErrNotFound is returned when no record is stored for an account.
var ErrNotFound = errors.New("account: session not found")

// Record is what SaveSession persists.
type Record struct {
	Session protocol.Session     `toml:"session"`
	UID     string               `toml:"uid"`
	User    protocol.CurrentUser `toml:"user"`
	SavedAt time.Time            `toml:"saved_at"`
}

// SessionStore persists one Record per account id.
type SessionStore interface {
	Load(ctx context.Context, accountID string) (*Record, error)
	Save(ctx context.Context, accountID string, rec Record) error
	Delete(ctx context.Context, accountID string) error
}

// FileStore keeps each record in <dir>/<account id>.toml.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps an id to its file. Bytes outside [A-Za-z0-9._-] are written as
// %XX, so distinct ids never share a file.
func (s *FileStore) path(accountID string) string {
	var b strings.Builder
	for i := 0; i < len(accountID); i++ {
		switch c := accountID[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return filepath.Join(s.dir, b.String()+".toml")
}

func (s *FileStore) Load(_ context.Context, accountID string) (*Record, error) {
	data, err := os.ReadFile(s.path(accountID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var rec Record
	if err := toml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &rec, nil
}

// Save writes the record atomically with mode 0600.
func (s *FileStore) Save(_ context.Context, accountID string, rec Record) error {
	data, err := toml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod session: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(accountID)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, accountID string) error {
	err := os.Remove(s.path(accountID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// MemoryStore is a process-local SessionStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, accountID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, accountID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[accountID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, accountID)
	return nil
}

var (
	_ SessionStore = (*FileStore)(nil)
	_ SessionStore = (*MemoryStore)(nil)
)
