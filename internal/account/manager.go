package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/internal/msgconn"
)

// ErrUnknownAccount is returned for ids that were never added.
var ErrUnknownAccount = errors.New("account: unknown account")

// Manager owns the accounts of a process and resolves them for a
// msgconn.Registry.
type Manager struct {
	store SessionStore
	log   zerolog.Logger

	mu       sync.Mutex
	keys     map[string]*keys.KeyPair
	accounts map[string]*Account
}

func NewManager(store SessionStore, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		log:      log,
		keys:     make(map[string]*keys.KeyPair),
		accounts: make(map[string]*Account),
	}
}

// Add registers the identity for id. The Account itself is built on first
// lookup.
func (m *Manager) Add(id string, key *keys.KeyPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = key
}

// Get returns the Account for id, loading its session on first use.
func (m *Manager) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		return a, nil
	}
	key, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	a := New(id, key, m.store, m.log)
	if err := a.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	m.accounts[id] = a
	return a, nil
}

// Account implements msgconn.AccountResolver.
func (m *Manager) Account(ctx context.Context, id string) (msgconn.Account, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var _ msgconn.AccountResolver = (*Manager)(nil)
