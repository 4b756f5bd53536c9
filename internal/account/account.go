// Package account is the reference implementation of the per-identity
// capability the connection layer borrows: a secp256k1 identity, the
// negotiated session cipher and a persisted login session.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/internal/msgconn"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// ErrNoSessionKey is returned by Encrypt and Decrypt before InitEcdh.
var ErrNoSessionKey = errors.New("account: session key not negotiated")

// Account holds one identity. It is safe for concurrent use.
type Account struct {
	id    string
	key   *keys.KeyPair
	store SessionStore
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	session *protocol.Session
	uid     string
	user    protocol.CurrentUser
	cipher  *keys.Cipher
	iv      []byte
	aad     []byte
}

// New returns an Account with no session loaded.
func New(id string, key *keys.KeyPair, store SessionStore, log zerolog.Logger) *Account {
	return &Account{
		id:    id,
		key:   key,
		store: store,
		log:   log.With().Str("account_id", id).Logger(),
		now:   time.Now,
	}
}

// Load restores the persisted session, if any.
func (a *Account) Load(ctx context.Context) error {
	rec, err := a.store.Load(ctx, a.id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := rec.Session
	a.session = &s
	a.uid = rec.UID
	a.user = rec.User
	return nil
}

func (a *Account) ID() string {
	return a.id
}

func (a *Account) Session() (*protocol.Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, false
	}
	s := *a.session
	return &s, true
}

func (a *Account) SetSession(s protocol.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = &s
}

// SaveSession persists the session, uid and user info.
func (a *Account) SaveSession(ctx context.Context) error {
	a.mu.RLock()
	if a.session == nil {
		a.mu.RUnlock()
		return fmt.Errorf("failed to save session: %w", msgconn.ErrNoSession)
	}
	rec := Record{Session: *a.session, UID: a.uid, User: a.user, SavedAt: a.now().UTC()}
	a.mu.RUnlock()

	if err := a.store.Save(ctx, a.id, rec); err != nil {
		return err
	}
	a.log.Debug().Str("uid", rec.UID).Msg("session saved")
	return nil
}

// ClearSession forgets the session in memory and in the store.
func (a *Account) ClearSession(ctx context.Context) error {
	a.mu.Lock()
	a.session = nil
	a.uid = ""
	a.user = protocol.CurrentUser{}
	a.mu.Unlock()
	return a.store.Delete(ctx, a.id)
}

func (a *Account) SetUID(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uid = uid
}

func (a *Account) UID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.uid
}

func (a *Account) SetUserInfo(u protocol.CurrentUser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = u
}

func (a *Account) UserInfo() protocol.CurrentUser {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

func (a *Account) SignMessage(text string) ([]byte, error) {
	return a.key.SignText(text), nil
}

// InitEcdh derives the session cipher from the server key and both nonces.
func (a *Account) InitEcdh(_ context.Context, serverPub, p, q []byte) error {
	secret, err := a.key.SharedSecret(serverPub)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}
	sessionKey, err := keys.SessionKey(secret, p, q)
	if err != nil {
		return err
	}
	iv, aad, err := keys.NonceMaterial(p, q)
	if err != nil {
		return err
	}
	c, err := keys.NewCipher(sessionKey, iv, aad, keys.RoleClient)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cipher = c
	a.iv = iv
	a.aad = aad
	return nil
}

func (a *Account) RecoverAddressAndPubKey(sign []byte, text string) (string, []byte, error) {
	return keys.RecoverText(sign, text)
}

func (a *Account) AccountAddress(context.Context) (string, error) {
	return a.key.Address(), nil
}

func (a *Account) IV() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.iv
}

func (a *Account) AAD() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.aad
}

// Encrypt seals plain with the negotiated session cipher.
func (a *Account) Encrypt(plain []byte) ([]byte, error) {
	a.mu.RLock()
	c := a.cipher
	a.mu.RUnlock()
	if c == nil {
		return nil, ErrNoSessionKey
	}
	return c.Seal(plain), nil
}

// Decrypt opens a message sealed by the peer.
func (a *Account) Decrypt(sealed []byte) ([]byte, error) {
	a.mu.RLock()
	c := a.cipher
	a.mu.RUnlock()
	if c == nil {
		return nil, ErrNoSessionKey
	}
	return c.Open(sealed)
}

var _ msgconn.Account = (*Account)(nil)
