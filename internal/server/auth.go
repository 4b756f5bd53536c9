package server

import (
	"context"
	"errors"
	"sync"

	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// ErrInvalidSession is returned by an Authenticator that rejects a login.
var ErrInvalidSession = errors.New("server: invalid session")

// Authenticator validates a login for the address proven in step 2.
type Authenticator interface {
	Authenticate(ctx context.Context, address string, s protocol.Session) (protocol.CurrentUser, error)
}

// TokenAuthenticator accepts sessions whose token it has issued.
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]tokenGrant
}

type tokenGrant struct {
	uid  string
	user protocol.CurrentUser
}

func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{tokens: make(map[string]tokenGrant)}
}

// Grant makes token valid for uid.
func (a *TokenAuthenticator) Grant(token, uid string, user protocol.CurrentUser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = tokenGrant{uid: uid, user: user}
}

// Revoke invalidates token.
func (a *TokenAuthenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, _ string, s protocol.Session) (protocol.CurrentUser, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.tokens[s.Token]
	if !ok || g.uid != s.UID {
		return protocol.CurrentUser{}, ErrInvalidSession
	}
	return g.user, nil
}
