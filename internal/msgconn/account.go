package msgconn

import (
	"context"

	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// Account is the per-identity capability the handshake borrows. It is owned
// elsewhere and may be shared with other consumers.
type Account interface {
	Session() (*protocol.Session, bool)
	SetSession(s protocol.Session)
	SaveSession(ctx context.Context) error
	SetUID(uid string)
	SetUserInfo(u protocol.CurrentUser)

	// SignMessage returns a recoverable signature over text.
	SignMessage(text string) ([]byte, error)
	// InitEcdh derives the shared key from the server public key and both
	// nonces.
	InitEcdh(ctx context.Context, serverPub, p, q []byte) error
	// RecoverAddressAndPubKey recovers the signer of text.
	RecoverAddressAndPubKey(sign []byte, text string) (address string, pubKey []byte, err error)
	AccountAddress(ctx context.Context) (string, error)
	IV() []byte
	AAD() []byte
}

// AccountResolver looks up the Account for an account id.
type AccountResolver interface {
	Account(ctx context.Context, accountID string) (Account, error)
}

// AccountResolverFunc adapts a function to AccountResolver.
type AccountResolverFunc func(ctx context.Context, accountID string) (Account, error)

// Account implements AccountResolver.
func (f AccountResolverFunc) Account(ctx context.Context, accountID string) (Account, error) {
	return f(ctx, accountID)
}
