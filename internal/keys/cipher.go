package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrCiphertextTooShort = errors.New("keys: ciphertext too short")
	ErrReplay             = errors.New("keys: replayed or reordered message")
	ErrInvalidRole        = errors.New("keys: invalid cipher role")
)

// Role is the side of the channel a Cipher seals for.
type Role byte

const (
	RoleClient Role = 1
	RoleServer Role = 2
)

func (r Role) peer() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

// Cipher is the AES-256-GCM channel cipher negotiated by the handshake.
// Each sealed message is prefixed with an 8 byte counter that is folded into
// the tail of the iv to form the nonce. The sender's role is folded into the
// first iv byte, so the two directions never share a nonce under the same key.
type Cipher struct {
	aead cipher.AEAD
	iv   []byte
	aad  []byte
	role Role

	mu   sync.Mutex
	sent uint64
	seen uint64
}

// NewCipher builds a Cipher from handshake output for one side of the channel.
func NewCipher(key, iv, aad []byte, role Role) (*Cipher, error) {
	if role != RoleClient && role != RoleServer {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, role)
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("session key is %d bytes: %w", len(key), ErrInvalidKey)
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), IVLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Cipher{
		aead: aead,
		iv:   append([]byte(nil), iv...),
		aad:  append([]byte(nil), aad...),
		role: role,
	}, nil
}

// Nonce returns the GCM nonce used for counter when sent by sender.
func (c *Cipher) Nonce(sender Role, counter uint64) []byte {
	n := append([]byte(nil), c.iv...)
	n[0] ^= byte(sender)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		n[IVLen-8+i] ^= ctr[i]
	}
	return n
}

// Seal encrypts plaintext.
func (c *Cipher) Seal(plaintext []byte) []byte {
	c.mu.Lock()
	c.sent++
	counter := c.sent
	c.mu.Unlock()

	out := make([]byte, 8, 8+len(plaintext)+c.aead.Overhead())
	binary.BigEndian.PutUint64(out, counter)
	return c.aead.Seal(out, c.Nonce(c.role, counter), plaintext, c.aad)
}

// Open decrypts a message sealed by the peer. Counters must increase.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 8+c.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	counter := binary.BigEndian.Uint64(sealed[:8])

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter <= c.seen {
		return nil, fmt.Errorf("%w: counter %d, last %d", ErrReplay, counter, c.seen)
	}
	plain, err := c.aead.Open(nil, c.Nonce(c.role.peer(), counter), sealed[8:], c.aad)
	if err != nil {
		return nil, fmt.Errorf("failed to open message: %w", err)
	}
	c.seen = counter
	return plain, nil
}
