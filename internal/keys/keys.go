// Package keys provides the secp256k1 identity primitives used by the ptp
// handshake: recoverable signatures, keccak addresses, ECDH and the
// session cipher.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	// SignatureLen is the size of a compact recoverable signature.
	SignatureLen = 65
	// NonceLen is the size of the handshake nonces p and q.
	NonceLen = 16
	// IVLen and AADLen are the sizes of the derived GCM parameters.
	IVLen  = 12
	AADLen = 16
	// KeyLen is the AES-256 key size.
	KeyLen = 32

	nonceInfo = "ptp/nonce-material"
	keyInfo   = "ptp/session-key"
)

var (
	ErrInvalidSignature = errors.New("keys: invalid signature")
	ErrInvalidPublicKey = errors.New("keys: invalid public key")
	ErrInvalidKey       = errors.New("keys: invalid private key")
)

// KeyPair is a secp256k1 identity.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeyPair creates a fresh random identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromHex restores an identity from a 32 byte hex private key.
func KeyPairFromHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key is %d bytes: %w", len(raw), ErrInvalidKey)
	}
	return &KeyPair{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// PrivateHex returns the private key as hex, for persistence.
func (k *KeyPair) PrivateHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// PublicKey returns the 65 byte uncompressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PubKey().SerializeUncompressed()
}

// Address returns the keccak address of the public key.
func (k *KeyPair) Address() string {
	addr, _ := Address(k.PublicKey())
	return addr
}

// SignText signs keccak256(text) and returns a 65 byte compact signature.
func (k *KeyPair) SignText(text string) []byte {
	return ecdsa.SignCompact(k.priv, HashText(text), false)
}

// SharedSecret runs ECDH against a peer public key.
func (k *KeyPair) SharedSecret(peer []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return secp256k1.GenerateSharedSecret(k.priv, pub), nil
}

// HashText returns keccak256 of text.
func HashText(text string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(text))
	return h.Sum(nil)
}

// Address derives "0x" + hex(last 20 bytes of keccak256(X||Y)) from a
// compressed or uncompressed public key.
func Address(pub []byte) (string, error) {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	raw := key.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(raw[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:]), nil
}

// RecoverText recovers the signer address and uncompressed public key of a
// SignText signature.
func RecoverText(sig []byte, text string) (string, []byte, error) {
	if len(sig) != SignatureLen {
		return "", nil, fmt.Errorf("signature is %d bytes: %w", len(sig), ErrInvalidSignature)
	}
	pub, _, err := ecdsa.RecoverCompact(sig, HashText(text))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	raw := pub.SerializeUncompressed()
	addr, err := Address(raw)
	if err != nil {
		return "", nil, err
	}
	return addr, raw, nil
}

// Step1Text is the string the server signs in AuthStep1Res.
func Step1Text(ts int64, p, q []byte) string {
	return strconv.FormatInt(ts, 10) + hex.EncodeToString(append(append([]byte(nil), p...), q...))
}

// Step2Text is the string the client signs in AuthStep2Req.
func Step2Text(ts int64, iv, aad []byte) string {
	return strconv.FormatInt(ts, 10) + hex.EncodeToString(append(append([]byte(nil), iv...), aad...))
}

// NonceMaterial derives the GCM iv and aad from both handshake nonces. Both
// peers can compute it before knowing each other's public key.
func NonceMaterial(p, q []byte) (iv, aad []byte, err error) {
	r := hkdf.New(sha256.New, append(append([]byte(nil), p...), q...), nil, []byte(nonceInfo))
	buf := make([]byte, IVLen+AADLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("failed to derive nonce material: %w", err)
	}
	return buf[:IVLen], buf[IVLen:], nil
}

// SessionKey stretches an ECDH secret into the AES-256 session key, salted
// with both nonces.
func SessionKey(secret, p, q []byte) ([]byte, error) {
	salt := append(append([]byte(nil), p...), q...)
	r := hkdf.New(sha256.New, secret, salt, []byte(keyInfo))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}
