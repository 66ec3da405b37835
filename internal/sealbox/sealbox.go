// Package sealbox implements the anonymous-sender envelope used for encrypted
// update requests.
//
// Wire format:
//
//	ephemeral_public(32) || chacha20poly1305(key, nonce=0, plaintext, ad=ephemeral_public||recipient_public)
//
// where key = HKDF-SHA256(X25519(ephemeral_private, recipient_public),
// salt=ephemeral_public||recipient_public, info="qabel-index sealbox v1").
// Every envelope uses a fresh ephemeral key, so the all-zero nonce is never reused under one key.
package sealbox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
)

const (
	// KeySize is the length of public and private keys in bytes.
	KeySize = 32
	// Overhead is the number of bytes Seal adds to the plaintext.
	Overhead = KeySize + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("qabel-index sealbox v1")

// Key is a Curve25519 public or private key.
type Key [KeySize]byte

// String returns the canonical lowercase hex form.
func (k Key) String() string { return EncodeKey(k) }

func (k Key) MarshalText() ([]byte, error) {
	return []byte(EncodeKey(k)), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	decoded, err := DecodeKey(string(text))
	if err != nil {
		return err
	}
	*k = decoded
	return nil
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// EncodeKey renders a key as 64 lowercase hex characters.
func EncodeKey(k Key) string {
	return hex.EncodeToString(k[:])
}

// DecodeKey parses 64 hex characters (either case). Wrong length or non-hex
// input yields a format_error.
func DecodeKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(KeySize) {
		return k, dErrors.New(dErrors.CodeFormat, fmt.Sprintf("key must be %d hex characters", hex.EncodedLen(KeySize)))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, dErrors.New(dErrors.CodeFormat, "key is not valid hex")
	}
	return k, nil
}

// KeyPair is the server's process-lifetime key pair. It is created once at
// startup and passed explicitly to whatever needs it; it is never persisted.
type KeyPair struct {
	public  Key
	private Key
}

// NewKeyPair generates a key pair from crypto/rand.
func NewKeyPair() (*KeyPair, error) {
	return NewKeyPairFrom(rand.Reader)
}

// NewKeyPairFrom generates a key pair from the given entropy source.
func NewKeyPairFrom(r io.Reader) (*KeyPair, error) {
	var priv Key
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, fmt.Errorf("read key entropy: %w", err)
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	kp := &KeyPair{private: priv}
	copy(kp.public[:], pub)
	return kp, nil
}

// PublicKey returns the half that may be published.
func (kp *KeyPair) PublicKey() Key { return kp.public }

// Open authenticates and decrypts a sealed envelope addressed to kp.
// It never returns partial plaintext: any failure is a decryption_error.
func (kp *KeyPair) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, dErrors.New(dErrors.CodeDecryption, "sealed box is truncated")
	}
	var ephemeral Key
	copy(ephemeral[:], sealed[:KeySize])

	aead, err := newAEAD(kp.private, ephemeral, ephemeral, kp.public)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryption, "sealed box header is malformed")
	}
	var nonce [chacha20poly1305.NonceSize]byte
	plaintext, err := aead.Open(nil, nonce[:], sealed[KeySize:], associatedData(ephemeral, kp.public))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryption, "sealed box failed to authenticate")
	}
	return plaintext, nil
}

// Seal encrypts plaintext for the holder of recipient using a fresh ephemeral key.
func Seal(plaintext []byte, recipient Key) ([]byte, error) {
	return SealFrom(rand.Reader, plaintext, recipient)
}

// SealFrom is Seal with an explicit entropy source.
func SealFrom(r io.Reader, plaintext []byte, recipient Key) ([]byte, error) {
	ephemeral, err := NewKeyPairFrom(r)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(ephemeral.private, recipient, ephemeral.public, recipient)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeFormat, "recipient key is not usable")
	}
	var nonce [chacha20poly1305.NonceSize]byte
	out := make([]byte, KeySize, Overhead+len(plaintext))
	copy(out, ephemeral.public[:])
	return aead.Seal(out, nonce[:], plaintext, associatedData(ephemeral.public, recipient)), nil
}

func newAEAD(priv, peer, ephemeralPub, recipientPub Key) (cipher.AEAD, error) {
	// Fails for low-order peer points.
	shared, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return nil, err
	}
	kdf := hkdf.New(sha256.New, shared, associatedData(ephemeralPub, recipientPub), hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func associatedData(ephemeral, recipient Key) []byte {
	ad := make([]byte, 0, 2*KeySize)
	ad = append(ad, ephemeral[:]...)
	return append(ad, recipient[:]...)
}

func clamp(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
