package authstate

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealPrefix marks sealed values (format version 1).
var sealPrefix = []byte("wsk1")

// KDFParams controls the Argon2id derivation of the sealing key.
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams is run once at startup, so it can afford a strong setting.
func DefaultKDFParams() KDFParams {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}
	return KDFParams{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4]
	}
}

// Sealer encrypts stored values with XChaCha20-Poly1305. The store key is bound
// as associated data, so a value copied under another key fails to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the key from secret. The salt is derived from namespace, so
// every deployment sharing a namespace and secret can read the same data.
func NewSealer(secret, namespace string, p KDFParams) (*Sealer, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, invalid("authstate.NewSealer", "secret must be at least 16 characters")
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		p = DefaultKDFParams()
	}

	salt := sha256.Sum256([]byte("watink/authstate/" + namespace))
	key := argon2.IDKey([]byte(secret), salt[:16], p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("authstate: sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns prefix || nonce || ciphertext.
func (s *Sealer) Seal(key string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), len(sealPrefix)+s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("authstate: nonce: %w", err)
	}

	out := make([]byte, 0, cap(nonce))
	out = append(out, sealPrefix...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plain, []byte(key)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(key string, sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, sealPrefix) {
		return nil, ErrNotSealed
	}
	body := sealed[len(sealPrefix):]
	ns := s.aead.NonceSize()
	if len(body) < ns+s.aead.Overhead() {
		return nil, ErrUnseal
	}
	plain, err := s.aead.Open(nil, body[:ns], body[ns:], []byte(key))
	if err != nil {
		return nil, ErrUnseal
	}
	return plain, nil
}
