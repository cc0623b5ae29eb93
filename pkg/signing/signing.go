// Package signing holds the server's ed25519 signing key.
//
// A Service is created once at startup and passed to whatever needs to
// sign; there is no package level key.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grid/pkg/canonical"
)

// Algorithm is the key algorithm prefix used in key identifiers
const Algorithm = "ed25519"

// KeyProvider performs the raw signing operation. The in-memory provider
// is the only one shipped; the interface keeps the door open for an HSM.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider keeps the private key in process memory
type MemoryKeyProvider struct {
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider wraps an existing private key
func NewMemoryKeyProvider(priv ed25519.PrivateKey) (*MemoryKeyProvider, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	return &MemoryKeyProvider{priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.priv.Public().(ed25519.PublicKey)
}

// Service signs canonical bytes on behalf of the local server
type Service struct {
	provider KeyProvider
	keyID    string
}

// New creates a signing service. The key id is derived from the public key
// so that it stays stable across restarts for the same seed.
func New(provider KeyProvider) (*Service, error) {
	if provider == nil {
		return nil, errors.New("signing: key provider is required")
	}
	return &Service{
		provider: provider,
		keyID:    KeyID(provider.PublicKey()),
	}, nil
}

// Generate creates a service around a freshly generated key
func Generate() (*Service, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	provider, err := NewMemoryKeyProvider(priv)
	if err != nil {
		return nil, err
	}
	return New(provider)
}

// FromSeed builds a service from a 32 byte ed25519 seed
func FromSeed(seed []byte) (*Service, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	provider, err := NewMemoryKeyProvider(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, err
	}
	return New(provider)
}

// KeyID returns the identifier published next to signatures
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return Algorithm + ":" + canonical.Encode(sum[:])[:8]
}

// KeyID returns this service's key identifier
func (s *Service) KeyID() string {
	return s.keyID
}

// PublicKey returns the verifying key
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.provider.PublicKey()
}

// Sign signs msg, which must already be canonical
func (s *Service) Sign(msg []byte) ([]byte, error) {
	sig, err := s.provider.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// Verify checks sig over msg with an arbitrary public key
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ParsePublicKey decodes a base64 encoded ed25519 public key
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := canonical.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("signing: decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// LoadKeyFile reads a base64 encoded seed from path. When the file does not
// exist and create is set, a new seed is generated and written with 0600
// permissions; otherwise a missing key is an error.
func LoadKeyFile(path string, create bool) (*Service, error) {
	if path == "" {
		return nil, errors.New("signing: key file path is required")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && create {
		return writeKeyFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("signing: read key file: %w", err)
	}

	seed, err := canonical.Decode(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("signing: decode key file %s: %w", path, err)
	}
	return FromSeed(seed)
}

func writeKeyFile(path string) (*Service, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("signing: generate seed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("signing: create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(canonical.Encode(seed)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("signing: write key file: %w", err)
	}
	return FromSeed(seed)
}
