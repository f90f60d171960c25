package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidAnnounce  = errors.New("invalid announce payload")
	ErrIdentityMismatch = errors.New("announced key does not match sender id")
)

const (
	identityPEMType = "ZENTALK MESH IDENTITY"

	// Announce payload: signing key (32) + exchange key (32) + nickname
	announceKeysSize = ed25519.PublicKeySize + curve25519.PointSize

	MaxNicknameLength = 64
)

// Identity is the long-term key material of a mesh node: an Ed25519
// signing key and an X25519 key-agreement key.
type Identity struct {
	signingKey  ed25519.PrivateKey
	exchangeKey []byte
	exchangePub []byte
}

// GenerateIdentity creates a fresh identity.
func GenerateIdentity() (*Identity, error) {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	exchangeKey := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(exchangeKey); err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}

	return newIdentity(signingKey.Seed(), exchangeKey)
}

func newIdentity(seed, exchangeKey []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize || len(exchangeKey) != curve25519.ScalarSize {
		return nil, ErrInvalidKey
	}

	exchangePub, err := curve25519.X25519(exchangeKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive exchange public key: %w", err)
	}

	return &Identity{
		signingKey:  ed25519.NewKeyFromSeed(seed),
		exchangeKey: append([]byte(nil), exchangeKey...),
		exchangePub: exchangePub,
	}, nil
}

// PublicKey returns the Ed25519 verification key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.signingKey.Public().(ed25519.PublicKey)
}

// PrivateKey returns the Ed25519 signing key.
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.signingKey
}

// ExchangePublicKey returns the X25519 public key.
func (id *Identity) ExchangePublicKey() []byte {
	return append([]byte(nil), id.exchangePub...)
}

// PeerID returns the mesh identifier derived from the signing key.
func (id *Identity) PeerID() protocol.PeerID {
	return PeerIDFromPublicKey(id.PublicKey())
}

// Sign produces a 64-byte Ed25519 signature over data.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(id.signingKey, data), nil
}

// AnnouncePayload builds the payload of an Announce packet advertising this
// identity's public keys and nickname.
func (id *Identity) AnnouncePayload(nickname string) []byte {
	if len(nickname) > MaxNicknameLength {
		nickname = nickname[:MaxNicknameLength]
	}
	payload := make([]byte, 0, announceKeysSize+len(nickname))
	payload = append(payload, id.PublicKey()...)
	payload = append(payload, id.exchangePub...)
	payload = append(payload, nickname...)
	return payload
}

// Announcement is a parsed Announce payload.
type Announcement struct {
	SigningKey  ed25519.PublicKey
	ExchangeKey []byte
	Nickname    string
}

// ParseAnnounce decodes an Announce payload.
func ParseAnnounce(payload []byte) (*Announcement, error) {
	if len(payload) < announceKeysSize || len(payload) > announceKeysSize+MaxNicknameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAnnounce, len(payload))
	}

	return &Announcement{
		SigningKey:  append(ed25519.PublicKey(nil), payload[:ed25519.PublicKeySize]...),
		ExchangeKey: append([]byte(nil), payload[ed25519.PublicKeySize:announceKeysSize]...),
		Nickname:    string(payload[announceKeysSize:]),
	}, nil
}

// SaveIdentity writes the identity to a PEM file readable only by the owner.
func SaveIdentity(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	material := make([]byte, 0, ed25519.SeedSize+curve25519.ScalarSize)
	material = append(material, id.signingKey.Seed()...)
	material = append(material, id.exchangeKey...)

	block := &pem.Block{Type: identityPEMType, Bytes: material}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != identityPEMType {
		return nil, fmt.Errorf("%w: no identity block in %s", ErrInvalidKey, path)
	}
	if len(block.Bytes) != ed25519.SeedSize+curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: identity block has %d bytes", ErrInvalidKey, len(block.Bytes))
	}

	return newIdentity(block.Bytes[:ed25519.SeedSize], block.Bytes[ed25519.SeedSize:])
}

// LoadOrGenerateIdentity loads the identity at path, creating and saving a
// new one when the file does not exist.
func LoadOrGenerateIdentity(path string) (*Identity, bool, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(path, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
