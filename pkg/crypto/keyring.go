package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var (
	ErrUnknownSigner    = errors.New("unknown signer")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrUnknownPeer      = errors.New("no exchange key for peer")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const sessionInfo = "zentalk-mesh session v1"

// PeerKeys are the public keys learned for a remote peer.
type PeerKeys struct {
	SigningKey  ed25519.PublicKey
	ExchangeKey []byte
	Nickname    string
}

// KeyRing maps peer IDs to announced public keys. It verifies packet
// signatures and seals private payloads for the relay engine.
type KeyRing struct {
	local *Identity

	mu       sync.RWMutex
	peers    map[protocol.PeerID]*PeerKeys
	sessions map[protocol.PeerID][]byte
}

// NewKeyRing creates a key ring for the given local identity. The local
// identity's own keys are registered so self-addressed data verifies.
func NewKeyRing(local *Identity) *KeyRing {
	kr := &KeyRing{
		local:    local,
		peers:    make(map[protocol.PeerID]*PeerKeys),
		sessions: make(map[protocol.PeerID][]byte),
	}
	kr.peers[local.PeerID()] = &PeerKeys{
		SigningKey:  local.PublicKey(),
		ExchangeKey: local.ExchangePublicKey(),
	}
	return kr
}

// Add registers keys for a peer, replacing any earlier entry.
func (kr *KeyRing) Add(id protocol.PeerID, keys *PeerKeys) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if old, ok := kr.peers[id]; ok && !bytes.Equal(old.ExchangeKey, keys.ExchangeKey) {
		delete(kr.sessions, id)
	}
	kr.peers[id] = keys
}

// Lookup returns the keys registered for id.
func (kr *KeyRing) Lookup(id protocol.PeerID) (*PeerKeys, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	keys, ok := kr.peers[id]
	return keys, ok
}

// Known reports whether keys are registered for id.
func (kr *KeyRing) Known(id protocol.PeerID) bool {
	_, ok := kr.Lookup(id)
	return ok
}

// Len returns the number of known peers, including the local identity.
func (kr *KeyRing) Len() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.peers)
}

// HandleAnnounce registers the keys carried by an Announce payload. The
// signing key must hash to the sender ID.
func (kr *KeyRing) HandleAnnounce(sender protocol.PeerID, payload []byte) error {
	ann, err := announceFrom(sender, payload)
	if err != nil {
		return err
	}

	kr.Add(sender, &PeerKeys{
		SigningKey:  ann.SigningKey,
		ExchangeKey: ann.ExchangeKey,
		Nickname:    ann.Nickname,
	})
	return nil
}

// VerifyAnnounce checks signature against the signing key carried in an
// Announce payload without registering it.
func (kr *KeyRing) VerifyAnnounce(sender protocol.PeerID, payload, data, signature []byte) error {
	ann, err := announceFrom(sender, payload)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ann.SigningKey, data, signature) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, sender)
	}
	return nil
}

func announceFrom(sender protocol.PeerID, payload []byte) (*Announcement, error) {
	ann, err := ParseAnnounce(payload)
	if err != nil {
		return nil, err
	}
	if PeerIDFromPublicKey(ann.SigningKey) != sender {
		return nil, fmt.Errorf("%w: %s", ErrIdentityMismatch, sender)
	}
	return ann, nil
}

// Verify checks an Ed25519 signature made by sender.
func (kr *KeyRing) Verify(sender protocol.PeerID, data, signature []byte) error {
	keys, ok := kr.Lookup(sender)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, sender)
	}
	if !ed25519.Verify(keys.SigningKey, data, signature) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, sender)
	}
	return nil
}

// Seal encrypts plaintext for peer with XChaCha20-Poly1305 under the
// X25519 session key. Output is nonce || ciphertext.
func (kr *KeyRing) Seal(peer protocol.PeerID, plaintext []byte) ([]byte, error) {
	aead, err := kr.sessionAEAD(peer)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal on the peer's side.
func (kr *KeyRing) Open(peer protocol.PeerID, sealed []byte) ([]byte, error) {
	aead, err := kr.sessionAEAD(peer)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrDecryptionFailed, len(sealed))
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (kr *KeyRing) sessionAEAD(peer protocol.PeerID) (cipher.AEAD, error) {
	key, err := kr.sessionKey(peer)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

// sessionKey derives (and caches) HKDF-SHA256(X25519(local, remote)) with
// both public keys in sorted order as context, so both ends agree.
func (kr *KeyRing) sessionKey(peer protocol.PeerID) ([]byte, error) {
	kr.mu.RLock()
	key, ok := kr.sessions[peer]
	keys, known := kr.peers[peer]
	kr.mu.RUnlock()
	if ok {
		return key, nil
	}
	if !known || len(keys.ExchangeKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	shared, err := curve25519.X25519(kr.local.exchangeKey, keys.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	a, b := kr.local.exchangePub, keys.ExchangeKey
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	info := make([]byte, 0, len(sessionInfo)+len(a)+len(b))
	info = append(info, sessionInfo...)
	info = append(info, a...)
	info = append(info, b...)

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	kr.mu.Lock()
	kr.sessions[peer] = key
	kr.mu.Unlock()
	return key, nil
}
