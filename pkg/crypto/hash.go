package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// PeerIDFromPublicKey derives the mesh peer ID from a signing key: the
// first 8 bytes of its BLAKE2b hash.
func PeerIDFromPublicKey(pub ed25519.PublicKey) protocol.PeerID {
	return protocol.NewPeerID(Hash(pub)[:protocol.SenderIDSize])
}
