package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	if len(id.PublicKey()) != ed25519.PublicKeySize {
		t.Errorf("PublicKey() length = %d, want %d", len(id.PublicKey()), ed25519.PublicKeySize)
	}
	if len(id.ExchangePublicKey()) != 32 {
		t.Errorf("ExchangePublicKey() length = %d, want 32", len(id.ExchangePublicKey()))
	}

	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() second call error = %v", err)
	}
	if id.PeerID() == other.PeerID() {
		t.Error("two identities share a peer id")
	}
}

func TestIdentitySign(t *testing.T) {
	id, _ := GenerateIdentity()
	data := []byte("signed packet bytes")

	sig, err := id.Sign(data)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		t.Fatalf("Sign() length = %d, want %d", len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(id.PublicKey(), data, sig) {
		t.Error("signature does not verify")
	}
}

func TestAnnouncePayload(t *testing.T) {
	id, _ := GenerateIdentity()

	tests := []struct {
		name     string
		nickname string
		want     string
	}{
		{"empty nickname", "", ""},
		{"short nickname", "alice", "alice"},
		{"truncated nickname", strings.Repeat("n", 100), strings.Repeat("n", MaxNicknameLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ann, err := ParseAnnounce(id.AnnouncePayload(tt.nickname))
			if err != nil {
				t.Fatalf("ParseAnnounce() error = %v", err)
			}
			if !bytes.Equal(ann.SigningKey, id.PublicKey()) {
				t.Error("signing key mismatch")
			}
			if !bytes.Equal(ann.ExchangeKey, id.ExchangePublicKey()) {
				t.Error("exchange key mismatch")
			}
			if ann.Nickname != tt.want {
				t.Errorf("Nickname = %q, want %q", ann.Nickname, tt.want)
			}
		})
	}
}

func TestParseAnnounceInvalid(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"keys truncated", make([]byte, 40)},
		{"nickname too long", make([]byte, 64+MaxNicknameLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAnnounce(tt.payload)
			if !errors.Is(err, ErrInvalidAnnounce) {
				t.Errorf("ParseAnnounce() error = %v, want ErrInvalidAnnounce", err)
			}
		})
	}
}

func TestSaveAndLoadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.pem")

	id, _ := GenerateIdentity()
	if err := SaveIdentity(path, id); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("identity file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity file mode = %o, want 600", info.Mode().Perm())
	}

	loaded, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	if loaded.PeerID() != id.PeerID() {
		t.Errorf("loaded peer id = %s, want %s", loaded.PeerID(), id.PeerID())
	}
	if !bytes.Equal(loaded.ExchangePublicKey(), id.ExchangePublicKey()) {
		t.Error("loaded exchange key mismatch")
	}
}

func TestLoadIdentityInvalid(t *testing.T) {
	dir := t.TempDir()

	notPEM := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(notPEM, []byte("not a pem file"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentity(notPEM); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("LoadIdentity(garbage) error = %v, want ErrInvalidKey", err)
	}

	if _, err := LoadIdentity(filepath.Join(dir, "missing.pem")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadIdentity(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestLoadOrGenerateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	first, created, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity() error = %v", err)
	}
	if !created {
		t.Error("first call should create a new identity")
	}

	second, created, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateIdentity() second call error = %v", err)
	}
	if created {
		t.Error("second call should load the saved identity")
	}
	if first.PeerID() != second.PeerID() {
		t.Errorf("peer id changed across loads: %s != %s", first.PeerID(), second.PeerID())
	}
}
