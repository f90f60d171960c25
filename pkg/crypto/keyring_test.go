package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

func newTestPair(t *testing.T) (*Identity, *KeyRing, *Identity, *KeyRing) {
	t.Helper()

	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	aliceRing, bobRing := NewKeyRing(alice), NewKeyRing(bob)
	if err := aliceRing.HandleAnnounce(bob.PeerID(), bob.AnnouncePayload("bob")); err != nil {
		t.Fatalf("alice HandleAnnounce() error = %v", err)
	}
	if err := bobRing.HandleAnnounce(alice.PeerID(), alice.AnnouncePayload("alice")); err != nil {
		t.Fatalf("bob HandleAnnounce() error = %v", err)
	}
	return alice, aliceRing, bob, bobRing
}

func TestKeyRingHandleAnnounce(t *testing.T) {
	alice, _ := GenerateIdentity()
	bob, _ := GenerateIdentity()
	ring := NewKeyRing(alice)

	if ring.Len() != 1 {
		t.Fatalf("new ring Len() = %d, want 1", ring.Len())
	}
	if !ring.Known(alice.PeerID()) {
		t.Error("local identity should be known")
	}
	if ring.Known(bob.PeerID()) {
		t.Error("bob should not be known before announcing")
	}

	err := ring.HandleAnnounce(protocol.PeerID("imposter"), bob.AnnouncePayload("bob"))
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("HandleAnnounce(wrong sender) error = %v, want ErrIdentityMismatch", err)
	}

	if err := ring.HandleAnnounce(bob.PeerID(), bob.AnnouncePayload("bob")); err != nil {
		t.Fatalf("HandleAnnounce() error = %v", err)
	}
	keys, ok := ring.Lookup(bob.PeerID())
	if !ok {
		t.Fatal("bob not registered")
	}
	if keys.Nickname != "bob" {
		t.Errorf("Nickname = %q, want bob", keys.Nickname)
	}
	if ring.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ring.Len())
	}
	if !ring.Known(bob.PeerID()) {
		t.Error("bob should be known after announcing")
	}
}

func TestKeyRingVerify(t *testing.T) {
	alice, _, bob, bobRing := newTestPair(t)
	data := []byte("payload to sign")
	sig, _ := alice.Sign(data)

	tests := []struct {
		name    string
		sender  protocol.PeerID
		data    []byte
		sig     []byte
		wantErr error
	}{
		{"valid", alice.PeerID(), data, sig, nil},
		{"tampered data", alice.PeerID(), []byte("payload to sigN"), sig, ErrInvalidSignature},
		{"wrong signer", bob.PeerID(), data, sig, ErrInvalidSignature},
		{"unknown signer", protocol.PeerID("nobody"), data, sig, ErrUnknownSigner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bobRing.Verify(tt.sender, tt.data, tt.sig)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Verify() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyRingSealOpen(t *testing.T) {
	alice, aliceRing, bob, bobRing := newTestPair(t)
	plaintext := []byte("meet at the north gate")

	sealed, err := aliceRing.Seal(bob.PeerID(), plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed payload contains plaintext")
	}

	opened, err := bobRing.Open(alice.PeerID(), sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	again, _ := aliceRing.Seal(bob.PeerID(), plaintext)
	if bytes.Equal(again, sealed) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestKeyRingOpenFailures(t *testing.T) {
	alice, aliceRing, bob, bobRing := newTestPair(t)
	sealed, _ := aliceRing.Seal(bob.PeerID(), []byte("secret"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := bobRing.Open(alice.PeerID(), tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open(tampered) error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := bobRing.Open(alice.PeerID(), sealed[:10]); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open(short) error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := bobRing.Open(protocol.PeerID("nobody"), sealed); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Open(unknown peer) error = %v, want ErrUnknownPeer", err)
	}
	if _, err := aliceRing.Seal(protocol.PeerID("nobody"), []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Seal(unknown peer) error = %v, want ErrUnknownPeer", err)
	}
}

func TestKeyRingVerifyAnnounce(t *testing.T) {
	alice, _ := GenerateIdentity()
	bob, _ := GenerateIdentity()
	mallory, _ := GenerateIdentity()
	ring := NewKeyRing(alice)

	payload := bob.AnnouncePayload("bob")
	data := []byte("announce signing bytes")
	sig, _ := bob.Sign(data)
	forged, _ := mallory.Sign(data)

	if err := ring.VerifyAnnounce(bob.PeerID(), payload, data, sig); err != nil {
		t.Errorf("VerifyAnnounce() error = %v", err)
	}
	if err := ring.VerifyAnnounce(bob.PeerID(), payload, data, forged); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifyAnnounce(forged) error = %v, want ErrInvalidSignature", err)
	}
	if err := ring.VerifyAnnounce(mallory.PeerID(), payload, data, forged); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("VerifyAnnounce(wrong sender) error = %v, want ErrIdentityMismatch", err)
	}
	if ring.Known(bob.PeerID()) {
		t.Error("VerifyAnnounce must not register keys")
	}
}
