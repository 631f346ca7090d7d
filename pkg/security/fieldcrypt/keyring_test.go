package fieldcrypt

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

func newTestKeyring(t *testing.T, active int) *Keyring {
	t.Helper()
	ring, err := NewKeyring(map[int][]byte{
		1: []byte("first-secret"),
		2: []byte("second-secret"),
	}, active, []byte("bidx"))
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return ring
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ring := newTestKeyring(t, 2)

	token, err := ring.Encrypt("+1 555 0100")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(token, "v2:") {
		t.Fatalf("expected active version prefix, got %s", token)
	}
	if strings.Contains(token, "555") {
		t.Fatalf("token leaks plaintext: %s", token)
	}

	plain, err := ring.Decrypt(token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "+1 555 0100" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	ring := newTestKeyring(t, 1)
	a, _ := ring.Encrypt("same")
	b, _ := ring.Encrypt("same")
	if a == b {
		t.Fatal("expected distinct ciphertexts for identical plaintext")
	}
}

func TestEmptyValuesPassThrough(t *testing.T) {
	ring := newTestKeyring(t, 1)
	token, err := ring.Encrypt("")
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q (%v)", token, err)
	}
	plain, err := ring.Decrypt("")
	if err != nil || plain != "" {
		t.Fatalf("expected empty plaintext, got %q (%v)", plain, err)
	}
	ptr, err := ring.EncryptPtr(nil)
	if err != nil || ptr != nil {
		t.Fatalf("expected nil pointer, got %v (%v)", ptr, err)
	}
}

func TestDecryptTamperedToken(t *testing.T) {
	ring := newTestKeyring(t, 1)
	token, _ := ring.Encrypt("secret value")
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(token, "v1:"))
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	tampered := "v1:" + base64.RawStdEncoding.EncodeToString(raw)
	if _, err := ring.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected decrypt failure, got %v", err)
	}
	if _, err := ring.Decrypt("plaintext"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected malformed token, got %v", err)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	ring := newTestKeyring(t, 1)
	if _, err := ring.Decrypt("v9:AAAA"); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("expected unknown version, got %v", err)
	}
}

func TestRotateMovesToActiveKey(t *testing.T) {
	old := newTestKeyring(t, 1)
	token, err := old.Encrypt("221B Baker Street")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	current := newTestKeyring(t, 2)
	if !current.NeedsRotation(token) {
		t.Fatal("expected v1 token to need rotation")
	}
	rotated, err := current.Rotate(token)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !strings.HasPrefix(rotated, current.ActivePrefix()) {
		t.Fatalf("expected rotated token on active key, got %s", rotated)
	}
	if current.NeedsRotation(rotated) {
		t.Fatal("rotated token should not need rotation")
	}
	plain, err := current.Decrypt(rotated)
	if err != nil || plain != "221B Baker Street" {
		t.Fatalf("unexpected rotated plaintext %q (%v)", plain, err)
	}

	same, err := current.Rotate(rotated)
	if err != nil || same != rotated {
		t.Fatalf("rotating an active token should be a no-op")
	}
}

func TestBlindIndexIsDeterministicAndNormalized(t *testing.T) {
	ring := newTestKeyring(t, 1)
	a := ring.BlindIndex(" +1 555 0100 ")
	b := ring.BlindIndex("+1 555 0100")
	if a == "" || a != b {
		t.Fatalf("expected equal normalized digests, got %q and %q", a, b)
	}
	other, _ := NewKeyring(map[int][]byte{1: []byte("first-secret")}, 1, []byte("other"))
	if other.BlindIndex("+1 555 0100") == a {
		t.Fatal("blind index must depend on its secret")
	}
}

func TestNewKeyringFromConfig(t *testing.T) {
	ring, err := NewKeyringFromConfig(config.CryptoConfig{
		FieldKeys:        []string{"1:alpha", " 3:gamma "},
		ActiveVersion:    3,
		BlindIndexSecret: "bidx",
	})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got := ring.Versions(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected versions %v", got)
	}

	if _, err := NewKeyringFromConfig(config.CryptoConfig{FieldKeys: []string{"1:a"}, ActiveVersion: 2, BlindIndexSecret: "x"}); err == nil {
		t.Fatal("expected missing active version to fail")
	}
	if _, err := NewKeyringFromConfig(config.CryptoConfig{FieldKeys: []string{"1:a", "1:b"}, ActiveVersion: 1, BlindIndexSecret: "x"}); err == nil {
		t.Fatal("expected duplicate versions to fail")
	}
	if _, err := NewKeyringFromConfig(config.CryptoConfig{FieldKeys: []string{"nope"}, ActiveVersion: 1, BlindIndexSecret: "x"}); err == nil {
		t.Fatal("expected malformed entry to fail")
	}
}
