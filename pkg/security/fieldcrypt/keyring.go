// Package fieldcrypt encrypts individual database columns with versioned AES-256-GCM keys.
//
// Tokens have the form "v<version>:<base64(nonce||ciphertext)>" so rows written under
// an older key stay readable while a rotation job rewrites them under the active key.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

const (
	keySize     = 32
	tokenPrefix = "v"
)

var hkdfSalt = []byte("storefront-fieldcrypt")

var (
	ErrUnknownKeyVersion = errors.New("fieldcrypt: unknown key version")
	ErrMalformedToken    = errors.New("fieldcrypt: malformed token")
	ErrDecrypt           = errors.New("fieldcrypt: decryption failed")
)

// Keyring holds every configured key version; new writes always use the active one.
type Keyring struct {
	active     int
	aeads      map[int]cipher.AEAD
	blindIndex []byte
}

// NewKeyring derives one AEAD per version from the supplied secrets.
func NewKeyring(secrets map[int][]byte, active int, blindIndexSecret []byte) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, errors.New("fieldcrypt: at least one key is required")
	}
	if _, ok := secrets[active]; !ok {
		return nil, fmt.Errorf("fieldcrypt: active version %d has no key", active)
	}
	if len(blindIndexSecret) == 0 {
		return nil, errors.New("fieldcrypt: blind index secret is required")
	}

	aeads := make(map[int]cipher.AEAD, len(secrets))
	for version, secret := range secrets {
		if version <= 0 {
			return nil, fmt.Errorf("fieldcrypt: key version must be positive, got %d", version)
		}
		if len(secret) == 0 {
			return nil, fmt.Errorf("fieldcrypt: key version %d is empty", version)
		}
		key, err := deriveKey(secret, version)
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		aeads[version] = gcm
	}

	return &Keyring{
		active:     active,
		aeads:      aeads,
		blindIndex: append([]byte(nil), blindIndexSecret...),
	}, nil
}

// NewKeyringFromConfig parses "version:secret" pairs from configuration.
func NewKeyringFromConfig(cfg config.CryptoConfig) (*Keyring, error) {
	secrets := make(map[int][]byte, len(cfg.FieldKeys))
	for _, entry := range cfg.FieldKeys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("fieldcrypt: key entry must be version:secret")
		}
		version, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("fieldcrypt: invalid key version %q", parts[0])
		}
		if _, dup := secrets[version]; dup {
			return nil, fmt.Errorf("fieldcrypt: duplicate key version %d", version)
		}
		secrets[version] = []byte(parts[1])
	}
	return NewKeyring(secrets, cfg.ActiveVersion, []byte(cfg.BlindIndexSecret))
}

func deriveKey(secret []byte, version int) ([]byte, error) {
	info := []byte(tokenPrefix + strconv.Itoa(version))
	reader := hkdf.New(sha256.New, secret, hkdfSalt, info)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// ActiveVersion returns the version used for new ciphertexts.
func (k *Keyring) ActiveVersion() int {
	return k.active
}

// Versions lists the configured key versions in ascending order.
func (k *Keyring) Versions() []int {
	out := make([]int, 0, len(k.aeads))
	for v := range k.aeads {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ActivePrefix is the token prefix of the active key, usable in SQL LIKE filters.
func (k *Keyring) ActivePrefix() string {
	return versionPrefix(k.active)
}

// Encrypt seals plaintext under the active key. Empty input stays empty.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm := k.aeads[k.active]

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix(k.active) + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by any configured key version.
func (k *Keyring) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	version, payload, err := splitToken(token)
	if err != nil {
		return "", err
	}
	gcm, ok := k.aeads[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	raw, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrMalformedToken
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", ErrMalformedToken
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether token was sealed under a non-active key.
func (k *Keyring) NeedsRotation(token string) bool {
	if token == "" {
		return false
	}
	version, _, err := splitToken(token)
	if err != nil {
		return false
	}
	return version != k.active
}

// Rotate re-seals token under the active key. Tokens already on the active key are returned unchanged.
func (k *Keyring) Rotate(token string) (string, error) {
	if !k.NeedsRotation(token) {
		return token, nil
	}
	plaintext, err := k.Decrypt(token)
	if err != nil {
		return "", err
	}
	return k.Encrypt(plaintext)
}

// BlindIndex returns a deterministic keyed digest for equality lookups on encrypted values.
func (k *Keyring) BlindIndex(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ""
	}
	mac := hmac.New(sha256.New, k.blindIndex)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// EncryptPtr is Encrypt for optional columns; nil and empty map to nil.
func (k *Keyring) EncryptPtr(value *string) (*string, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	token, err := k.Encrypt(*value)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DecryptPtr is Decrypt for optional columns.
func (k *Keyring) DecryptPtr(token *string) (*string, error) {
	if token == nil || *token == "" {
		return nil, nil
	}
	plaintext, err := k.Decrypt(*token)
	if err != nil {
		return nil, err
	}
	return &plaintext, nil
}

func versionPrefix(version int) string {
	return tokenPrefix + strconv.Itoa(version) + ":"
}

func splitToken(token string) (int, string, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return 0, "", ErrMalformedToken
	}
	head, payload, ok := strings.Cut(token[len(tokenPrefix):], ":")
	if !ok || payload == "" {
		return 0, "", ErrMalformedToken
	}
	version, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", ErrMalformedToken
	}
	return version, payload, nil
}
