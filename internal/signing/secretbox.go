package signing

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const boxVersion = "v1:"

var (
	ErrMasterKey  = errors.New("master key must be 32 bytes hex-encoded")
	ErrCiphertext = errors.New("malformed secret ciphertext")
)

// SecretBox encrypts signing secrets at rest with XChaCha20-Poly1305 under a
// key derived from the configured master key.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives the data key from a hex-encoded 32 byte master key.
func NewSecretBox(masterKeyHex string) (*SecretBox, error) {
	master, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil || len(master) != 32 {
		return nil, ErrMasterKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte("harborrelay endpoint secrets v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// GenerateMasterKey returns a fresh hex master key, used for ephemeral dev runs.
func GenerateMasterKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Seal encrypts plaintext; the result is "v1:" + base64(nonce || ciphertext).
func (b *SecretBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return boxVersion + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, boxVersion) {
		return "", ErrCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, boxVersion))
	if err != nil || len(raw) < b.aead.NonceSize()+b.aead.Overhead() {
		return "", ErrCiphertext
	}
	nonce, sealed := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(plain), nil
}
