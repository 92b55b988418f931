package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const SessionCookieKeyEnv = "SESSION_COOKIE_KEY"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

type AESGCM struct {
	aead cipher.AEAD
}

// LoadKeyFromEnv reads a base64-encoded 32 byte key from the named variable.
// When the variable is unset a random key is generated and generated is
// true; anything sealed with it becomes unreadable after a restart.
func LoadKeyFromEnv(name string) (key []byte, generated bool, err error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, false, fmt.Errorf("generate %s: %w", name, err)
		}
		return key, true, nil
	}
	decoded, err := decodeBase64(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%s must be base64-encoded 32 bytes: %w", name, err)
	}
	if len(decoded) != 32 {
		return nil, false, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(decoded))
	}
	return decoded, false, nil
}

func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d: expected 32", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

// EncryptString seals plaintext as nonce||ciphertext in unpadded URL-safe
// base64 so the result can be used directly as a cookie value.
func (e *AESGCM) EncryptString(plaintext string) (string, error) {
	if e == nil {
		return "", errors.New("nil cipher")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	packed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(packed), nil
}

func (e *AESGCM) DecryptString(encoded string) (string, error) {
	if e == nil {
		return "", errors.New("nil cipher")
	}
	packed, err := decodeBase64(strings.TrimSpace(encoded))
	if err != nil {
		return "", err
	}
	if len(packed) < e.aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce := packed[:e.aead.NonceSize()]
	ciphertext := packed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func decodeBase64(input string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if decoded, err := enc.DecodeString(input); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("illegal base64 data")
}
