package contracts

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewToken returns n random bytes, URL-safe base64 encoded.
func NewToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
