package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix identifies iotaccess API keys
	KeyPrefix = "iot_"
	// KeyLength is the number of random bytes in a key (32 bytes = 256 bits)
	KeyLength = 32
)

// KeyGenerator generates API keys and the hashes they are stored under
type KeyGenerator struct{}

func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// Generate creates a new API key.
// Format: iot_<base64url(32 random bytes)>
func (kg *KeyGenerator) Generate() (key string, keyHash string, keyPrefix string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	key = KeyPrefix + encoded
	return key, kg.Hash(key), KeyPrefix + encoded[:8], nil
}

// Hash computes the SHA256 hash a key is stored and looked up by
func (kg *KeyGenerator) Hash(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateFormat checks that key looks like a key this generator produced
func (kg *KeyGenerator) ValidateFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("key must start with %q", KeyPrefix)
	}

	encoded := strings.TrimPrefix(key, KeyPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != KeyLength {
		return fmt.Errorf("key has wrong length")
	}
	return nil
}

// IsAPIKey reports whether a bearer credential is an API key rather than a JWT
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, KeyPrefix)
}
