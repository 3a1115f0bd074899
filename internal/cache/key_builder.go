package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"detect-bridge/internal/detect"
)

// CacheKey is the hex SHA-256 digest identifying one logical detection request.
type CacheKey string

// String returns the hex digest.
func (k CacheKey) String() string {
	return string(k)
}

// BuildCacheKey derives the key for an image and its canonical parameters.
//
// The image bytes are hashed first, then the digest and the labelled
// parameter string (detect.Params.Canonical) are fed into one SHA-256
// context. Same bytes and same tuple always give the same key.
func BuildCacheKey(image []byte, p detect.Params) CacheKey {
	imageSum := sha256.Sum256(image)

	h := sha256.New()
	h.Write(imageSum[:])
	h.Write([]byte{'|'})
	h.Write([]byte(p.Canonical()))

	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

// ParseCacheKey validates s as a key produced by BuildCacheKey.
func ParseCacheKey(s string) (CacheKey, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("cache: key must be %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("cache: key is not hex: %w", err)
	}
	return CacheKey(s), nil
}
