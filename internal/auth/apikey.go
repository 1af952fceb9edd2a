package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"xdrop/internal/httputil"
)

// APIKeyPrefix marks bot API keys.
const APIKeyPrefix = "oc_"

// APIKeyHeader is the header bots may send their key in.
const APIKeyHeader = "x-bot-api-key"

// GenerateAPIKey returns a fresh plaintext key and the digest to store.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = APIKeyPrefix + hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// HashAPIKey is the stored form of a key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyFromRequest reads a bot key from x-bot-api-key or an "oc_" bearer token.
func APIKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	if token := httputil.BearerToken(r); strings.HasPrefix(token, APIKeyPrefix) {
		return token
	}
	return ""
}
