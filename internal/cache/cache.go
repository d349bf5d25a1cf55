package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = errors.New("cache miss")

// Store is a TTL key-value store. Implementations must never return a
// value whose TTL has elapsed.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr adds one to the counter at key. The TTL applies only when the
	// counter is created, so the window starts at the first occurrence.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Normalize trims, lowercases and collapses whitespace runs so that
// trivially different phrasings share a key.
func Normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(message)), " ")
}

// Key derives the answer key for a message in a language, optionally
// scoped to a resource (resourceID <= 0 means none).
func Key(message, language string, resourceID int) string {
	rid := ""
	if resourceID > 0 {
		rid = strconv.Itoa(resourceID)
	}
	sum := sha256.Sum256([]byte(Normalize(message) + "|" + language + "|" + rid))
	return "chat_response:" + hex.EncodeToString(sum[:])
}

// FrequencyKey derives the counter key for a message.
func FrequencyKey(message string) string {
	sum := sha256.Sum256([]byte(Normalize(message)))
	return "frequent_question:" + hex.EncodeToString(sum[:])
}

// FeatureKey names a cached AI-assist result for a resource.
func FeatureKey(feature string, resourceID int) string {
	return "ai_" + feature + "_res_" + strconv.Itoa(resourceID)
}
