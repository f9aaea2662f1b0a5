package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// maxKeyLength bounds generated request keys. Longer keys keep the
// service and method readable and collapse the rest to a digest.
const maxKeyLength = 200

// RequestKey derives a deterministic cache key for a service call.
// Query parameters are sorted so equivalent calls share one entry, a
// non-empty body contributes a short content hash, and oversized keys
// are shortened to a sha256 digest.
func RequestKey(service, method, path string, query url.Values, body []byte) string {
	parts := []string{service, method, path}

	if queryPart := buildQueryPart(query); queryPart != "" {
		parts = append(parts, queryPart)
	}

	if len(body) > 0 {
		hash := sha256.Sum256(body)
		parts = append(parts, "b:"+hex.EncodeToString(hash[:8]))
	}

	key := SanitizeKey(strings.Join(parts, ":"))
	if len(key) > maxKeyLength {
		key = service + ":" + method + ":" + HashKey(key)
	}
	return key
}

func buildQueryPart(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	params := make([]string, 0, len(query))
	for param := range query {
		params = append(params, param)
	}
	sort.Strings(params)

	var parts []string
	for _, param := range params {
		for _, v := range query[param] {
			parts = append(parts, param+"="+v)
		}
	}
	return "q:" + strings.Join(parts, "&")
}

// HashKey hashes a key to a fixed length.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// SanitizeKey removes characters that might cause issues in cache keys.
func SanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"\n", "",
		"\r", "",
		"\t", "",
	)
	return replacer.Replace(key)
}
