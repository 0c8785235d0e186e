// Package contentkey derives the cache fingerprint of a (topic, language) request.
package contentkey

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the length of a Key in bytes.
const Size = md5.Size

// Key identifies a (topic, language) pair for caching and single-flight.
type Key [Size]byte

// Derive returns the key for topic and language. Both inputs are trimmed,
// lowercased and have internal whitespace collapsed before hashing, so
// cosmetic differences in a request map to the same key.
func Derive(topic, language string) Key {
	// 0x1f separates the fields so ("ab","c") and ("a","bc") differ.
	return md5.Sum([]byte(normalize(topic) + "\x1f" + normalize(language)))
}

// Parse decodes the hex form produced by Key.String.
func Parse(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(Size) {
		return k, fmt.Errorf("invalid key length %d", len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	}
	return k, nil
}

// String returns the lowercase hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
