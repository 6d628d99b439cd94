package sync0

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// newID returns a 26-character lowercase base32 id backed by 16 random bytes
// with UUIDv4 version and variant bits set.
func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(b[:])), nil
}
