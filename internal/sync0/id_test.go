package sync0

import (
	"encoding/base32"
	"strings"
	"testing"
)

func TestNewIDFormat(t *testing.T) {
	id, err := newID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d, want 26", len(id))
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			t.Fatalf("unexpected character %q", r)
		}
	}
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(id))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 16 {
		t.Fatalf("decoded %d bytes, want 16", len(decoded))
	}
	if decoded[6]>>4 != 4 {
		t.Fatalf("version nibble=%x, want 4", decoded[6]>>4)
	}
	if decoded[8]&0xc0 != 0x80 {
		t.Fatalf("variant bits=%x", decoded[8]&0xc0)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id, err := newID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
