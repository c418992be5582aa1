package util

import (
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// ShortID returns the first n hex characters of a fresh id, used for slugs and branch names.
func ShortID(n int) string {
	raw := NewID("")
	if n <= 0 || n > len(raw) {
		return raw
	}
	return raw[:n]
}
