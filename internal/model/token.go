package model

import (
	"cmp"
	"fmt"
	"strings"
)

// MessageToken identifies a message within a folder. ID is the opaque
// server-issued identifier; Key is the server-assigned sequence key used
// to rank messages chronologically.
//
// Tokens are values and must not be modified once issued. Two tokens with
// the same ID are the same message regardless of Key.
type MessageToken struct {
	ID  string `json:"id"`
	Key uint64 `json:"key"`
}

// Equal reports whether t and other identify the same message.
func (t MessageToken) Equal(other MessageToken) bool {
	return t.ID == other.ID
}

// String returns a short human-readable form for logging.
func (t MessageToken) String() string {
	return fmt.Sprintf("%s#%d", t.ID, t.Key)
}

// CompareTokens orders tokens by sequence key, oldest first. Tokens that
// share a sequence key are ordered by the bytes of their ID so the order
// stays total and deterministic.
func CompareTokens(a, b MessageToken) int {
	if c := cmp.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// OldestToken returns the chronologically oldest token of the slice.
// ok is false when tokens is empty.
func OldestToken(tokens []MessageToken) (oldest MessageToken, ok bool) {
	for i, t := range tokens {
		if i == 0 || CompareTokens(t, oldest) < 0 {
			oldest = t
		}
	}
	return oldest, len(tokens) > 0
}
