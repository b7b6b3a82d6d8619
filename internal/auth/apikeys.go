package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// DefaultAPIKeyIdentity names callers whose configured key carries no
// embedded service identity.
const DefaultAPIKeyIdentity = "api-key-user"

type staticKey struct {
	identity string
	key      string
}

// KeySet holds the static API keys loaded at startup. Entries take the form
// "identity:key" or plain "key"; the identity part is everything before the
// first colon.
type KeySet struct {
	keys []staticKey
}

// ParseAPIKeys builds a KeySet from configuration entries.
func ParseAPIKeys(entries []string) (*KeySet, error) {
	ks := &KeySet{keys: make([]staticKey, 0, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		identity := ""
		key := entry
		if i := strings.Index(entry, ":"); i >= 0 {
			identity = entry[:i]
			key = entry[i+1:]
		}
		if key == "" {
			return nil, fmt.Errorf("api key entry %q has an empty key part", entry)
		}
		ks.keys = append(ks.keys, staticKey{identity: identity, key: key})
	}
	return ks, nil
}

// Len reports how many keys are loaded.
func (ks *KeySet) Len() int { return len(ks.keys) }

// Match compares the candidate against every loaded key in constant time per
// comparison and without early exit, returning the resolved identity on
// success. The scan always touches the full set so the match position does
// not leak through timing.
func (ks *KeySet) Match(candidate string) (string, bool) {
	if candidate == "" {
		return "", false
	}
	matched := 0
	identity := ""
	for _, k := range ks.keys {
		eq := subtle.ConstantTimeCompare([]byte(k.key), []byte(candidate))
		if eq == 1 && matched == 0 {
			matched = 1
			identity = k.identity
		}
	}
	if matched != 1 {
		return "", false
	}
	if identity == "" {
		identity = DefaultAPIKeyIdentity
	}
	return identity, true
}
