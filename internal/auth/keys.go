// Package auth resolves gateway bearer tokens to the principals that own them.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

type entry struct {
	hash      []byte
	principal string
}

// Keyring holds hashed API tokens. Plain tokens are never retained.
type Keyring struct {
	entries []entry
}

// ParseTokens builds a keyring from "name:token" pairs separated by commas.
func ParseTokens(spec string) (*Keyring, error) {
	k := &Keyring{}
	seen := make(map[string]bool)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("invalid token entry %q: want name:token", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate token name %q", name)
		}
		seen[name] = true
		k.Add(name, token)
	}
	return k, nil
}

// Add registers token for principal.
func (k *Keyring) Add(principal, token string) {
	k.entries = append(k.entries, entry{hash: []byte(HashKey(token)), principal: principal})
}

// Len returns the number of registered tokens.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entries)
}

// Lookup returns the principal owning token.
// Every entry is compared so the time taken does not depend on which one matched.
func (k *Keyring) Lookup(token string) (string, bool) {
	if k == nil || strings.TrimSpace(token) == "" {
		return "", false
	}
	hash := []byte(HashKey(token))
	principal, found := "", false
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(hash, e.hash) == 1 && !found {
			principal, found = e.principal, true
		}
	}
	return principal, found
}
