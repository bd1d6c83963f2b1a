// Package tenant provides tenant identity normalization and validation.
// Every entity in the system except quota definitions is owned by exactly
// one tenant; the canonical key produced here is the isolation boundary
// used by the registry and quota manager.
package tenant

import (
	"errors"
	"regexp"
	"strings"
)

// Sentinel errors for tenant key handling.
var (
	ErrEmptyTenant   = errors.New("tenant id is required")
	ErrInvalidTenant = errors.New("invalid tenant id: must normalize to lowercase alphanumeric with hyphens")
)

// canonicalPattern validates canonical keys: lowercase alphanumeric with
// hyphens, 1-64 chars, no leading or trailing hyphen.
var canonicalPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// Key is a normalized tenant identity. Friendly preserves the caller's
// spelling for display; Canonical is the key used for storage, journal
// records, and isolation checks.
type Key struct {
	// Friendly is the tenant id as supplied, trimmed.
	Friendly string `json:"friendly"`

	// Canonical is the lowercased, hyphenated storage key.
	Canonical string `json:"canonical"`
}

// String returns the canonical key.
func (k Key) String() string {
	return k.Canonical
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Canonical == ""
}

// nonAlnum matches runs of characters that are folded to a single hyphen
// during canonicalization.
var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize converts a raw tenant identifier into a Key. Canonicalization
// lowercases, folds runs of non-alphanumerics to single hyphens, and strips
// leading/trailing hyphens. The result must satisfy canonicalPattern.
func Normalize(raw string) (Key, error) {
	friendly := strings.TrimSpace(raw)
	if friendly == "" {
		return Key{}, ErrEmptyTenant
	}

	canonical := strings.ToLower(friendly)
	canonical = nonAlnum.ReplaceAllString(canonical, "-")
	canonical = strings.Trim(canonical, "-")

	if !canonicalPattern.MatchString(canonical) {
		return Key{}, ErrInvalidTenant
	}

	return Key{Friendly: friendly, Canonical: canonical}, nil
}

// MustNormalize is Normalize that panics on error. Intended for tests and
// static configuration only.
func MustNormalize(raw string) Key {
	k, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return k
}
