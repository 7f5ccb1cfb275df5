package models

import (
	"crypto"
	"time"
)

// SigningKeySet is a snapshot of a tenant's published signing keys. A set is
// never mutated after construction; refreshes replace it wholesale.
type SigningKeySet struct {
	Tenant    string
	SourceURL string
	FetchedAt time.Time
	keys      map[string]crypto.PublicKey
}

// NewSigningKeySet builds a snapshot from keys indexed by the kid of the entry
// they were parsed from.
func NewSigningKeySet(tenant, sourceURL string, fetchedAt time.Time, keys map[string]crypto.PublicKey) *SigningKeySet {
	copied := make(map[string]crypto.PublicKey, len(keys))
	for kid, key := range keys {
		if kid == "" || key == nil {
			continue
		}
		copied[kid] = key
	}
	return &SigningKeySet{
		Tenant:    tenant,
		SourceURL: sourceURL,
		FetchedAt: fetchedAt,
		keys:      copied,
	}
}

// Lookup returns the key published under kid.
func (s *SigningKeySet) Lookup(kid string) (crypto.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	key, ok := s.keys[kid]
	return key, ok
}

// Len returns the number of usable keys in the set.
func (s *SigningKeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// FetchedAtTime returns a copy of the snapshot stamped with at. The key map is
// shared; neither copy mutates it.
func (s *SigningKeySet) FetchedAtTime(at time.Time) *SigningKeySet {
	stamped := *s
	stamped.FetchedAt = at
	return &stamped
}

// IsFresh reports whether the snapshot is younger than ttl as of now. A
// snapshot stamped in the future is never fresh.
func (s *SigningKeySet) IsFresh(now time.Time, ttl time.Duration) bool {
	if s == nil {
		return false
	}
	age := now.Sub(s.FetchedAt)
	return age >= 0 && age < ttl
}
