package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Session and flow-state stores
// return these (optionally wrapped) and the auth services translate them into
// AuthError kinds or redirects.
//
//   - ErrNotFound: no record under the given key (never existed, destroyed, or evicted)
//   - ErrExpired: the record exists but outlived its TTL
//   - ErrAlreadyUsed: a single-use record was consumed before
//   - ErrUnavailable: the backing store could not be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrExpired     = errors.New("expired")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
