package keys

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound means the tenant's current key set does not publish the
// requested kid: either an unknown tenant or a forged token.
var ErrKeyNotFound = errors.New("signing key not found")

// KeyFetchError wraps any failure to retrieve or parse a tenant's key set.
// It is retryable.
type KeyFetchError struct {
	Tenant string
	Err    error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("fetch signing keys for tenant %q: %v", e.Tenant, e.Err)
}

func (e *KeyFetchError) Unwrap() error {
	return e.Err
}
