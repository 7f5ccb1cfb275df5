// Package session stores server-side login sessions keyed by an opaque,
// unguessable id carried in the SESSION cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const idBytes = 32

// Store persists opaque session payloads. Load returns an error wrapping
// sentinel.ErrNotFound for ids that were never issued, were destroyed or
// outlived their TTL. A Load racing a Destroy may observe either outcome.
type Store interface {
	Create(ctx context.Context, payload []byte) (string, error)
	Load(ctx context.Context, id string) ([]byte, error)
	Destroy(ctx context.Context, id string) error
}

// NewID returns 256 bits of crypto/rand encoded as unpadded base64url.
func NewID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
