// Package blob is the content-addressed byte store behind the variant
// pipeline. A Gateway hands back an opaque content id for stored bytes;
// identical bytes may or may not dedupe, callers only rely on the id being
// a usable reference.
package blob

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrUnavailable = errors.New("blob store unavailable")
)

type Gateway interface {
	// Put stores bytes and returns their content id.
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the bytes behind a content id.
	Get(ctx context.Context, cid string) ([]byte, error)

	// Delete removes stored bytes. Used as the compensating action when a
	// later pipeline step fails after a put already landed.
	Delete(ctx context.Context, cid string) error

	// PublicURL is the client-reachable URL for a content id.
	PublicURL(cid string) string
}
