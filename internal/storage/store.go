package storage

import (
	"context"
	"errors"
	"time"

	"pixvault/internal/models"
)

// ErrNotFound is returned when a lookup matches no record, or when a
// conditional mutation's condition does not hold.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable wraps connection-level durable store failures. Callers
// surface it as a retryable service failure.
var ErrUnavailable = errors.New("metadata store unavailable")

// VariantStore is the durable home of image derivative records.
type VariantStore interface {
	// InsertVariant persists a new record. Duplicate fingerprints are
	// permitted; callers prefer existing records before inserting.
	InsertVariant(ctx context.Context, v *models.Variant) error

	// FindVariant returns the newest record matching the exact
	// fingerprint, or ErrNotFound.
	FindVariant(ctx context.Context, fp models.Fingerprint) (*models.Variant, error)

	// FindBestOriginal returns the largest, highest-fidelity record for
	// the cuid: greatest height, then width, then quality, remaining
	// ties broken on ascending cid.
	FindBestOriginal(ctx context.Context, cuid string) (*models.Variant, error)

	// TouchVariant sets last_used on every record holding the cid.
	TouchVariant(ctx context.Context, cid string, now time.Time) error

	// DeleteVariants removes all records for a cuid and reports how many.
	DeleteVariants(ctx context.Context, cuid string) (int64, error)
}

// KeyStore checks static access keys. Keys are pre-provisioned and
// immutable; existence is the only operation.
type KeyStore interface {
	KeyExists(ctx context.Context, key string) (bool, error)
}

// TokenStore is the durable home of metered upload tokens.
type TokenStore interface {
	InsertToken(ctx context.Context, t models.AccessToken) error

	// GetToken returns the token record as stored, live or not.
	GetToken(ctx context.Context, token string) (*models.AccessToken, error)

	// ConsumeToken atomically decrements use_left if the token is
	// unexpired and has uses remaining, returning the count left after
	// the decrement. ErrNotFound means the condition failed: missing,
	// expired, or exhausted.
	ConsumeToken(ctx context.Context, token string, now time.Time) (int, error)

	DeleteToken(ctx context.Context, token string) error

	// DeleteExpiredTokens purges tokens whose expiry has passed.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}
