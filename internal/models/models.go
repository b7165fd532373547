// internal/models/models.go
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation marks malformed request parameters. Handlers map it to a
// rejected-request response without touching durable storage.
var ErrValidation = errors.New("invalid parameters")

// Format is an image container format the service can address.
type Format string

const (
	FormatJPG  Format = "jpg"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWEBP Format = "webp"
	FormatAVIF Format = "avif"
)

// ParseFormat validates a client-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJPG, FormatJPEG, FormatPNG, FormatWEBP, FormatAVIF:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q: %w", s, ErrValidation)
	}
}

// Variant is one persisted image derivative. All variants of one logical
// image share the same CUID; the CID points at the stored bytes.
type Variant struct {
	CUID     string    `db:"cuid"`
	CID      string    `db:"cid"`
	Width    int       `db:"width"`
	Height   int       `db:"height"`
	Quality  int       `db:"quality"`
	Format   Format    `db:"format"`
	LastUsed time.Time `db:"last_used"`
}

// Fingerprint returns the exact-match lookup key for the variant.
func (v Variant) Fingerprint() Fingerprint {
	return Fingerprint{
		CUID:    v.CUID,
		Width:   v.Width,
		Height:  v.Height,
		Quality: v.Quality,
		Format:  v.Format,
	}
}

// Fingerprint identifies one derivative: the tuple
// (cuid, width, height, quality, format).
type Fingerprint struct {
	CUID    string
	Width   int
	Height  int
	Quality int
	Format  Format
}

// CacheKey renders the fingerprint as a derivative-cache key.
func (fp Fingerprint) CacheKey() string {
	return fmt.Sprintf("%s-%d-%d-%d-%s", fp.CUID, fp.Width, fp.Height, fp.Quality, fp.Format)
}

// Validate checks the client-controllable fields.
func (fp Fingerprint) Validate() error {
	if fp.CUID == "" {
		return fmt.Errorf("empty cuid: %w", ErrValidation)
	}
	if fp.Width <= 0 || fp.Height <= 0 {
		return fmt.Errorf("dimensions must be positive: %w", ErrValidation)
	}
	if fp.Quality < 1 || fp.Quality > 100 {
		return fmt.Errorf("quality must be in 1..100: %w", ErrValidation)
	}
	if _, err := ParseFormat(string(fp.Format)); err != nil {
		return err
	}
	return nil
}

// Token limits and expiry policy. Each remaining use is worth one slot of
// wall-clock budget.
const (
	TokenMaxUses      = 50
	TokenSlotDuration = 50 * time.Second
)

// AccessToken is a metered, time-limited permission to upload. The record is
// deleted once exhausted or expired, never retained in a spent state.
type AccessToken struct {
	Token     string    `db:"token"`
	UseLeft   int       `db:"use_left"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Usable reports whether the token still grants access at the given instant.
func (t AccessToken) Usable(now time.Time) bool {
	return t.UseLeft > 0 && now.Before(t.ExpiresAt)
}
