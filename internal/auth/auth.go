// Package auth gates requests: static access keys for trusted callers and
// metered, expiring tokens for delegated uploads.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pixvault/internal/cache"
	"pixvault/internal/models"
	"pixvault/internal/storage"
)

var (
	ErrInvalidKey   = errors.New("invalid access key")
	ErrInvalidToken = errors.New("invalid token")
)

const tokenBytes = 24

type Service struct {
	keys   storage.KeyStore
	tokens storage.TokenStore
	cache  *cache.Cache
	log    *slog.Logger

	now      func() time.Time
	newToken func() (string, error)
}

func NewService(keys storage.KeyStore, tokens storage.TokenStore, c *cache.Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		keys:     keys,
		tokens:   tokens,
		cache:    c,
		log:      log.With("component", "auth"),
		now:      time.Now,
		newToken: generateToken,
	}
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CheckKey reports whether the static key is provisioned. Keys are few and
// stable, so there is no caching in front of the store.
func (s *Service) CheckKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return s.keys.KeyExists(ctx, key)
}

// IssueToken creates a token good for the given number of uses. Each use
// buys one slot of wall-clock budget, so the token expires at
// now + uses * slot.
func (s *Service) IssueToken(ctx context.Context, uses int) (string, error) {
	const op = "auth.IssueToken"

	if uses < 1 || uses > models.TokenMaxUses {
		return "", fmt.Errorf("%s: uses must be in 1..%d: %w", op, models.TokenMaxUses, models.ErrValidation)
	}

	token, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	t := models.AccessToken{
		Token:     token,
		UseLeft:   uses,
		ExpiresAt: s.now().Add(time.Duration(uses) * models.TokenSlotDuration),
	}
	if err := s.tokens.InsertToken(ctx, t); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("token issued", "uses", uses, "expires_at", t.ExpiresAt)
	return token, nil
}

// ValidateToken is a side-effecting read: a token found dead (expired or
// exhausted) is deleted durably and dropped from the cache before
// ErrInvalidToken is returned.
func (s *Service) ValidateToken(ctx context.Context, token string) (*models.AccessToken, error) {
	const op = "auth.ValidateToken"

	t, ok := s.cache.GetToken(token)
	if !ok {
		stored, err := s.tokens.GetToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		t = stored
		s.cache.SetToken(*stored)
	}

	if !t.Usable(s.now()) {
		if err := s.tokens.DeleteToken(ctx, token); err != nil {
			s.log.Warn("dead token cleanup failed", "err", err)
		}
		s.cache.DeleteToken(token)
		return nil, ErrInvalidToken
	}

	return t, nil
}

// UseToken spends one use. The decrement is a single conditional durable
// operation, so concurrent callers racing for the last use cannot both win.
// A false return means denied, not failed; errors are reserved for store
// unavailability.
func (s *Service) UseToken(ctx context.Context, token string) (bool, error) {
	const op = "auth.UseToken"

	left, err := s.tokens.ConsumeToken(ctx, token, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		// Missing, expired, or exhausted. Clean up whatever remains so
		// the token is not retained in a spent state.
		stored, gerr := s.tokens.GetToken(ctx, token)
		if gerr == nil && !stored.Usable(s.now()) {
			if derr := s.tokens.DeleteToken(ctx, token); derr != nil {
				s.log.Warn("dead token cleanup failed", "err", derr)
			}
		}
		s.cache.DeleteToken(token)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	// The cached copy now carries a stale use count.
	s.cache.DeleteToken(token)

	if left == 0 {
		// Terminal use: the decrement already settled who won, deletion
		// is cleanup and may lose a race harmlessly.
		if err := s.tokens.DeleteToken(ctx, token); err != nil {
			s.log.Warn("spent token cleanup failed", "err", err)
		}
	}
	return true, nil
}
