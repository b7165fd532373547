// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"pixvault/internal/models"
)

// Storage implements VariantStore, KeyStore and TokenStore over postgres.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// wrap classifies a query error: no rows become ErrNotFound, anything else
// is a store-availability failure.
func wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}

func (s *Storage) InsertVariant(ctx context.Context, v *models.Variant) error {
	const op = "storage.InsertVariant"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO variants (cuid, cid, width, height, quality, format, last_used)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.CUID, v.CID, v.Width, v.Height, v.Quality, string(v.Format), v.LastUsed)
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *Storage) FindVariant(ctx context.Context, fp models.Fingerprint) (*models.Variant, error) {
	const op = "storage.FindVariant"
	var v models.Variant
	err := s.pool.QueryRow(ctx,
		`SELECT cuid, cid, width, height, quality, format, last_used
		 FROM variants
		 WHERE cuid = $1 AND width = $2 AND height = $3 AND quality = $4 AND format = $5
		 ORDER BY id DESC
		 LIMIT 1`,
		fp.CUID, fp.Width, fp.Height, fp.Quality, string(fp.Format)).
		Scan(&v.CUID, &v.CID, &v.Width, &v.Height, &v.Quality, &v.Format, &v.LastUsed)
	if err != nil {
		return nil, wrap(op, err)
	}
	return &v, nil
}

func (s *Storage) FindBestOriginal(ctx context.Context, cuid string) (*models.Variant, error) {
	const op = "storage.FindBestOriginal"
	var v models.Variant
	err := s.pool.QueryRow(ctx,
		`SELECT cuid, cid, width, height, quality, format, last_used
		 FROM variants
		 WHERE cuid = $1
		 ORDER BY height DESC, width DESC, quality DESC, cid ASC
		 LIMIT 1`,
		cuid).
		Scan(&v.CUID, &v.CID, &v.Width, &v.Height, &v.Quality, &v.Format, &v.LastUsed)
	if err != nil {
		return nil, wrap(op, err)
	}
	return &v, nil
}

func (s *Storage) TouchVariant(ctx context.Context, cid string, now time.Time) error {
	const op = "storage.TouchVariant"
	_, err := s.pool.Exec(ctx,
		`UPDATE variants SET last_used = $2 WHERE cid = $1`, cid, now)
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *Storage) DeleteVariants(ctx context.Context, cuid string) (int64, error) {
	const op = "storage.DeleteVariants"
	tag, err := s.pool.Exec(ctx, `DELETE FROM variants WHERE cuid = $1`, cuid)
	if err != nil {
		return 0, wrap(op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) KeyExists(ctx context.Context, key string) (bool, error) {
	const op = "storage.KeyExists"
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM keys WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, wrap(op, err)
	}
	return exists, nil
}

func (s *Storage) InsertToken(ctx context.Context, t models.AccessToken) error {
	const op = "storage.InsertToken"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (token, use_left, expires_at) VALUES ($1, $2, $3)`,
		t.Token, t.UseLeft, t.ExpiresAt)
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *Storage) GetToken(ctx context.Context, token string) (*models.AccessToken, error) {
	const op = "storage.GetToken"
	var t models.AccessToken
	err := s.pool.QueryRow(ctx,
		`SELECT token, use_left, expires_at FROM tokens WHERE token = $1`, token).
		Scan(&t.Token, &t.UseLeft, &t.ExpiresAt)
	if err != nil {
		return nil, wrap(op, err)
	}
	return &t, nil
}

// ConsumeToken is the single place token uses are spent. The decrement is
// one conditional statement so that concurrent consumers of a token with a
// single use left cannot both succeed.
func (s *Storage) ConsumeToken(ctx context.Context, token string, now time.Time) (int, error) {
	const op = "storage.ConsumeToken"
	var left int
	err := s.pool.QueryRow(ctx,
		`UPDATE tokens
		 SET use_left = use_left - 1
		 WHERE token = $1 AND use_left > 0 AND expires_at > $2
		 RETURNING use_left`,
		token, now).Scan(&left)
	if err != nil {
		return 0, wrap(op, err)
	}
	return left, nil
}

func (s *Storage) DeleteToken(ctx context.Context, token string) error {
	const op = "storage.DeleteToken"
	_, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE token = $1`, token)
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *Storage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.DeleteExpiredTokens"
	tag, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, wrap(op, err)
	}
	return tag.RowsAffected(), nil
}
