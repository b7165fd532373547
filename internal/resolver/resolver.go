// Package resolver answers "give me this derivative": cache, then durable
// metadata, then synthesis from the best stored original.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pixvault/internal/blob"
	"pixvault/internal/cache"
	"pixvault/internal/models"
	"pixvault/internal/queue"
	"pixvault/internal/storage"
	"pixvault/internal/transcode"
)

var (
	// ErrOriginalNotFound means the logical id has no records at all, so
	// there is nothing to transcode from.
	ErrOriginalNotFound = errors.New("no original for logical id")

	// ErrTranscode wraps any failure of the transcode step, including its
	// timeout.
	ErrTranscode = errors.New("transcode failed")
)

type transcodeFunc func(ctx context.Context, data []byte, width, height, quality int, format models.Format) ([]byte, error)

type Service struct {
	variants storage.VariantStore
	cache    *cache.Cache
	blobs    blob.Gateway
	toucher  queue.Toucher
	log      *slog.Logger

	blobTimeout      time.Duration
	transcodeTimeout time.Duration

	now       func() time.Time
	transcode transcodeFunc
}

func NewService(
	variants storage.VariantStore,
	c *cache.Cache,
	blobs blob.Gateway,
	toucher queue.Toucher,
	blobTimeout, transcodeTimeout time.Duration,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	if blobTimeout <= 0 {
		blobTimeout = 30 * time.Second
	}
	if transcodeTimeout <= 0 {
		transcodeTimeout = 20 * time.Second
	}
	return &Service{
		variants:         variants,
		cache:            c,
		blobs:            blobs,
		toucher:          toucher,
		log:              log.With("component", "resolver"),
		blobTimeout:      blobTimeout,
		transcodeTimeout: transcodeTimeout,
		now:              time.Now,
		transcode:        transcode.Transcode,
	}
}

// Resolve returns the variant matching the exact fingerprint from the cache
// or the durable store. A hit from either source enqueues a non-blocking
// last-used touch; a durable hit also warms the cache. Misses return
// storage.ErrNotFound.
func (s *Service) Resolve(ctx context.Context, fp models.Fingerprint) (*models.Variant, error) {
	if v, ok := s.cache.GetVariant(fp); ok {
		s.toucher.Touch(v.CID)
		return v, nil
	}

	v, err := s.variants.FindVariant(ctx, fp)
	if err != nil {
		return nil, err
	}

	s.cache.SetVariant(*v)
	s.toucher.Touch(v.CID)
	return v, nil
}

// ResolveOrSynthesize resolves the fingerprint, and on a full miss builds
// the derivative: pick the best original for the logical id, fetch its
// bytes, transcode, store the new bytes, persist the record, warm the
// cache. Durable write happens before the cache warm so the cache never
// holds a record the store does not.
func (s *Service) ResolveOrSynthesize(ctx context.Context, fp models.Fingerprint) (*models.Variant, error) {
	const op = "resolver.ResolveOrSynthesize"

	v, err := s.Resolve(ctx, fp)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	orig, err := s.variants.FindBestOriginal(ctx, fp.CUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: cuid %q: %w", op, fp.CUID, ErrOriginalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	bctx, cancel := context.WithTimeout(ctx, s.blobTimeout)
	srcBytes, err := s.blobs.Get(bctx, orig.CID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s: fetch original: %w", op, err)
	}

	tctx, cancel := context.WithTimeout(ctx, s.transcodeTimeout)
	outBytes, err := s.transcode(tctx, srcBytes, fp.Width, fp.Height, fp.Quality, fp.Format)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrTranscode)
	}

	bctx, cancel = context.WithTimeout(ctx, s.blobTimeout)
	cid, err := s.blobs.Put(bctx, outBytes)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s: store derivative: %w", op, err)
	}

	v, err = s.Register(ctx, fp.CUID, cid, fp.Width, fp.Height, fp.Format, fp.Quality)
	if err != nil {
		// The bytes already landed; take them back out so a metadata
		// failure does not orphan a blob.
		dctx, cancel := context.WithTimeout(context.Background(), s.blobTimeout)
		if derr := s.blobs.Delete(dctx, cid); derr != nil {
			s.log.Error("compensating blob delete failed", "cid", cid, "err", derr)
		}
		cancel()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("variant synthesized",
		"cuid", fp.CUID, "cid", cid,
		"width", fp.Width, "height", fp.Height,
		"quality", fp.Quality, "format", fp.Format)
	return v, nil
}

// Register persists a new variant record and then warms the cache with it.
// The upload path calls it with quality 100 for unmodified originals; the
// synthesize path calls it with the requested fingerprint.
func (s *Service) Register(ctx context.Context, cuid, cid string, width, height int, format models.Format, quality int) (*models.Variant, error) {
	const op = "resolver.Register"

	v := models.Variant{
		CUID:     cuid,
		CID:      cid,
		Width:    width,
		Height:   height,
		Quality:  quality,
		Format:   format,
		LastUsed: s.now(),
	}
	if err := s.variants.InsertVariant(ctx, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.cache.SetVariant(v)
	return &v, nil
}

// NewCUID mints a logical id for a fresh upload.
func NewCUID() string {
	return uuid.NewString()
}
