// Package transcode decodes, resizes and re-encodes image bytes. It is a
// pure transformation: no storage or network, and the caller bounds it with
// a context because large inputs make it the slowest in-process step.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"pixvault/internal/models"
)

var (
	// ErrDecode means the bytes are not a decodable image.
	ErrDecode = errors.New("undecodable image")

	// ErrUnsupported means the requested target format has no encoder.
	ErrUnsupported = errors.New("unsupported target format")
)

// Meta is the probed shape of an image.
type Meta struct {
	Width  int
	Height int
	Format models.Format
}

// Probe extracts dimensions and format without decoding the full pixels.
func Probe(data []byte) (Meta, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Meta{}, fmt.Errorf("probe: %v: %w", err, ErrDecode)
	}

	var format models.Format
	switch name {
	case "jpeg":
		format = models.FormatJPEG
	case "png":
		format = models.FormatPNG
	case "webp":
		format = models.FormatWEBP
	default:
		return Meta{}, fmt.Errorf("probe: source format %q: %w", name, ErrUnsupported)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Meta{}, fmt.Errorf("probe: degenerate dimensions %dx%d: %w", cfg.Width, cfg.Height, ErrDecode)
	}

	return Meta{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Transcode resizes the image to exactly width x height and re-encodes it
// in the target format at the given quality. It honors ctx cancellation by
// abandoning the work; the goroutine finishes and its result is dropped.
func Transcode(ctx context.Context, data []byte, width, height, quality int, format models.Format) ([]byte, error) {
	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)

	go func() {
		out, err := transcode(data, width, height, quality, format)
		ch <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transcode: %w", ctx.Err())
	case r := <-ch:
		return r.out, r.err
	}
}

func transcode(data []byte, width, height, quality int, format models.Format) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("transcode: %v: %w", err, ErrDecode)
	}

	resized := imaging.Resize(src, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	switch format {
	case models.FormatJPG, models.FormatJPEG:
		err = imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(quality))
	case models.FormatPNG:
		// PNG is lossless; quality does not apply.
		err = imaging.Encode(&buf, resized, imaging.PNG)
	case models.FormatWEBP, models.FormatAVIF:
		// Decodable on the way in, but no encoder exists for them here.
		return nil, fmt.Errorf("transcode to %s: %w", format, ErrUnsupported)
	default:
		return nil, fmt.Errorf("transcode to %s: %w", format, ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("transcode encode: %v: %w", err, ErrDecode)
	}

	return buf.Bytes(), nil
}
