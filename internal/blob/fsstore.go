package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	tempDirName = ".tmp"
	zstExt      = ".zst"

	fileMode = 0o644
	dirMode  = 0o755
)

var validCID = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FSStore is a filesystem-backed content-addressed store. The content id is
// the hex sha256 of the bytes; blobs live under a two-level shard directory
// derived from the id so no single directory grows unbounded. Writes go to
// a temp file first and are renamed into place, so a blob either fully
// exists or does not.
type FSStore struct {
	root      string
	publicURL string

	enc *zstd.Encoder // nil when compression is off
	dec *zstd.Decoder
}

func NewFSStore(root, publicURL string, compress bool) (*FSStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(filepath.Join(root, tempDirName), dirMode); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	s := &FSStore{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
	}

	var err error
	if compress {
		if s.enc, err = zstd.NewWriter(nil); err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
	}
	// The decoder is always available so a store written with compression
	// on can still be read after it is switched off.
	if s.dec, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return s, nil
}

// shardPath distributes blobs across 256*256 directories: "aa/bb/<cid>".
func (s *FSStore) shardPath(cid string) string {
	return filepath.Join(s.root, cid[:2], cid[2:4], cid)
}

func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	cid := hex.EncodeToString(sum[:])

	dst := s.shardPath(cid)
	if s.enc != nil {
		dst += zstExt
	}

	// Same bytes hash to the same path: an existing blob makes the put a
	// no-op, which is what gives the store its dedupe behavior.
	if _, err := os.Stat(dst); err == nil {
		return cid, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}

	payload := data
	if s.enc != nil {
		payload = s.enc.EncodeAll(data, nil)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tempDirName), "put-*")
	if err != nil {
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("put blob: %v: %w", err, ErrUnavailable)
	}

	return cid, nil
}

func (s *FSStore) Get(ctx context.Context, cid string) ([]byte, error) {
	if !validCID.MatchString(cid) {
		return nil, fmt.Errorf("blob %q: %w", cid, ErrNotFound)
	}

	base := s.shardPath(cid)

	if data, err := os.ReadFile(base); err == nil {
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("get blob %q: %v: %w", cid, err, ErrUnavailable)
	}

	data, err := os.ReadFile(base + zstExt)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %q: %w", cid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %v: %w", cid, err, ErrUnavailable)
	}
	out, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %q: %v: %w", cid, err, ErrUnavailable)
	}
	return out, nil
}

func (s *FSStore) Delete(ctx context.Context, cid string) error {
	if !validCID.MatchString(cid) {
		return fmt.Errorf("blob %q: %w", cid, ErrNotFound)
	}

	base := s.shardPath(cid)
	removed := false
	for _, p := range []string{base, base + zstExt} {
		err := os.Remove(p)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete blob %q: %v: %w", cid, err, ErrUnavailable)
		}
	}
	if !removed {
		return fmt.Errorf("blob %q: %w", cid, ErrNotFound)
	}
	return nil
}

func (s *FSStore) PublicURL(cid string) string {
	return s.publicURL + "/" + cid
}
