// Package images resolves node image references to local files the imaging
// pipeline can copy from.
package images

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/security"
	"github.com/fly-io/metalprov/pkg/storage"
)

const (
	s3Scheme  = "s3://"
	zstSuffix = ".zst"

	// Cache subdirectories. Decompressed images live apart from objects
	// cached as is, so s3://b/x.zst and s3://b/x never share a file.
	objectsDir      = "objects"
	decompressedDir = "decompressed"
)

// Source fetches remote objects.
type Source interface {
	Size(ctx context.Context, bucket, key string) (int64, error)
	Download(ctx context.Context, bucket, key, localPath string) (*storage.DownloadResult, error)
}

// Image is a resolved, locally readable image.
type Image struct {
	Ref  string
	Path string
	// SHA256 is the digest of the object as downloaded. Empty for local
	// images.
	SHA256 string
	Cached bool
}

// Resolver maps references to local files, caching remote objects under
// cacheDir. Concurrent resolves of one image share a single fetch; different
// images are fetched in parallel.
type Resolver struct {
	cacheDir  string
	source    Source
	validator *security.Validator
	logger    *slog.Logger

	fetches singleflight.Group
}

// NewResolver creates a resolver. A nil source only resolves local paths.
func NewResolver(cacheDir string, source Source, validator *security.Validator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cacheDir:  cacheDir,
		source:    source,
		validator: validator,
		logger:    logger.With("component", "images"),
	}
}

// ParseS3Ref splits s3://bucket/key. ok is false for anything else.
func ParseS3Ref(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, s3Scheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Resolve returns a local file for ref, downloading and decompressing it when
// it is remote.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Image, error) {
	if ref == "" {
		return nil, errors.InvalidParameter("node has no image")
	}
	if strings.HasPrefix(ref, s3Scheme) {
		bucket, key, ok := ParseS3Ref(ref)
		if !ok {
			return nil, errors.InvalidParameter("malformed image reference %q", ref)
		}
		return r.resolveS3(ctx, ref, bucket, key)
	}
	return r.resolveLocal(ref)
}

func (r *Resolver) resolveLocal(ref string) (*Image, error) {
	info, err := os.Stat(ref)
	if err != nil {
		return nil, errors.InvalidParameter("image %s is not readable: %v", ref, err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.InvalidParameter("image %s is not a regular file", ref)
	}
	if err := r.validator.ValidateImageSize(info.Size()); err != nil {
		return nil, err
	}
	return &Image{Ref: ref, Path: ref}, nil
}

// cachePath returns where the image for bucket/key is cached.
func cachePath(bucket, key string) string {
	if trimmed, ok := strings.CutSuffix(key, zstSuffix); ok {
		return filepath.Join(decompressedDir, bucket, trimmed)
	}
	return filepath.Join(objectsDir, bucket, key)
}

func (r *Resolver) resolveS3(ctx context.Context, ref, bucket, key string) (*Image, error) {
	if r.source == nil {
		return nil, errors.InvalidParameter("remote image %s requested but no object store is configured", ref)
	}
	if err := r.validator.ValidatePath(filepath.Join(bucket, key)); err != nil {
		return nil, errors.InvalidParameter("image reference %q: %v", ref, err)
	}
	target := filepath.Join(r.cacheDir, cachePath(bucket, key))

	v, err, shared := r.fetches.Do(target, func() (any, error) {
		return r.fetch(ctx, ref, bucket, key, target)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("image_fetch_shared", "ref", ref)
	}
	img := *v.(*Image)
	return &img, nil
}

func (r *Resolver) fetch(ctx context.Context, ref, bucket, key, target string) (*Image, error) {
	log := r.logger.With("ref", ref)

	if sum, err := os.ReadFile(target + ".sha256"); err == nil {
		if _, err := os.Stat(target); err == nil {
			log.Debug("image_cache_hit", "path", target)
			return &Image{Ref: ref, Path: target, SHA256: strings.TrimSpace(string(sum)), Cached: true}, nil
		}
	}

	size, err := r.source.Size(ctx, bucket, key)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.InvalidParameter("image %s does not exist", ref)
	}
	if err != nil {
		return nil, err
	}
	if err := r.validator.ValidateImageSize(size); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create image cache directory")
	}
	download := target + ".download"
	res, err := r.source.Download(ctx, bucket, key, download)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.InvalidParameter("image %s does not exist", ref)
	}
	if err != nil {
		return nil, err
	}
	defer os.Remove(download)

	if strings.HasSuffix(key, zstSuffix) {
		if err := r.decompress(download, target, res.Size); err != nil {
			return nil, err
		}
	} else if err := os.Rename(download, target); err != nil {
		return nil, errors.Wrap(err, "failed to move image into cache")
	}

	if err := os.WriteFile(target+".sha256", []byte(res.SHA256+"\n"), 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to record image checksum")
	}
	log.Info("image_cached", "path", target, "sha256", res.SHA256)
	return &Image{Ref: ref, Path: target, SHA256: res.SHA256}, nil
}

// decompress expands a zstd file, refusing output past the validator's
// expansion limit.
func (r *Resolver) decompress(src, dst string, compressedSize int64) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "failed to open compressed image")
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return errors.Wrap(err, "failed to create zstd decoder")
	}
	defer dec.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to create image file")
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	lw := &security.LimitedWriter{W: out, Limit: r.validator.ExpansionLimit(compressedSize)}
	_, err = io.Copy(lw, dec)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		r.logger.Error("image_decompress_failed", "path", src, "written", lw.Written, "error", err)
		return errors.Wrap(err, "failed to decompress image")
	}
	if err = r.validator.ValidateCompressionRatio(compressedSize, lw.Written); err != nil {
		return err
	}
	r.logger.Info("image_decompressed", "path", dst, "compressed", compressedSize, "size", lw.Written)
	return os.Rename(tmp, dst)
}
