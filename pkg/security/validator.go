// Package security bounds what image sources may write to the local cache.
package security

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// ErrRejected marks every validation failure.
var ErrRejected = stderrors.New("security")

// Validator provides security validation for cached images
type Validator struct {
	maxImageSize        int64
	maxCompressionRatio float64
	logger              *slog.Logger
}

// NewValidator creates a new security validator
func NewValidator(maxImageSize int64, maxCompressionRatio float64, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "security")
	logger.Debug("security_validator_init",
		"max_image_size_mb", maxImageSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxImageSize:        maxImageSize,
		maxCompressionRatio: maxCompressionRatio,
		logger:              logger,
	}
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// ValidatePath checks that a cache-relative path stays inside the cache.
func (v *Validator) ValidatePath(name string) error {
	if filepath.IsAbs(name) {
		v.logger.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return rejected("absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		v.logger.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return rejected("path traversal detected: %s", name)
	}
	return nil
}

// ValidateImageSize checks an image against the size limit.
func (v *Validator) ValidateImageSize(size int64) error {
	if size > v.maxImageSize {
		v.logger.Error("security_image_size_exceeded",
			"image_size_mb", size/1024/1024,
			"max_image_size_mb", v.maxImageSize/1024/1024)
		return rejected("image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidateCompressionRatio checks for compression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		v.logger.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return rejected("compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		v.logger.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return rejected("compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}
	return nil
}

// ExpansionLimit is the most a compressed image of compressedSize may expand
// to.
func (v *Validator) ExpansionLimit(compressedSize int64) int64 {
	limit := int64(float64(compressedSize) * v.maxCompressionRatio)
	return min(limit, v.maxImageSize)
}

// LimitedWriter fails once more than its limit has been written.
type LimitedWriter struct {
	W       io.Writer
	Limit   int64
	Written int64
}

func (l *LimitedWriter) Write(p []byte) (int, error) {
	if l.Written+int64(len(p)) > l.Limit {
		return 0, rejected("output exceeds %d bytes", l.Limit)
	}
	n, err := l.W.Write(p)
	l.Written += int64(n)
	return n, err
}
