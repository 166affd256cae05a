package security

import (
	"bytes"
	"errors"
	"testing"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(1024, 10.0, nil)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"image.qcow2", false},
		{"bucket/image.raw", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../image.raw", false},
		{"dir/../../etc/passwd", true},
		{"..", true},
		{"..image", false},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
		if err != nil && !errors.Is(err, ErrRejected) {
			t.Errorf("error for %s does not wrap ErrRejected: %v", tt.path, err)
		}
	}
}

func TestValidateImageSize(t *testing.T) {
	v := NewValidator(100, 10.0, nil)

	if err := v.ValidateImageSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateImageSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(1024, 10.0, nil)

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateCompressionRatio(0, 1); err == nil {
		t.Error("expected error for zero compressed size")
	}
}

func TestExpansionLimit(t *testing.T) {
	v := NewValidator(500, 10.0, nil)

	if got := v.ExpansionLimit(20); got != 200 {
		t.Errorf("expected ratio bound 200, got %d", got)
	}
	if got := v.ExpansionLimit(100); got != 500 {
		t.Errorf("expected size bound 500, got %d", got)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &LimitedWriter{W: &buf, Limit: 8}

	if _, err := w.Write([]byte("12345")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.Write([]byte("6789")); !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection past the limit, got: %v", err)
	}
	if buf.String() != "12345" {
		t.Errorf("unexpected content %q", buf.String())
	}
}
