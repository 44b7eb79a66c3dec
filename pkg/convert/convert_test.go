package convert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestIsASCIIPath(t *testing.T) {
	if !isASCIIPath("/tmp/report.docx") {
		t.Fatal("expected ascii path to be recognized as ascii")
	}
	if isASCIIPath("/tmp/报告.docx") {
		t.Fatal("expected non-ascii path to be recognized as non-ascii")
	}
}

func TestWithASCIIPathWorkaroundBypassesForASCII(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.docx")
	if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	dest := filepath.Join(dir, "doc.pdf")

	var calledSrc, calledDest string
	inner := DocToPDFFunc(func(ctx context.Context, s, d string) error {
		calledSrc, calledDest = s, d
		return os.WriteFile(d, []byte("pdf"), 0o600)
	})

	wrapped := WithASCIIPathWorkaround(dir, inner)
	if err := wrapped(context.Background(), src, dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledSrc != src || calledDest != dest {
		t.Fatalf("expected direct passthrough for ascii path, got src=%q dest=%q", calledSrc, calledDest)
	}
}

func TestWithASCIIPathWorkaroundCopiesForNonASCII(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "报告.docx")
	if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	dest := filepath.Join(dir, "out.pdf")

	var calledSrc string
	inner := DocToPDFFunc(func(ctx context.Context, s, d string) error {
		calledSrc = s
		return os.WriteFile(d, []byte("pdf"), 0o600)
	})

	wrapped := WithASCIIPathWorkaround(dir, inner)
	if err := wrapped(context.Background(), src, dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledSrc == src {
		t.Fatal("expected non-ascii source to be copied to an ascii-safe path before conversion")
	}
	if !isASCIIPath(calledSrc) {
		t.Fatalf("expected converter to receive an ascii path, got %q", calledSrc)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected output mapped back to dest: %v", err)
	}
}
