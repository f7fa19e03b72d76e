package passphrase

import (
	"strings"
	"testing"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("ESCROW_TEST_SECRET", "s3cret")
	src := NewSource("ESCROW_TEST_SECRET", "signing secret")
	got, err := src.Get()
	if err != nil || got != "s3cret" {
		t.Fatalf("unexpected result %q, %v", got, err)
	}
	t.Setenv("ESCROW_TEST_SECRET", "changed")
	if again, _ := src.Get(); again != "s3cret" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("ESCROW_TEST_SECRET", "   ")
	if _, err := NewSource("ESCROW_TEST_SECRET", "").Get(); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty error, got %v", err)
	}
}

func TestFixed(t *testing.T) {
	if got, err := Fixed("pw").Get(); err != nil || got != "pw" {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if _, err := Fixed("").Get(); err == nil {
		t.Fatalf("expected error for blank fixed value")
	}
}
