package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterEnforcesQuota(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 2, time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !limiter.Allow("etudiant-1") {
		t.Fatalf("first turn should pass")
	}
	if !limiter.Allow("etudiant-1") {
		t.Fatalf("second turn should pass")
	}
	if limiter.Allow("etudiant-1") {
		t.Fatalf("third turn in the window should be blocked")
	}
	// another user has their own window
	if !limiter.Allow("etudiant-2") {
		t.Fatalf("other user should not share the quota")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	srv.Close()
	if limiter.Allow("etudiant-1") {
		t.Fatalf("limiter should fail closed when redis is down")
	}
}

func TestFixedWindowLimiterValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "", 0, time.Second); err == nil {
		t.Fatalf("expected error for non-positive limit")
	}
}
