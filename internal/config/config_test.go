package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 99); v != 99 {
		t.Fatalf("expected fallback 99 for unparseable value, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	if v := envFloat("TEST_FLOAT", 0); v != 0.25 {
		t.Fatalf("expected 0.25, got %v", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 0.9); v != 0.9 {
		t.Fatalf("expected fallback 0.9, got %v", v)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if envBool("TEST_BOOL_BAD", false) {
		t.Fatal("expected fallback false for unparseable value")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	if v := envDuration("TEST_DUR_MISSING", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Epsilon != 0.1 {
		t.Fatalf("expected default epsilon 0.1, got %v", cfg.Epsilon)
	}
	if cfg.SessionIdleExpiry != 30*time.Minute {
		t.Fatalf("expected default idle expiry 30m, got %s", cfg.SessionIdleExpiry)
	}
}

func TestValidateRejectsBadLearningParams(t *testing.T) {
	t.Setenv("KAIWA_EPSILON", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with KAIWA_EPSILON out of range")
	}
	t.Setenv("KAIWA_EPSILON", "0.1")
	t.Setenv("KAIWA_DISCOUNT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with KAIWA_DISCOUNT at 0")
	}
}

func TestValidateDiscountBounds(t *testing.T) {
	// An undiscounted update (γ=1) is a legal configuration.
	t.Setenv("KAIWA_DISCOUNT", "1.0")
	if _, err := Load(); err != nil {
		t.Fatalf("expected KAIWA_DISCOUNT=1.0 to be accepted, got: %v", err)
	}
	t.Setenv("KAIWA_DISCOUNT", "1.01")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with KAIWA_DISCOUNT above 1")
	}
}
