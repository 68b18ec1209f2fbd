package skew

import (
	"regexp"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	pattern := regexp.MustCompile(`^req_\d+_[0-9a-f]{9}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected request id format: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request id: %s", id)
		}
		seen[id] = true
	}
}

func TestHashPrompt(t *testing.T) {
	t.Run("is stable", func(t *testing.T) {
		if HashPrompt("hello") != HashPrompt("hello") {
			t.Error("expected identical hashes for identical input")
		}
	})

	t.Run("is 16 hex characters", func(t *testing.T) {
		h := HashPrompt("hello")
		if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(h) {
			t.Errorf("unexpected hash %q", h)
		}
	})

	t.Run("matches sha256 prefix", func(t *testing.T) {
		// sha256("hello") = 2cf24dba5fb0a30e26e83b2ac5b9e29e...
		if got := HashPrompt("hello"); got != "2cf24dba5fb0a30e" {
			t.Errorf("expected 2cf24dba5fb0a30e, got %s", got)
		}
	})

	t.Run("differs for different input", func(t *testing.T) {
		if HashPrompt("a") == HashPrompt("b") {
			t.Error("expected different hashes")
		}
	})
}
