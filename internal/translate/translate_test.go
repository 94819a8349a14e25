package translate

import (
	"context"
	"testing"
)

func TestNilNormalizerPassesThrough(t *testing.T) {
	var n *Normalizer

	out, err := n.ToEnglish(context.Background(), "சாலையில் பெரிய பள்ளம்")
	if err != nil {
		t.Fatalf("nil normalizer must not error: %v", err)
	}
	if out != "சாலையில் பெரிய பள்ளம்" {
		t.Errorf("text must pass through unchanged, got %q", out)
	}

	if err := n.Close(); err != nil {
		t.Errorf("nil normalizer Close must be a no-op, got %v", err)
	}
}

func TestBlankTextSkipsAPI(t *testing.T) {
	// A constructed-but-disabled normalizer would panic on API use; blank
	// input must return before any call.
	var n *Normalizer
	out, err := n.ToEnglish(context.Background(), "   ")
	if err != nil || out != "   " {
		t.Errorf("blank text must pass through, got %q %v", out, err)
	}
}

func TestNewNormalizerWithoutKey(t *testing.T) {
	n, err := NewNormalizer(context.Background(), "")
	if err != nil {
		t.Fatalf("empty key must not error: %v", err)
	}
	if n != nil {
		t.Error("empty key must disable the normalizer")
	}
}
