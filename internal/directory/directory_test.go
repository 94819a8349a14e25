package directory

import (
	"context"
	"testing"

	"civiq/internal/kv"
)

func seededResolver(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver(kv.NewMemory())
	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return r
}

func TestCategoryFor(t *testing.T) {
	cases := map[string]string{
		"pothole":             "roads",
		"road_damage":         "roads",
		"water_leak":          "water",
		"waterlogging":        "water",
		"sewage_overflow":     "sewage",
		"garbage_overflow":    "garbage",
		"streetlight_failure": "electricity",
		"power_outage":        "electricity",
		"tree_fallen":         "parks",
		"other":               "roads",
		"never_seen_before":   "roads",
	}
	for issueType, want := range cases {
		if got := CategoryFor(issueType); got != want {
			t.Errorf("CategoryFor(%s) = %s, want %s", issueType, got, want)
		}
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	r := seededResolver(t)
	ctx := context.Background()

	if err := r.Seed(ctx); err != nil {
		t.Fatalf("re-seeding failed: %v", err)
	}

	keys, err := r.kv.Scan(ctx, "municipality:*")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := len(Municipalities) * len(Categories)
	if len(keys) != want {
		t.Errorf("expected %d entries after re-seed, got %d", want, len(keys))
	}
}

func TestResolveByAuthorityKey(t *testing.T) {
	r := seededResolver(t)

	e := r.Resolve(context.Background(), "avadi", "", "pothole")
	if e.AuthorityKey != "avadi" {
		t.Errorf("expected avadi entry, got %+v", e)
	}
	if e.Email != "grievances@avadi.tn.gov.in" {
		t.Errorf("unexpected email: %s", e.Email)
	}
}

func TestResolveFallsBackToWard(t *testing.T) {
	r := seededResolver(t)

	e := r.Resolve(context.Background(), "nonexistent", "tambaram", "water_leak")
	if e.AuthorityKey != "tambaram" {
		t.Errorf("expected ward fallback to tambaram, got %+v", e)
	}
}

func TestResolveWildcardScan(t *testing.T) {
	r := seededResolver(t)

	// Unknown authority and ward: any seeded entry for the category wins.
	e := r.Resolve(context.Background(), "unknown_place", "unknown_ward", "tree_fallen")
	if e.Email == DefaultEntry.Email {
		t.Errorf("expected a seeded parks entry, got the default: %+v", e)
	}
	if _, ok := Municipalities[e.AuthorityKey]; !ok {
		t.Errorf("wildcard entry not from a seeded municipality: %+v", e)
	}
}

func TestResolveDefaultEntry(t *testing.T) {
	// Empty store: every lookup misses and the fixed default terminates
	// the chain.
	r := NewResolver(kv.NewMemory())

	e := r.Resolve(context.Background(), "avadi", "avadi", "pothole")
	if e.OfficerName != "Duty Officer" {
		t.Errorf("expected Duty Officer default, got %+v", e)
	}
	if e.Email != "complaints@chennaicorporation.gov.in" {
		t.Errorf("unexpected default email: %s", e.Email)
	}
}

func TestEntryKeyNormalization(t *testing.T) {
	if k := entryKey("Anna Nagar", "roads"); k != "municipality:anna_nagar:roads" {
		t.Errorf("unexpected key: %s", k)
	}
}

func TestNearestAuthority(t *testing.T) {
	// At Avadi's own coordinates
	key, dist := NearestAuthority(13.1145, 80.1027, 0.15)
	if key != "avadi" {
		t.Errorf("expected avadi, got %s", key)
	}
	if dist > 0.001 {
		t.Errorf("expected near-zero distance, got %f", dist)
	}

	// Far outside the cutoff (Delhi)
	key, _ = NearestAuthority(28.6, 77.2, 0.15)
	if key != "unknown" {
		t.Errorf("expected unknown beyond cutoff, got %s", key)
	}
}
