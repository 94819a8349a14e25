// Package directory resolves the responsible municipal authority for a
// complaint.
//
// Entries are read-only reference data keyed by (authority key, category)
// in the kv store, seeded once at process start. Resolution walks a
// fallback chain and always terminates in a fixed default entry, so a
// work order can always be addressed somewhere.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"civiq/internal/kv"
)

// Entry is one directory record: who handles a category in an authority's
// jurisdiction.
type Entry struct {
	AuthorityKey string  `json:"ward"`
	Zone         string  `json:"zone"`
	Area         string  `json:"area"`
	Municipality string  `json:"municipality"`
	Department   string  `json:"department"`
	OfficerName  string  `json:"officer_name"`
	Email        string  `json:"email"`
	Phone        string  `json:"phone"`
	DepotAddress string  `json:"depot_address"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
}

// issueCategoryMap routes an issue type to a directory category.
// Unmapped types fall back to roads (the catch-all public-works desk).
var issueCategoryMap = map[string]string{
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
}

// CategoryFor maps an issue type to its directory category.
func CategoryFor(issueType string) string {
	if cat, ok := issueCategoryMap[issueType]; ok {
		return cat
	}
	return "roads"
}

// DefaultEntry is the terminal fallback: the corporation's duty officer.
// Resolution never returns an absent result because of this entry.
var DefaultEntry = Entry{
	OfficerName:  "Duty Officer",
	Department:   "Greater Chennai Corporation",
	Municipality: "Greater Chennai Corporation",
	Email:        "complaints@chennaicorporation.gov.in",
	DepotAddress: "Ripon Building, Chennai",
}

// Resolver looks up directory entries from the kv store.
type Resolver struct {
	kv kv.Store
}

// NewResolver creates a resolver over the given kv store.
func NewResolver(store kv.Store) *Resolver {
	return &Resolver{kv: store}
}

func entryKey(authorityKey, category string) string {
	normalized := strings.ToLower(strings.ReplaceAll(authorityKey, " ", "_"))
	return fmt.Sprintf("municipality:%s:%s", normalized, category)
}

// Resolve finds the responsible officer for a complaint.
//
// Lookup order, first hit wins:
//  1. exact (authorityKey, category)
//  2. (ward, category)
//  3. any seeded entry with the requested category (wildcard scan)
//  4. the hardcoded default entry
//
// Pure read; never fails with an absent result.
func (r *Resolver) Resolve(ctx context.Context, authorityKey, ward, issueType string) Entry {
	category := CategoryFor(issueType)
	log.Printf("  → Directory: searching for %s officer (authority=%s ward=%s category=%s)",
		issueType, authorityKey, ward, category)

	if authorityKey != "" {
		if e, ok := r.lookup(ctx, entryKey(authorityKey, category)); ok {
			log.Printf("     ✓ Matched by authority key '%s:%s'", authorityKey, category)
			return e
		}
	}

	if ward != "" {
		if e, ok := r.lookup(ctx, entryKey(ward, category)); ok {
			log.Printf("     ✓ Matched by ward key '%s:%s'", ward, category)
			return e
		}
	}

	keys, err := r.kv.Scan(ctx, "municipality:*:"+category)
	if err == nil && len(keys) > 0 {
		if e, ok := r.lookup(ctx, keys[0]); ok {
			log.Printf("     ✓ Wildcard match: %s", keys[0])
			return e
		}
	}

	log.Println("     ⚠️  Using fallback: Duty Officer")
	return DefaultEntry
}

func (r *Resolver) lookup(ctx context.Context, key string) (Entry, bool) {
	val, ok, err := r.kv.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
