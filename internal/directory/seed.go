package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
)

// municipality holds the seed data for one jurisdiction.
type municipality struct {
	Name         string
	Area         string
	Zone         string
	Lat, Lng     float64
	DepotAddress string
}

// Municipalities are the three seeded jurisdictions, keyed by authority key.
var Municipalities = map[string]municipality{
	"avadi": {
		Name:         "Avadi City Municipal Corporation",
		Area:         "Avadi",
		Zone:         "Avadi Zone",
		Lat:          13.1145,
		Lng:          80.1027,
		DepotAddress: "Avadi Municipal Office, Avadi, Chennai 600062",
	},
	"tambaram": {
		Name:         "Tambaram Corporation",
		Area:         "Tambaram",
		Zone:         "Tambaram Zone",
		Lat:          12.9249,
		Lng:          80.1000,
		DepotAddress: "Tambaram Corporation Office, Tambaram, Chennai 600045",
	},
	"kancheepuram": {
		Name:         "Kancheepuram Municipality",
		Area:         "Kancheepuram",
		Zone:         "Kancheepuram Zone",
		Lat:          12.8342,
		Lng:          79.7036,
		DepotAddress: "Kancheepuram Municipal Office, Kancheepuram 631501",
	},
}

// Categories are the six complaint categories every jurisdiction staffs.
var Categories = []string{"roads", "water", "garbage", "electricity", "sewage", "parks"}

var deptNames = map[string]string{
	"roads":       "Roads & Public Works",
	"water":       "Water Supply & Drainage",
	"garbage":     "Solid Waste Management",
	"electricity": "Street Lighting & Power",
	"sewage":      "Sewage & Sanitation",
	"parks":       "Parks & Environment",
}

// Seed writes every (municipality, category) entry into the kv store.
//
// Idempotent: re-seeding overwrites identical values, so a restart is
// safe regardless of what a previous process left behind.
func (r *Resolver) Seed(ctx context.Context) error {
	count := 0
	for key, muni := range Municipalities {
		for _, cat := range Categories {
			e := Entry{
				AuthorityKey: key,
				Zone:         muni.Zone,
				Area:         muni.Area,
				Municipality: muni.Name,
				Department:   fmt.Sprintf("%s - %s", deptNames[cat], muni.Name),
				OfficerName:  fmt.Sprintf("Municipal Officer (%s)", muni.Area),
				Email:        "grievances@" + key + ".tn.gov.in",
				Phone:        "044-12345678",
				DepotAddress: muni.DepotAddress,
				Lat:          muni.Lat,
				Lng:          muni.Lng,
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := r.kv.Set(ctx, entryKey(key, cat), string(data)); err != nil {
				return fmt.Errorf("failed to seed %s/%s: %w", key, cat, err)
			}
			count++
		}
	}
	log.Printf("✓ Seeded %d municipality directory entries", count)
	return nil
}

// NearestAuthority returns the seeded authority key closest to the given
// coordinates, or "unknown" when none is within maxDeg degrees
// (~0.15° ≈ 15 km at this latitude).
//
// Used by reverse geocoding to attach an authority key to a location.
func NearestAuthority(lat, lng, maxDeg float64) (string, float64) {
	bestKey, bestDist := "unknown", math.Inf(1)
	for key, muni := range Municipalities {
		d := math.Sqrt((lat-muni.Lat)*(lat-muni.Lat) + (lng-muni.Lng)*(lng-muni.Lng))
		if d < bestDist {
			bestDist = d
			bestKey = key
		}
	}
	if bestDist > maxDeg {
		return "unknown", bestDist
	}
	return bestKey, bestDist
}
