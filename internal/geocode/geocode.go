// Package geocode resolves free-text locations to coordinates and
// coordinates back to administrative context (ward, zone, authority).
//
// Providers, in fallback order:
//   - Nominatim (OpenStreetMap) for forward and reverse geocoding
//   - seeded municipality text match when Nominatim finds nothing
//   - a fixed Chennai-center default so a complaint always lands on the map
//
// Overpass supplies the affected-household estimate used by escalation.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"civiq/internal/cerrors"
	"civiq/internal/directory"
)

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org"
	overpassURL         = "https://overpass-api.de/api/interpreter"
	userAgent           = "CiviQ/1.0 (civic-complaint-platform)"

	// Chennai city center: terminal fallback for unresolvable locations.
	chennaiLat = 13.0827
	chennaiLng = 80.2707

	// Degrees of planar distance beyond which a point is not attributed
	// to any seeded municipality (~15 km at this latitude).
	authorityCutoffDeg = 0.15

	personsPerBuilding = 3
)

// Location is a resolved forward-geocode result.
type Location struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Formatted string  `json:"formatted"`
	Source    string  `json:"source"` // nominatim | seed | default
}

// Place is a resolved reverse-geocode result.
type Place struct {
	Ward         string `json:"ward"`
	Zone         string `json:"zone"`
	Area         string `json:"area"`
	AuthorityKey string `json:"authority_key"`
	Formatted    string `json:"formatted"`
}

// Client talks to Nominatim and Overpass.
//
// Thread-safety: stateless after construction; one instance is shared by
// all pipeline workers.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a geocoding client. An empty baseURL selects the
// public Nominatim instance.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetHTTPClient overrides the HTTP client (used in tests).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Address     struct {
		Suburb        string `json:"suburb"`
		Neighbourhood string `json:"neighbourhood"`
		CityDistrict  string `json:"city_district"`
		City          string `json:"city"`
		County        string `json:"county"`
	} `json:"address"`
}

// Geocode resolves a free-text location to coordinates.
//
// Fallback chain:
//  1. Nominatim search, scoped to India with a Chennai suffix
//  2. substring match against the seeded municipalities
//  3. Chennai city center
//
// Never fails: the worst outcome is the city-center default. The ctx
// bounds the Nominatim call only.
func (c *Client) Geocode(ctx context.Context, address string) Location {
	address = strings.TrimSpace(address)
	if address == "" {
		return Location{Lat: chennaiLat, Lng: chennaiLng, Formatted: "Chennai, Tamil Nadu, India", Source: "default"}
	}

	if loc, ok := c.nominatimSearch(ctx, address); ok {
		log.Printf("  → Geocoded '%s' via Nominatim: (%.4f, %.4f)", address, loc.Lat, loc.Lng)
		return loc
	}

	lower := strings.ToLower(address)
	for key, muni := range directory.Municipalities {
		if strings.Contains(lower, key) || strings.Contains(lower, strings.ToLower(muni.Area)) {
			log.Printf("  → Geocoded '%s' via seeded municipality '%s'", address, key)
			return Location{Lat: muni.Lat, Lng: muni.Lng, Formatted: muni.Area + ", Chennai, Tamil Nadu, India", Source: "seed"}
		}
	}

	log.Printf("  ⚠️  Could not geocode '%s', defaulting to Chennai center", address)
	return Location{Lat: chennaiLat, Lng: chennaiLng, Formatted: "Chennai, Tamil Nadu, India", Source: "default"}
}

func (c *Client) nominatimSearch(ctx context.Context, address string) (Location, bool) {
	query := address
	if !strings.Contains(strings.ToLower(address), "chennai") {
		query = address + ", Chennai, Tamil Nadu, India"
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("countrycodes", "in")

	var results []nominatimResult
	if err := c.doGet(ctx, c.baseURL+"/search?"+params.Encode(), &results); err != nil {
		log.Printf("  ⚠️  Nominatim search failed: %v", err)
		return Location{}, false
	}
	if len(results) == 0 {
		return Location{}, false
	}

	lat, err1 := strconv.ParseFloat(results[0].Lat, 64)
	lng, err2 := strconv.ParseFloat(results[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return Location{}, false
	}
	return Location{Lat: lat, Lng: lng, Formatted: results[0].DisplayName, Source: "nominatim"}, true
}

// ReverseGeocode resolves coordinates to ward/zone/authority context.
//
// Nominatim's suburb becomes the ward and city_district the zone; both
// degrade to "Unknown" rather than failing. The authority key is the
// nearest seeded municipality within the distance cutoff, refined by a
// text match against the formatted address.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64) Place {
	place := Place{
		Ward:      "Unknown",
		Zone:      "Unknown",
		Formatted: fmt.Sprintf("%.4f, %.4f (Chennai region)", lat, lng),
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("format", "json")

	var result nominatimResult
	if err := c.doGet(ctx, c.baseURL+"/reverse?"+params.Encode(), &result); err != nil {
		log.Printf("  ⚠️  Reverse geocode failed for (%.4f, %.4f): %v", lat, lng, err)
	} else {
		if result.Address.Suburb != "" {
			place.Ward = result.Address.Suburb
		} else if result.Address.Neighbourhood != "" {
			place.Ward = result.Address.Neighbourhood
		}
		if result.Address.CityDistrict != "" {
			place.Zone = result.Address.CityDistrict
		} else if result.Address.City != "" {
			place.Zone = result.Address.City
		}
		if result.Address.Suburb != "" {
			place.Area = result.Address.Suburb
		}
		if result.DisplayName != "" {
			place.Formatted = result.DisplayName
		}
	}

	key, _ := directory.NearestAuthority(lat, lng, authorityCutoffDeg)
	if key == "unknown" {
		// Distance said no; the address text may still name a seeded
		// municipality (office coordinates vs jurisdiction extent).
		lower := strings.ToLower(place.Formatted)
		for k, muni := range directory.Municipalities {
			if strings.Contains(lower, k) || strings.Contains(lower, strings.ToLower(muni.Area)) {
				key = k
				break
			}
		}
	}
	place.AuthorityKey = key
	return place
}

// StreetViewURL returns an OpenStreetMap link centered on the complaint,
// embedded in officer work-order emails.
func StreetViewURL(lat, lng float64) string {
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f#map=19/%.6f/%.6f", lat, lng, lat, lng)
}

type overpassResponse struct {
	Elements []struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
	} `json:"elements"`
}

// AffectedHouseholds estimates how many households sit within radiusM of
// the point by counting Overpass buildings and assuming three persons'
// households per building. Returns (0, 0) on any provider failure: the
// estimate enriches escalation but never blocks it.
func (c *Client) AffectedHouseholds(ctx context.Context, lat, lng float64, radiusM int) (buildings, households int) {
	query := fmt.Sprintf(`[out:json][timeout:10];(way["building"](around:%d,%.6f,%.6f););out ids;`, radiusM, lat, lng)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, overpassURL, strings.NewReader("data="+url.QueryEscape(query)))
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("  ⚠️  Overpass query failed: %v", err)
		return 0, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("  ⚠️  Overpass returned status %d", resp.StatusCode)
		return 0, 0
	}

	var parsed overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, 0
	}
	buildings = len(parsed.Elements)
	return buildings, buildings * personsPerBuilding
}

// doGet performs a GET with the shared client, decoding the JSON body
// into out. Non-200 responses become provider errors.
func (c *Client) doGet(ctx context.Context, fullURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return cerrors.NewProviderError("nominatim", "failed to create request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cerrors.NewProviderError("nominatim", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return cerrors.NewProviderError("nominatim",
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cerrors.NewProviderError("nominatim", "failed to decode response", err)
	}
	return nil
}
