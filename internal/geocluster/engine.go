// Package geocluster groups nearby same-type complaints into clusters
// and scores them for the prediction escalator.
//
// Clustering model:
//   - candidates: same issue type, submitted within the time window,
//     carrying coordinates
//   - a candidate is a match when it lies within the cluster radius of
//     the new complaint, measured by the engine's distance function
//   - a cluster forms when the matches alone reach the formation
//     threshold; an existing cluster among the matches is joined
//     instead of forming a duplicate
//
// Scoring counts the matches only; the triggering complaint is linked
// to the cluster but contributes to size and score on the next
// evaluation, not its own:
//
//	score = matchCount × avg(severityWeight) × recencyFactor
//
// where the recency factor is derived from the age of the MOST RECENT
// match: an old cluster that just received a fresh report is heating up,
// not cooling down.
package geocluster

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"civiq/internal/store"
)

// DistanceFunc measures meters between two coordinate pairs. Swappable
// so the planar approximation can be replaced (e.g. haversine) without
// touching the engine.
type DistanceFunc func(lat1, lng1, lat2, lng2 float64) float64

// PlanarDistance is the default metric: the euclidean distance in
// degrees scaled by ~111km per degree. Accurate to a few percent at
// Chennai's latitude over the sub-kilometer ranges clustering uses.
func PlanarDistance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := lat1 - lat2
	dLng := lng1 - lng2
	return math.Sqrt(dLat*dLat+dLng*dLng) * 111000
}

var severityWeights = map[string]float64{
	"low":      1.0,
	"moderate": 1.5,
	"high":     2.0,
}

func severityWeight(severity string) float64 {
	if w, ok := severityWeights[severity]; ok {
		return w
	}
	return 1.5
}

// recencyFactor maps the age of the most recent matching complaint to a
// score multiplier.
func recencyFactor(age time.Duration) float64 {
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 48*time.Hour:
		return 0.8
	default:
		return 0.6
	}
}

// Outcome reports what clustering did with one complaint.
type Outcome struct {
	Clustered bool
	IsNew     bool // true when this complaint formed the cluster
	ClusterID string
	Size      int
	Score     float64
}

// Engine evaluates complaints against the clustering rules.
//
// Thread-safety: stateless beyond its configuration; concurrent
// evaluations race only at the store, where last-write-wins is
// acceptable (a lost size update is corrected by the next member).
type Engine struct {
	store     *store.Store
	distance  DistanceFunc
	radiusM   float64
	window    time.Duration
	threshold int
}

// NewEngine creates a clustering engine.
//
// Zero-value parameters select the defaults: 500m radius, 72h window,
// formation threshold 3.
func NewEngine(st *store.Store, radiusM float64, window time.Duration, threshold int) *Engine {
	if radiusM <= 0 {
		radiusM = 500
	}
	if window <= 0 {
		window = 72 * time.Hour
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Engine{
		store:     st,
		distance:  PlanarDistance,
		radiusM:   radiusM,
		window:    window,
		threshold: threshold,
	}
}

// SetDistanceFunc replaces the distance metric.
func (e *Engine) SetDistanceFunc(fn DistanceFunc) {
	if fn != nil {
		e.distance = fn
	}
}

// Evaluate runs clustering for a newly persisted complaint.
//
// Flow:
//  1. fetch window candidates of the same issue type
//  2. keep those within the radius of the complaint
//  3. below threshold: report unclustered
//  4. at/above threshold: join the matches' existing cluster or form a
//     new one, tag all unclustered members, refresh size/score/center
//
// The complaint must already be stored with coordinates; callers skip
// evaluation otherwise.
func (e *Engine) Evaluate(ctx context.Context, c *store.Complaint) (Outcome, error) {
	if c.Lat == nil || c.Lng == nil {
		return Outcome{}, nil
	}
	lat, lng := *c.Lat, *c.Lng

	since := time.Now().UTC().Add(-e.window)
	candidates, err := e.store.FindNearby(ctx, c.IssueType, since, c.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load clustering candidates: %w", err)
	}

	var matches []store.NearbyComplaint
	for _, cand := range candidates {
		if e.distance(lat, lng, cand.Lat, cand.Lng) <= e.radiusM {
			matches = append(matches, cand)
		}
	}

	if len(matches) < e.threshold {
		log.Printf("  → Clustering: %d/%d nearby reports within %.0fm, no cluster", len(matches), e.threshold, e.radiusM)
		return Outcome{}, nil
	}

	size := len(matches)
	score := e.scoreCluster(matches)

	// Join an existing cluster when any match already belongs to one.
	clusterID := ""
	for _, m := range matches {
		if m.ClusterID != "" {
			clusterID = m.ClusterID
			break
		}
	}

	centerLat, centerLng := clusterCenter(lat, lng, matches)
	isNew := clusterID == ""
	if isNew {
		clusterID, err = e.store.CreateCluster(ctx, &store.Cluster{
			IssueType:    c.IssueType,
			CenterLat:    centerLat,
			CenterLng:    centerLng,
			RadiusM:      int(e.radiusM),
			Size:         size,
			Score:        score,
			LocationText: c.LocationText,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to create cluster: %w", err)
		}
		log.Printf("  ✓ Cluster %s formed: %d × %s, score %.1f", clusterID, size, c.IssueType, score)
	} else {
		if err := e.store.UpdateClusterStats(ctx, clusterID, size, score, centerLat, centerLng); err != nil {
			return Outcome{}, fmt.Errorf("failed to update cluster: %w", err)
		}
		log.Printf("  ✓ Cluster %s grew to %d nearby reports, score %.1f", clusterID, size, score)
	}

	// Tag members that are not yet in the cluster, including the new
	// complaint itself.
	for _, m := range matches {
		if m.ClusterID == "" {
			if err := e.store.UpdateComplaint(ctx, m.ID, store.ComplaintUpdate{ClusterID: &clusterID}); err != nil {
				log.Printf("  ⚠️  Failed to tag %s with cluster %s: %v", m.ID, clusterID, err)
			}
		}
	}
	if err := e.store.UpdateComplaint(ctx, c.ID, store.ComplaintUpdate{ClusterID: &clusterID}); err != nil {
		log.Printf("  ⚠️  Failed to tag %s with cluster %s: %v", c.ID, clusterID, err)
	}
	c.ClusterID = clusterID

	return Outcome{
		Clustered: true,
		IsNew:     isNew,
		ClusterID: clusterID,
		Size:      size,
		Score:     score,
	}, nil
}

// scoreCluster computes count × avg severity weight × recency factor
// over the matches. Callers only invoke it with at least one match.
func (e *Engine) scoreCluster(matches []store.NearbyComplaint) float64 {
	weightSum := 0.0
	newest := matches[0].SubmittedAt
	for _, m := range matches {
		weightSum += severityWeight(m.Severity)
		if m.SubmittedAt.After(newest) {
			newest = m.SubmittedAt
		}
	}
	count := len(matches)
	avgWeight := weightSum / float64(count)
	recency := recencyFactor(time.Since(newest))
	return float64(count) * avgWeight * recency
}

func clusterCenter(lat, lng float64, matches []store.NearbyComplaint) (float64, float64) {
	sumLat, sumLng := lat, lng
	for _, m := range matches {
		sumLat += m.Lat
		sumLng += m.Lng
	}
	n := float64(len(matches) + 1)
	return sumLat / n, sumLng / n
}
