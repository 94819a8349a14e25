package geocluster

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"civiq/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, 500, 72*time.Hour, 3), st
}

func addComplaint(t *testing.T, st *store.Store, lat, lng float64, severity string) *store.Complaint {
	t.Helper()
	c := &store.Complaint{
		IssueType: "pothole",
		Lat:       &lat,
		Lng:       &lng,
		Severity:  severity,
	}
	if _, err := st.CreateComplaint(context.Background(), c); err != nil {
		t.Fatalf("CreateComplaint failed: %v", err)
	}
	return c
}

func TestPlanarDistance(t *testing.T) {
	// 0.001° of latitude is ~111 meters
	d := PlanarDistance(13.0, 80.0, 13.001, 80.0)
	if math.Abs(d-111) > 1 {
		t.Errorf("expected ~111m, got %.1f", d)
	}
	if PlanarDistance(13.0, 80.0, 13.0, 80.0) != 0 {
		t.Error("identical points must have zero distance")
	}
	// Symmetry
	if PlanarDistance(13.0, 80.0, 13.01, 80.01) != PlanarDistance(13.01, 80.01, 13.0, 80.0) {
		t.Error("distance must be symmetric")
	}
}

func TestSeverityWeights(t *testing.T) {
	if severityWeight("low") != 1.0 || severityWeight("moderate") != 1.5 || severityWeight("high") != 2.0 {
		t.Error("severity weights changed")
	}
	if severityWeight("unknown") != 1.5 {
		t.Error("unknown severity must weigh as moderate")
	}
}

func TestRecencyFactor(t *testing.T) {
	if recencyFactor(time.Hour) != 1.0 {
		t.Error("fresh reports must score full recency")
	}
	if recencyFactor(36*time.Hour) != 0.8 {
		t.Error("day-old reports must score 0.8")
	}
	if recencyFactor(60*time.Hour) != 0.6 {
		t.Error("older reports must score 0.6")
	}
}

func TestBelowThresholdNoCluster(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	// Two prior reports nearby: the new one does not count toward the
	// formation threshold, so no cluster forms.
	addComplaint(t, st, 13.0, 80.0, "low")
	addComplaint(t, st, 13.001, 80.0, "moderate")
	c := addComplaint(t, st, 13.0, 80.001, "moderate")

	outcome, err := engine.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome.Clustered {
		t.Errorf("two prior reports must not form a cluster: %+v", outcome)
	}
}

func TestThresholdFormsCluster(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	addComplaint(t, st, 13.0, 80.0, "low")
	addComplaint(t, st, 13.001, 80.0, "moderate")
	addComplaint(t, st, 13.0, 80.001, "high")
	c := addComplaint(t, st, 13.001, 80.001, "moderate")

	outcome, err := engine.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !outcome.Clustered || !outcome.IsNew {
		t.Fatalf("three nearby reports must form a new cluster: %+v", outcome)
	}
	if outcome.Size != 3 {
		t.Errorf("expected size 3, got %d", outcome.Size)
	}
	// 3 nearby × avg weight (1.0+1.5+2.0)/3 × recency 1.0 (all fresh);
	// the triggering complaint's own severity is not counted
	if math.Abs(outcome.Score-4.5) > 0.001 {
		t.Errorf("expected score 4.5, got %f", outcome.Score)
	}

	// All members carry the cluster id afterwards, the trigger included
	members, _ := st.ListComplaints(ctx, "", "pothole", 0)
	for _, m := range members {
		if m.ClusterID != outcome.ClusterID {
			t.Errorf("member %s not tagged with cluster", m.ID)
		}
	}
}

func TestScoreUsesMostRecentMatchAge(t *testing.T) {
	engine, _ := testEngine(t)

	old := time.Now().UTC().Add(-30 * time.Hour)
	matches := []store.NearbyComplaint{
		{Severity: "moderate", SubmittedAt: old.Add(-2 * time.Hour)},
		{Severity: "moderate", SubmittedAt: old.Add(-time.Hour)},
		{Severity: "moderate", SubmittedAt: old},
	}

	// 3 × 1.5 × 0.8: the newest match is 30h old, so the 24-48h recency
	// bucket applies even though the triggering report is brand new
	score := engine.scoreCluster(matches)
	if math.Abs(score-3.6) > 0.001 {
		t.Errorf("expected score 3.6, got %f", score)
	}
}

func TestFarApartReportsDoNotCluster(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	// ~1.1km apart: outside the 500m radius
	addComplaint(t, st, 13.0, 80.0, "high")
	addComplaint(t, st, 13.01, 80.0, "high")
	c := addComplaint(t, st, 13.02, 80.0, "high")

	outcome, err := engine.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome.Clustered {
		t.Errorf("distant reports must not cluster: %+v", outcome)
	}
}

func TestLaterReportJoinsExistingCluster(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	addComplaint(t, st, 13.0, 80.0, "moderate")
	addComplaint(t, st, 13.001, 80.0, "moderate")
	addComplaint(t, st, 13.0, 80.001, "moderate")
	fourth := addComplaint(t, st, 13.001, 80.001, "moderate")

	first, err := engine.Evaluate(ctx, fourth)
	if err != nil || !first.Clustered || !first.IsNew {
		t.Fatalf("setup cluster failed: %v %+v", err, first)
	}

	fifth := addComplaint(t, st, 13.0005, 80.0005, "high")
	outcome, err := engine.Evaluate(ctx, fifth)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !outcome.Clustered || outcome.IsNew {
		t.Fatalf("fifth report must join, not form: %+v", outcome)
	}
	if outcome.ClusterID != first.ClusterID {
		t.Errorf("expected cluster %s, got %s", first.ClusterID, outcome.ClusterID)
	}
	if outcome.Size != 4 {
		t.Errorf("expected size 4, got %d", outcome.Size)
	}

	cluster, _ := st.GetCluster(ctx, outcome.ClusterID)
	if cluster.Size != 4 {
		t.Errorf("cluster stats not refreshed: %+v", cluster)
	}
}

func TestEvaluateSkipsComplaintsWithoutCoordinates(t *testing.T) {
	engine, st := testEngine(t)
	c := &store.Complaint{IssueType: "pothole"}
	if _, err := st.CreateComplaint(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	outcome, err := engine.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome.Clustered {
		t.Error("coordinate-less complaint must not cluster")
	}
}

func TestSwappableDistanceFunc(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	// A metric that declares everything adjacent
	engine.SetDistanceFunc(func(_, _, _, _ float64) float64 { return 0 })

	addComplaint(t, st, 13.0, 80.0, "low")
	addComplaint(t, st, 13.001, 80.0, "low")
	addComplaint(t, st, 9.0, 76.0, "low") // Kerala: far away for the real metric
	c := addComplaint(t, st, 13.0827, 80.2707, "low")

	outcome, err := engine.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !outcome.Clustered || outcome.Size != 3 {
		t.Errorf("custom metric not applied: %+v", outcome)
	}
}
