// Package predict turns high-scoring clusters into escalations.
//
// When a cluster's score crosses the prediction threshold, the escalator
// asks the model whether the pattern indicates an imminent infrastructure
// failure, assigns P1/P2 priority, dispatches an escalation work order to
// the responsible department, and broadcasts the prediction to live
// dashboards.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"civiq/internal/directory"
	"civiq/internal/events"
	"civiq/internal/geocode"
	"civiq/internal/inference"
	"civiq/internal/mail"
	"civiq/internal/store"
)

// Result captures what the escalator decided for one cluster.
type Result struct {
	Escalated          bool    `json:"escalated"`
	Priority           string  `json:"priority,omitempty"` // P1 or P2
	Confidence         float64 `json:"confidence"`
	IsPreFailure       bool    `json:"is_pre_failure"`
	FailureType        string  `json:"failure_type,omitempty"`
	Reasoning          string  `json:"reasoning,omitempty"`
	EstimatedWindowHrs int     `json:"estimated_window_hrs,omitempty"`
	Households         int     `json:"affected_households,omitempty"`
	WorkOrderID        string  `json:"work_order_id,omitempty"`
}

// Escalator evaluates clusters against the prediction rules.
//
// Thread-safety: all dependencies are safe for concurrent use; the
// escalator itself holds no mutable state.
type Escalator struct {
	store       *store.Store
	inference   *inference.Client
	geo         *geocode.Client
	mailer      *mail.Mailer
	resolver    *directory.Resolver
	broadcaster *events.Broadcaster

	scoreThreshold float64 // score above which prediction runs
	p1Threshold    float64 // confidence above which pre-failure becomes P1
	historyMinSize int
	historyLimit   int
}

// NewEscalator wires the prediction escalator.
func NewEscalator(st *store.Store, inf *inference.Client, geo *geocode.Client,
	mailer *mail.Mailer, resolver *directory.Resolver, broadcaster *events.Broadcaster,
	scoreThreshold, p1Threshold float64) *Escalator {
	if scoreThreshold <= 0 {
		scoreThreshold = 60
	}
	if p1Threshold <= 0 {
		p1Threshold = 80
	}
	return &Escalator{
		store:          st,
		inference:      inf,
		geo:            geo,
		mailer:         mailer,
		resolver:       resolver,
		broadcaster:    broadcaster,
		scoreThreshold: scoreThreshold,
		p1Threshold:    p1Threshold,
		historyMinSize: 3,
		historyLimit:   10,
	}
}

// ShouldRun reports whether a cluster score warrants prediction.
// Strictly greater: a score exactly at the threshold does not escalate.
func (e *Escalator) ShouldRun(score float64) bool {
	return score > e.scoreThreshold
}

// Priority applies the escalation rule to a prediction: P1 only when the
// model is both confident past the P1 threshold AND flags pre-failure;
// every other escalation is P2.
func (e *Escalator) Priority(p inference.Prediction) string {
	if p.Confidence > e.p1Threshold && p.IsPreFailure {
		return "P1"
	}
	return "P2"
}

// Escalate runs the full prediction path for a cluster the engine just
// formed or grew. The triggering complaint provides ward context for
// the directory lookup and receives the prediction payload.
//
// Provider failures degrade: a failed prediction logs and returns an
// unescalated result rather than blocking the pipeline. Rate limits
// propagate so the caller can surface backpressure.
func (e *Escalator) Escalate(ctx context.Context, cluster *store.Cluster, trigger *store.Complaint) (Result, error) {
	if !e.ShouldRun(cluster.Score) {
		return Result{}, nil
	}
	log.Printf("  → Prediction: cluster %s score %.1f exceeds threshold %.0f", cluster.ID, cluster.Score, e.scoreThreshold)

	history, err := e.store.HistoricalClusters(ctx, cluster.IssueType, e.historyMinSize, e.historyLimit)
	if err != nil {
		log.Printf("  ⚠️  Failed to load cluster history: %v", err)
		history = nil
	}
	histContext := make([]inference.HistoricalCluster, 0, len(history))
	for _, h := range history {
		if h.ID == cluster.ID {
			continue
		}
		histContext = append(histContext, inference.HistoricalCluster{
			IssueType: h.IssueType,
			Size:      h.Size,
			Score:     h.Score,
			CreatedAt: h.CreatedAt,
		})
	}

	prediction, err := e.inference.PredictFailure(ctx, cluster.IssueType, cluster.Size,
		cluster.Score, cluster.LocationText, histContext)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Escalated:          true,
		Priority:           e.Priority(prediction),
		Confidence:         prediction.Confidence,
		IsPreFailure:       prediction.IsPreFailure,
		FailureType:        prediction.FailureType,
		Reasoning:          prediction.Reasoning,
		EstimatedWindowHrs: prediction.EstimatedWindowHrs,
	}

	_, result.Households = e.geo.AffectedHouseholds(ctx, cluster.CenterLat, cluster.CenterLng, cluster.RadiusM)

	workOrderID, err := e.dispatchEscalation(ctx, cluster, trigger, result)
	if err != nil {
		log.Printf("  ⚠️  Escalation dispatch failed: %v", err)
	} else {
		result.WorkOrderID = workOrderID
	}

	if err := e.store.MarkClusterEscalated(ctx, cluster.ID); err != nil {
		log.Printf("  ⚠️  Failed to mark cluster escalated: %v", err)
	}

	// The prediction payload and priority land on the triggering
	// complaint so the dashboard pin reflects the escalation.
	payload, _ := json.Marshal(result)
	predJSON := string(payload)
	if err := e.store.UpdateComplaint(ctx, trigger.ID, store.ComplaintUpdate{
		Priority:   &result.Priority,
		Prediction: &predJSON,
	}); err != nil {
		log.Printf("  ⚠️  Failed to record prediction on %s: %v", trigger.ID, err)
	}
	trigger.Priority = result.Priority
	trigger.Prediction = predJSON

	e.broadcaster.Publish(events.Event{
		Type:        "prediction",
		ComplaintID: trigger.ID,
		Lat:         trigger.Lat,
		Lng:         trigger.Lng,
		Priority:    result.Priority,
		IssueType:   cluster.IssueType,
		ClusterSize: cluster.Size,
		Prediction:  result,
		Timestamp:   time.Now().UTC(),
	})

	log.Printf("  ✓ Cluster %s escalated to %s (confidence %.0f%%, pre-failure=%v)",
		cluster.ID, result.Priority, result.Confidence, result.IsPreFailure)
	return result, nil
}

// dispatchEscalation creates the escalation work order and emails the
// responsible officer.
func (e *Escalator) dispatchEscalation(ctx context.Context, cluster *store.Cluster, trigger *store.Complaint, result Result) (string, error) {
	authorityKey, _ := directory.NearestAuthority(cluster.CenterLat, cluster.CenterLng, 0.15)
	entry := e.resolver.Resolve(ctx, authorityKey, trigger.Ward, cluster.IssueType)

	workOrderID := store.GenID("WO")
	body := mail.EscalationBody{
		WorkOrderID:        workOrderID,
		ClusterID:          cluster.ID,
		IssueType:          cluster.IssueType,
		Priority:           result.Priority,
		Size:               cluster.Size,
		Score:              cluster.Score,
		LocationText:       cluster.LocationText,
		FailureType:        result.FailureType,
		Reasoning:          result.Reasoning,
		EstimatedWindowHrs: result.EstimatedWindowHrs,
		Households:         result.Households,
		OfficerName:        entry.OfficerName,
		Department:         entry.Department,
	}

	html := body.HTML()
	workOrder := &store.WorkOrder{
		ID:          workOrderID,
		ComplaintID: trigger.ID,
		ClusterID:   cluster.ID,
		Department:  entry.Department,
		DeptEmail:   entry.Email,
		OfficerName: entry.OfficerName,
		EmailBody:   html,
	}
	if _, err := e.store.CreateWorkOrder(ctx, workOrder); err != nil {
		return "", fmt.Errorf("failed to create escalation work order: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s Escalation: %s cluster at %s",
		workOrderID, result.Priority, cluster.IssueType, cluster.LocationText)
	if err := e.mailer.Send(ctx, entry.Email, nil, subject, html, ""); err != nil {
		log.Printf("  ⚠️  Escalation email failed: %v", err)
	}
	return workOrderID, nil
}
