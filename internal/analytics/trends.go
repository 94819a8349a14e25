// Package analytics aggregates complaint trends for the operations
// dashboard and renders a shareable digest image.
package analytics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"civiq/internal/inference"
	"civiq/internal/store"
)

// TrendRow is the aggregate for one (zone, issue type) pair.
type TrendRow struct {
	Zone       string `json:"zone"`
	IssueType  string `json:"issue_type"`
	Total      int    `json:"total"`
	Open       int    `json:"open"`
	InProgress int    `json:"in_progress"`
	Resolved   int    `json:"resolved"`
	HighSev    int    `json:"high_severity"`
}

// Trends is the full aggregation over the lookback window.
type Trends struct {
	WindowDays  int            `json:"window_days"`
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	Rows        []TrendRow     `json:"rows"`
}

// Service computes trends from the complaint store.
type Service struct {
	store     *store.Store
	inference *inference.Client
}

// NewService creates an analytics service. The inference client is
// optional; without it summaries fall back to the deterministic text.
func NewService(st *store.Store, inf *inference.Client) *Service {
	return &Service{store: st, inference: inf}
}

// Trends aggregates complaints submitted in the last windowDays days,
// grouped by zone and issue type, busiest pairs first.
func (s *Service) Trends(ctx context.Context, windowDays int) (*Trends, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	complaints, err := s.store.ListComplaintsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	t := &Trends{
		WindowDays:  windowDays,
		GeneratedAt: time.Now().UTC(),
		Total:       len(complaints),
		ByStatus:    map[string]int{},
	}

	type key struct{ zone, issueType string }
	groups := map[key]*TrendRow{}
	for _, c := range complaints {
		t.ByStatus[c.Status]++

		zone := c.Zone
		if zone == "" {
			zone = "Unknown"
		}
		k := key{zone, c.IssueType}
		row, ok := groups[k]
		if !ok {
			row = &TrendRow{Zone: zone, IssueType: c.IssueType}
			groups[k] = row
		}
		row.Total++
		switch c.Status {
		case "open":
			row.Open++
		case "in_progress":
			row.InProgress++
		case "resolved":
			row.Resolved++
		}
		if c.Severity == "high" {
			row.HighSev++
		}
	}

	for _, row := range groups {
		t.Rows = append(t.Rows, *row)
	}
	sort.Slice(t.Rows, func(i, j int) bool {
		if t.Rows[i].Total != t.Rows[j].Total {
			return t.Rows[i].Total > t.Rows[j].Total
		}
		if t.Rows[i].Zone != t.Rows[j].Zone {
			return t.Rows[i].Zone < t.Rows[j].Zone
		}
		return t.Rows[i].IssueType < t.Rows[j].IssueType
	})
	return t, nil
}

// SummarizeTrends produces a short narrative over the trend window.
//
// The model writes the narrative when inference is available; otherwise
// (or on provider failure) the deterministic summary built from the
// aggregates is returned.
func (s *Service) SummarizeTrends(ctx context.Context, windowDays int) (string, *Trends, error) {
	t, err := s.Trends(ctx, windowDays)
	if err != nil {
		return "", nil, err
	}

	fallback := plainSummary(t)
	if t.Total == 0 {
		return fallback, t, nil
	}

	narrative, err := s.inference.Summarize(ctx, trendsText(t))
	if err != nil {
		log.Printf("  ⚠️  Trend summary inference failed: %v", err)
		return fallback, t, nil
	}
	if narrative == "" {
		return fallback, t, nil
	}
	return narrative, t, nil
}

// plainSummary is the deterministic narrative used when inference is
// unavailable.
func plainSummary(t *Trends) string {
	if t.Total == 0 {
		return fmt.Sprintf("No complaints were submitted in the last %d days.", t.WindowDays)
	}
	top := t.Rows[0]
	summary := fmt.Sprintf("%d complaints in the last %d days. Busiest: %s in %s (%d reports).",
		t.Total, t.WindowDays, strings.ReplaceAll(top.IssueType, "_", " "), top.Zone, top.Total)
	if open := t.ByStatus["open"]; open > 0 {
		summary += fmt.Sprintf(" %d still open.", open)
	}
	return summary
}

// trendsText flattens the aggregates into the prompt fed to the model.
func trendsText(t *Trends) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Window: last %d days, %d complaints total.\n", t.WindowDays, t.Total)
	for status, n := range t.ByStatus {
		fmt.Fprintf(&sb, "Status %s: %d\n", status, n)
	}
	for _, r := range t.Rows {
		fmt.Fprintf(&sb, "Zone %s / %s: %d total, %d open, %d in progress, %d resolved, %d high severity\n",
			r.Zone, r.IssueType, r.Total, r.Open, r.InProgress, r.Resolved, r.HighSev)
	}
	return sb.String()
}
