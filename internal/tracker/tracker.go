// Package tracker owns complaint status transitions: manual updates
// through the API, and automatic updates parsed out of officer email
// replies.
//
// Every transition is appended to an immutable per-complaint log in the
// kv store and broadcast to live dashboards. Setting a complaint to its
// current status is a recognized no-op: no log entry, no email, no event.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"civiq/internal/cerrors"
	"civiq/internal/events"
	"civiq/internal/inference"
	"civiq/internal/kv"
	"civiq/internal/mail"
	"civiq/internal/store"
)

// validStatuses is the complete lifecycle enum.
var validStatuses = map[string]bool{
	"open":        true,
	"in_progress": true,
	"resolved":    true,
	"closed":      true,
}

// complaintIDPattern finds a complaint reference in a reply subject or
// body.
var complaintIDPattern = regexp.MustCompile(`CIV-[0-9A-F]{8}`)

// Transition is one entry of the append-only status log.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedBy string    `json:"changed_by"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker applies and records status changes.
//
// Thread-safety: safe for concurrent use; the log append is
// read-modify-write on the kv store, where last-write-wins matches the
// store's overall consistency model.
type Tracker struct {
	store       *store.Store
	kv          kv.Store
	inference   *inference.Client
	mailer      *mail.Mailer
	broadcaster *events.Broadcaster
}

// New wires a status tracker.
func New(st *store.Store, kvs kv.Store, inf *inference.Client, mailer *mail.Mailer, broadcaster *events.Broadcaster) *Tracker {
	return &Tracker{store: st, kv: kvs, inference: inf, mailer: mailer, broadcaster: broadcaster}
}

func logKey(complaintID string) string {
	return "status_log:" + complaintID
}

// UpdateStatus transitions a complaint to newStatus on behalf of a
// manual API change.
//
// Returns the updated complaint and whether anything changed. Errors:
// ValidationError for an unknown status, NotFoundError for an unknown
// complaint. A transition to the current status returns (complaint,
// false, nil) without side effects.
func (t *Tracker) UpdateStatus(ctx context.Context, complaintID, newStatus, changedBy string) (*store.Complaint, bool, error) {
	return t.applyStatus(ctx, complaintID, newStatus, changedBy, "status_update")
}

// applyStatus performs the transition and broadcasts it under the given
// event type: status_update for manual API changes, pin_update for
// reply-driven ones.
func (t *Tracker) applyStatus(ctx context.Context, complaintID, newStatus, changedBy, eventType string) (*store.Complaint, bool, error) {
	newStatus = strings.ToLower(strings.TrimSpace(newStatus))
	if !validStatuses[newStatus] {
		return nil, false, cerrors.NewValidationError(
			fmt.Sprintf("invalid status %q: must be one of open, in_progress, resolved, closed", newStatus))
	}

	c, err := t.store.GetComplaint(ctx, complaintID)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, cerrors.NewNotFoundError("complaint", complaintID)
	}

	if c.Status == newStatus {
		log.Printf("  → Status of %s already %s, no change", complaintID, newStatus)
		return c, false, nil
	}

	from := c.Status
	if err := t.store.UpdateComplaint(ctx, complaintID, store.ComplaintUpdate{Status: &newStatus}); err != nil {
		return nil, false, err
	}
	c.Status = newStatus
	if newStatus == "resolved" {
		now := time.Now().UTC()
		c.ResolvedAt = &now
	}

	t.appendTransition(ctx, complaintID, Transition{
		From:      from,
		To:        newStatus,
		ChangedBy: changedBy,
		Timestamp: time.Now().UTC(),
	})

	t.broadcaster.Publish(events.Event{
		Type:        eventType,
		ComplaintID: c.ID,
		Lat:         c.Lat,
		Lng:         c.Lng,
		Status:      c.Status,
		Priority:    c.Priority,
		IssueType:   c.IssueType,
		Timestamp:   time.Now().UTC(),
	})

	if newStatus == "resolved" && c.CitizenEmail != "" {
		subject := fmt.Sprintf("[%s] Your complaint has been resolved", c.ID)
		body := mail.CitizenAckBody(c.ID, c.IssueType, c.LocationText)
		if err := t.mailer.Send(ctx, c.CitizenEmail, nil, subject, body, ""); err != nil {
			log.Printf("  ⚠️  Citizen notification failed: %v", err)
		}
	}

	log.Printf("  ✓ %s: %s → %s (by %s)", complaintID, from, newStatus, changedBy)
	return c, true, nil
}

// GetHistory returns the recorded transitions for a complaint, oldest
// first. A complaint with no transitions yet yields an empty list; an
// unknown complaint yields NotFoundError.
func (t *Tracker) GetHistory(ctx context.Context, complaintID string) ([]Transition, error) {
	c, err := t.store.GetComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, cerrors.NewNotFoundError("complaint", complaintID)
	}

	raw, ok, err := t.kv.Get(ctx, logKey(complaintID))
	if err != nil || !ok {
		return []Transition{}, err
	}
	var transitions []Transition
	if err := json.Unmarshal([]byte(raw), &transitions); err != nil {
		return nil, fmt.Errorf("corrupt status log for %s: %w", complaintID, err)
	}
	return transitions, nil
}

// appendTransition appends to the status log. Log failures never fail
// the transition itself.
func (t *Tracker) appendTransition(ctx context.Context, complaintID string, tr Transition) {
	key := logKey(complaintID)

	var transitions []Transition
	if raw, ok, err := t.kv.Get(ctx, key); err == nil && ok {
		if err := json.Unmarshal([]byte(raw), &transitions); err != nil {
			log.Printf("  ⚠️  Resetting corrupt status log for %s", complaintID)
			transitions = nil
		}
	}
	transitions = append(transitions, tr)

	data, err := json.Marshal(transitions)
	if err != nil {
		log.Printf("  ⚠️  Failed to marshal status log: %v", err)
		return
	}
	if err := t.kv.Set(ctx, key, string(data)); err != nil {
		log.Printf("  ⚠️  Failed to write status log: %v", err)
	}
}

// HandleReply processes an inbound officer email identified by a Gmail
// history cursor.
//
// Flow:
//  1. fetch the newest message for the cursor
//  2. find the complaint reference in subject or body
//  3. classify the reply: keywords first, model fallback
//  4. apply the implied status change and stamp the work order
//
// Unmatchable or acknowledgement-only replies are logged and dropped;
// reply handling never errors back to the push endpoint.
func (t *Tracker) HandleReply(ctx context.Context, historyID string) {
	msg, err := t.mailer.LatestMessage(ctx, historyID)
	if err != nil {
		log.Printf("  ⚠️  Failed to fetch reply for history %s: %v", historyID, err)
		return
	}
	if msg == nil {
		log.Printf("  → No new message at history %s", historyID)
		return
	}

	complaintID := complaintIDPattern.FindString(msg.Subject)
	if complaintID == "" {
		complaintID = complaintIDPattern.FindString(msg.Body)
	}
	if complaintID == "" {
		log.Printf("  → Reply from %s has no complaint reference, ignoring", msg.From)
		return
	}

	newStatus := classifyReply(msg.Subject + " " + msg.Body)
	if newStatus == "" {
		parsed, err := t.inference.ParseStatusReply(ctx, msg.Subject, msg.Body)
		if err != nil {
			log.Printf("  ⚠️  Reply interpretation failed: %v", err)
			return
		}
		newStatus = parsed.Status
	}
	if newStatus == "" {
		log.Printf("  → Reply for %s is an acknowledgement, no status change", complaintID)
		return
	}

	c, changed, err := t.applyStatus(ctx, complaintID, newStatus, msg.From, "pin_update")
	if err != nil {
		log.Printf("  ⚠️  Reply-driven update for %s failed: %v", complaintID, err)
		return
	}
	if changed && c.WorkOrderID != "" {
		if err := t.store.MarkWorkOrderReplied(ctx, c.WorkOrderID, newStatus); err != nil {
			log.Printf("  ⚠️  Failed to stamp work order %s: %v", c.WorkOrderID, err)
		}
	}
}

// classifyReply maps common officer phrasing to a status. Returns ""
// when the text is only an acknowledgement or unclassifiable.
func classifyReply(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range []string{"done", "fixed", "completed", "resolved"} {
		if strings.Contains(lower, kw) {
			return "resolved"
		}
	}
	for _, kw := range []string{"in progress", "working", "started", "work begun"} {
		if strings.Contains(lower, kw) {
			return "in_progress"
		}
	}
	return ""
}
