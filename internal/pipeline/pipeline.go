// Package pipeline orchestrates the complaint lifecycle: classify the
// photo, resolve the location, dispatch a work order, cluster, and
// escalate when prediction warrants it.
//
// The pipeline is a resumable stage machine over the persisted complaint
// record. Each stage declares when it is already done by inspecting the
// record, so re-processing a complaint skips completed stages instead of
// repeating side effects.
//
// Failure policy: a stage failure logs, leaves the stage's safe default
// in place, and lets the remaining stages run. The one exception is a
// provider rate limit, which aborts and surfaces to the caller as
// backpressure.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"civiq/internal/cerrors"
	"civiq/internal/directory"
	"civiq/internal/events"
	"civiq/internal/geocluster"
	"civiq/internal/geocode"
	"civiq/internal/inference"
	"civiq/internal/mail"
	"civiq/internal/predict"
	"civiq/internal/store"
	"civiq/internal/translate"
)

// Submission is a raw citizen complaint before processing.
type Submission struct {
	ComplaintID  string // pre-minted id so the intake ack can carry it
	ImagePath    string
	ImageURL     string
	LocationText string
	Lat          *float64
	Lng          *float64
	Description  string
	CitizenEmail string
}

// Summary is the synchronous acknowledgement returned to the citizen
// while the heavier stages may still be running.
type Summary struct {
	ComplaintID string `json:"complaint_id"`
	IssueType   string `json:"issue_type"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	ClusterID   string `json:"cluster_id,omitempty"`
	Message     string `json:"message"`
}

// Pipeline wires the processing stages over shared dependencies.
//
// Thread-safety: stateless; safe for concurrent Process calls from the
// worker pool.
type Pipeline struct {
	store       *store.Store
	kv          kvStore
	inference   *inference.Client
	normalizer  *translate.Normalizer
	geo         *geocode.Client
	resolver    *directory.Resolver
	mailer      *mail.Mailer
	engine      *geocluster.Engine
	escalator   *predict.Escalator
	broadcaster *events.Broadcaster
}

// kvStore is the slice of the kv contract the pipeline needs (the
// official-email cache).
type kvStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// New wires a pipeline.
func New(st *store.Store, kv kvStore, inf *inference.Client, norm *translate.Normalizer,
	geo *geocode.Client, resolver *directory.Resolver, mailer *mail.Mailer,
	engine *geocluster.Engine, escalator *predict.Escalator, broadcaster *events.Broadcaster) *Pipeline {
	return &Pipeline{
		store:       st,
		kv:          kv,
		inference:   inf,
		normalizer:  norm,
		geo:         geo,
		resolver:    resolver,
		mailer:      mailer,
		engine:      engine,
		escalator:   escalator,
		broadcaster: broadcaster,
	}
}

// pctx carries one complaint through the stages.
type pctx struct {
	complaint *store.Complaint
	imagePath string
	outcome   geocluster.Outcome
	announced bool
}

// stage is one step of the machine. done inspects the record to decide
// whether the stage already ran; run performs it.
type stage struct {
	name string
	done func(*pctx) bool
	run  func(context.Context, *pctx) error
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{name: "classify", done: func(c *pctx) bool { return c.complaint.IssueType != "" }, run: p.classify},
		{name: "locate", done: func(c *pctx) bool { return c.complaint.Lat != nil && c.complaint.Ward != "" }, run: p.locate},
		{name: "announce", done: func(c *pctx) bool { return c.announced }, run: p.announce},
		{name: "dispatch", done: func(c *pctx) bool { return c.complaint.WorkOrderID != "" }, run: p.dispatch},
		{name: "cluster", done: func(c *pctx) bool { return c.complaint.ClusterID != "" }, run: p.cluster},
		{name: "predict", done: func(c *pctx) bool { return c.complaint.Prediction != "" }, run: p.predict},
	}
}

// Process runs a fresh submission through every stage.
//
// The record is persisted before the first stage so a crash mid-pipeline
// leaves a resumable complaint rather than a lost one.
func (p *Pipeline) Process(ctx context.Context, sub Submission) (*Summary, error) {
	c := &store.Complaint{
		ID:           sub.ComplaintID,
		LocationText: strings.TrimSpace(sub.LocationText),
		Description:  strings.TrimSpace(sub.Description),
		Lat:          sub.Lat,
		Lng:          sub.Lng,
		ImageURL:     sub.ImageURL,
		CitizenEmail: strings.TrimSpace(sub.CitizenEmail),
	}

	// Vernacular text is normalized once, up front, so every later
	// consumer (classification prompt, emails, clustering location)
	// sees English.
	if c.Description != "" {
		normalized, err := p.normalizer.ToEnglish(ctx, c.Description)
		if err != nil {
			log.Printf("  ⚠️  Description normalization failed: %v", err)
		} else {
			c.Description = normalized
		}
	}
	if c.LocationText != "" {
		normalized, err := p.normalizer.ToEnglish(ctx, c.LocationText)
		if err != nil {
			log.Printf("  ⚠️  Location normalization failed: %v", err)
		} else {
			c.LocationText = normalized
		}
	}

	if _, err := p.store.CreateComplaint(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist complaint: %w", err)
	}
	log.Printf("📋 Processing complaint %s", c.ID)

	pc := &pctx{complaint: c, imagePath: sub.ImagePath}
	if err := p.runStages(ctx, pc); err != nil {
		return nil, err
	}
	return p.summarize(pc), nil
}

// Resume re-runs the stage machine for an already stored complaint,
// skipping everything the record shows as done.
func (p *Pipeline) Resume(ctx context.Context, complaintID string) (*Summary, error) {
	c, err := p.store.GetComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, cerrors.NewNotFoundError("complaint", complaintID)
	}
	log.Printf("📋 Resuming complaint %s", c.ID)

	pc := &pctx{complaint: c, announced: true}
	if err := p.runStages(ctx, pc); err != nil {
		return nil, err
	}
	return p.summarize(pc), nil
}

func (p *Pipeline) runStages(ctx context.Context, pc *pctx) error {
	for _, st := range p.stages() {
		if st.done(pc) {
			log.Printf("  → Stage %s: already done, skipping", st.name)
			continue
		}
		if err := st.run(ctx, pc); err != nil {
			if cerrors.IsRateLimit(err) {
				return err
			}
			log.Printf("  ⚠️  Stage %s failed: %v (continuing with defaults)", st.name, err)
		}
	}
	log.Printf("✓ Complaint %s processed: %s/%s status=%s priority=%s",
		pc.complaint.ID, pc.complaint.IssueType, pc.complaint.Severity,
		pc.complaint.Status, pc.complaint.Priority)
	return nil
}

// classify runs image analysis and fills issue type, severity, and
// description. Failures land the safe default classification.
func (p *Pipeline) classify(ctx context.Context, pc *pctx) error {
	c := pc.complaint

	analysis := inference.DefaultAnalysis()
	var analyzeErr error
	if pc.imagePath != "" {
		analysis, analyzeErr = p.inference.AnalyzeImage(ctx, pc.imagePath)
		if cerrors.IsRateLimit(analyzeErr) {
			return analyzeErr
		}
	}

	c.IssueType = analysis.IssueType
	c.Severity = analysis.Severity
	if c.Description == "" {
		c.Description = analysis.Description
	} else if analysis.Confidence > 0 {
		c.Description = analysis.Description + " Citizen note: " + c.Description
	}

	if err := p.store.UpdateClassification(ctx, c.ID, c.IssueType, c.Severity, c.Description); err != nil {
		return err
	}
	if analyzeErr != nil {
		return analyzeErr
	}
	log.Printf("  ✓ Classified as %s (%s, %.0f%% confidence)", c.IssueType, c.Severity, analysis.Confidence)
	return nil
}

// locate fills coordinates, ward/zone, and the street-view link.
func (p *Pipeline) locate(ctx context.Context, pc *pctx) error {
	c := pc.complaint

	if c.Lat == nil || c.Lng == nil {
		loc := p.geo.Geocode(ctx, c.LocationText)
		c.Lat, c.Lng = &loc.Lat, &loc.Lng
		if c.LocationText == "" {
			c.LocationText = loc.Formatted
		}
	}

	place := p.geo.ReverseGeocode(ctx, *c.Lat, *c.Lng)
	c.Ward = place.Ward
	c.Zone = place.Zone
	if c.LocationText == "" {
		c.LocationText = place.Formatted
	}
	c.StreetViewURL = geocode.StreetViewURL(*c.Lat, *c.Lng)

	if err := p.store.UpdateLocation(ctx, c.ID, *c.Lat, *c.Lng, c.LocationText, c.Ward, c.Zone, c.StreetViewURL); err != nil {
		return err
	}
	log.Printf("  ✓ Located at (%.4f, %.4f) ward=%s zone=%s", *c.Lat, *c.Lng, c.Ward, c.Zone)
	return nil
}

// announce pushes the new_pin event now that the pin has coordinates.
func (p *Pipeline) announce(_ context.Context, pc *pctx) error {
	c := pc.complaint
	p.broadcaster.Publish(events.Event{
		Type:        "new_pin",
		ComplaintID: c.ID,
		Lat:         c.Lat,
		Lng:         c.Lng,
		Status:      c.Status,
		Priority:    c.Priority,
		IssueType:   c.IssueType,
		Timestamp:   time.Now().UTC(),
	})
	pc.announced = true
	return nil
}

// dispatch resolves the responsible officer and sends the work order.
func (p *Pipeline) dispatch(ctx context.Context, pc *pctx) error {
	c := pc.complaint

	authorityKey := ""
	if c.Lat != nil && c.Lng != nil {
		authorityKey, _ = directory.NearestAuthority(*c.Lat, *c.Lng, 0.15)
		if authorityKey == "unknown" {
			authorityKey = ""
		}
	}
	entry := p.resolver.Resolve(ctx, authorityKey, c.Ward, c.IssueType)

	cc := p.officialEmailCC(ctx, authorityKey, entry)

	workOrderID := store.GenID("WO")
	body := mail.WorkOrderBody{
		WorkOrderID:   workOrderID,
		ComplaintID:   c.ID,
		IssueType:     c.IssueType,
		Severity:      c.Severity,
		Description:   c.Description,
		LocationText:  c.LocationText,
		Ward:          c.Ward,
		Zone:          c.Zone,
		StreetViewURL: c.StreetViewURL,
		OfficerName:   entry.OfficerName,
		Department:    entry.Department,
	}
	html := body.HTML()

	if _, err := p.store.CreateWorkOrder(ctx, &store.WorkOrder{
		ID:          workOrderID,
		ComplaintID: c.ID,
		Department:  entry.Department,
		DeptEmail:   entry.Email,
		OfficerName: entry.OfficerName,
		EmailBody:   html,
	}); err != nil {
		return fmt.Errorf("failed to create work order: %w", err)
	}

	subject := fmt.Sprintf("[%s] New %s complaint at %s", c.ID,
		strings.ReplaceAll(c.IssueType, "_", " "), c.LocationText)
	if err := p.mailer.Send(ctx, entry.Email, cc, subject, html, pc.imagePath); err != nil {
		log.Printf("  ⚠️  Work order email failed: %v", err)
	}

	c.WorkOrderID = workOrderID
	c.Department = entry.Department
	c.OfficerName = entry.OfficerName
	c.DeptEmail = entry.Email
	return p.store.UpdateComplaint(ctx, c.ID, store.ComplaintUpdate{
		WorkOrderID: &c.WorkOrderID,
		Department:  &c.Department,
		OfficerName: &c.OfficerName,
		DeptEmail:   &c.DeptEmail,
	})
}

// officialEmailCC returns the CC list for a work order: the cached (or
// freshly looked-up) official grievance address of the authority, when
// it differs from the directory entry's address.
func (p *Pipeline) officialEmailCC(ctx context.Context, authorityKey string, entry directory.Entry) []string {
	if authorityKey == "" {
		return nil
	}
	key := "official_email:" + authorityKey

	email, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		log.Printf("  ⚠️  Official email cache read failed: %v", err)
	}
	if !ok {
		email, err = p.inference.LookupOfficialEmail(ctx, entry.Department, entry.Municipality)
		if err != nil {
			log.Printf("  ⚠️  Official email lookup failed: %v", err)
			return nil
		}
		if email == "" {
			return nil
		}
		if err := p.kv.Set(ctx, key, email); err != nil {
			log.Printf("  ⚠️  Official email cache write failed: %v", err)
		}
		log.Printf("  ✓ Cached official email for %s: %s", authorityKey, email)
	}
	if email == "" || strings.EqualFold(email, entry.Email) {
		return nil
	}
	return []string{email}
}

// cluster evaluates the complaint against the geo-cluster rules and
// broadcasts cluster events.
func (p *Pipeline) cluster(ctx context.Context, pc *pctx) error {
	c := pc.complaint

	outcome, err := p.engine.Evaluate(ctx, c)
	if err != nil {
		return err
	}
	pc.outcome = outcome
	if !outcome.Clustered {
		return nil
	}

	if outcome.IsNew {
		p.broadcaster.Publish(events.Event{
			Type:        "new_cluster",
			ComplaintID: c.ID,
			Lat:         c.Lat,
			Lng:         c.Lng,
			IssueType:   c.IssueType,
			ClusterSize: outcome.Size,
			Timestamp:   time.Now().UTC(),
		})
	}
	p.broadcaster.Publish(events.Event{
		Type:        "pin_update",
		ComplaintID: c.ID,
		Lat:         c.Lat,
		Lng:         c.Lng,
		Status:      c.Status,
		Priority:    c.Priority,
		IssueType:   c.IssueType,
		ClusterSize: outcome.Size,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// predict hands a freshly clustered complaint to the escalator.
func (p *Pipeline) predict(ctx context.Context, pc *pctx) error {
	c := pc.complaint
	if c.ClusterID == "" {
		return nil
	}

	cluster, err := p.store.GetCluster(ctx, c.ClusterID)
	if err != nil || cluster == nil {
		return err
	}
	if cluster.Priority == "escalated" {
		return nil
	}

	_, err = p.escalator.Escalate(ctx, cluster, c)
	return err
}

func (p *Pipeline) summarize(pc *pctx) *Summary {
	c := pc.complaint
	msg := fmt.Sprintf("Complaint %s registered: %s (%s severity) at %s.",
		c.ID, strings.ReplaceAll(c.IssueType, "_", " "), c.Severity, c.LocationText)
	if c.ClusterID != "" {
		msg += fmt.Sprintf(" Part of cluster %s (%d reports nearby).", c.ClusterID, pc.outcome.Size)
	}
	if c.Department != "" {
		msg += fmt.Sprintf(" Assigned to %s.", c.Department)
	}
	return &Summary{
		ComplaintID: c.ID,
		IssueType:   c.IssueType,
		Severity:    c.Severity,
		Status:      c.Status,
		Priority:    c.Priority,
		ClusterID:   c.ClusterID,
		Message:     msg,
	}
}
