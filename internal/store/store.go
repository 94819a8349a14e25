// Package store provides the persistent record store for complaints,
// clusters, and work orders.
//
// This package implements CRUD plus filtered queries over a SQLite
// database. SQLite gives per-statement atomicity, which is all the
// pipeline relies on: concurrent updates to the same record are
// last-write-wins.
//
// Thread-safety:
//   - database/sql connections are safe for concurrent use
//   - No additional locking needed
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Complaint is a citizen-submitted civic complaint record.
//
// Owned exclusively by this store; mutated only through the pipeline
// orchestrator and status tracker.
type Complaint struct {
	ID            string
	IssueType     string
	Description   string
	LocationText  string
	Lat           *float64 // nil when the submission carried no coordinates
	Lng           *float64
	Ward          string
	Zone          string
	Severity      string // low / moderate / high
	Status        string // open / in_progress / resolved / closed
	Priority      string // P1 / P2 / P3
	ClusterID     string // weak back-reference, empty when unclustered
	ImageURL      string
	StreetViewURL string
	CitizenEmail  string
	Department    string
	OfficerName   string
	DeptEmail     string
	WorkOrderID   string
	Prediction    string // JSON payload from the prediction escalator
	SubmittedAt   time.Time
	ResolvedAt    *time.Time
}

// Cluster is a spatial group of same-type complaints.
//
// Created by the geo-cluster engine when the formation threshold is met;
// referenced, never owned, by member complaints.
type Cluster struct {
	ID           string
	IssueType    string
	CenterLat    float64
	CenterLng    float64
	RadiusM      int
	Size         int
	Score        float64
	Priority     string // pending / escalated
	LocationText string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkOrder is a dispatched remediation task.
//
// Immutable after creation except replied_at/status, set by the
// status tracker.
type WorkOrder struct {
	ID          string
	ComplaintID string
	ClusterID   string
	Department  string
	DeptEmail   string
	OfficerName string
	EmailBody   string
	Status      string
	SentAt      time.Time
	RepliedAt   *time.Time
}

// NearbyComplaint is a clustering candidate returned by FindNearby.
type NearbyComplaint struct {
	ID          string
	Lat         float64
	Lng         float64
	Severity    string
	ClusterID   string // empty when the candidate is not yet clustered
	SubmittedAt time.Time
}

// ComplaintUpdate carries the optional fields of a partial complaint
// update. Nil pointers leave the column untouched.
type ComplaintUpdate struct {
	Status      *string
	Priority    *string
	ClusterID   *string
	WorkOrderID *string
	Prediction  *string
	Department  *string
	DeptEmail   *string
	OfficerName *string
}

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// GenID builds a short record id like "CIV-3F2A91BC".
//
// The prefix identifies the record kind (CIV/CLU/WO); the suffix is the
// first 8 hex characters of a random UUID, uppercased.
func GenID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", prefix, strings.ToUpper(raw[:8]))
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS complaints (
			id             TEXT PRIMARY KEY,
			issue_type     TEXT NOT NULL,
			description    TEXT,
			location_text  TEXT,
			lat            REAL,
			lng            REAL,
			ward           TEXT,
			zone           TEXT,
			severity       TEXT,
			status         TEXT NOT NULL DEFAULT 'open',
			priority       TEXT NOT NULL DEFAULT 'P3',
			cluster_id     TEXT,
			image_url      TEXT,
			streetview_url TEXT,
			citizen_email  TEXT,
			department     TEXT,
			officer_name   TEXT,
			dept_email     TEXT,
			work_order_id  TEXT,
			prediction     TEXT,
			submitted_at   DATETIME NOT NULL,
			resolved_at    DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_complaints_type_time
			ON complaints (issue_type, submitted_at)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			id            TEXT PRIMARY KEY,
			issue_type    TEXT NOT NULL,
			center_lat    REAL,
			center_lng    REAL,
			radius_m      INTEGER,
			size          INTEGER NOT NULL DEFAULT 1,
			score         REAL NOT NULL DEFAULT 0,
			priority      TEXT NOT NULL DEFAULT 'pending',
			location_text TEXT,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS work_orders (
			id           TEXT PRIMARY KEY,
			complaint_id TEXT NOT NULL,
			cluster_id   TEXT,
			department   TEXT,
			dept_email   TEXT,
			officer_name TEXT,
			email_body   TEXT,
			status       TEXT NOT NULL DEFAULT 'sent',
			sent_at      DATETIME NOT NULL,
			replied_at   DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateComplaint inserts a new complaint and returns its generated id.
//
// The record starts with status "open" and priority "P3"; submitted_at is
// set here, not by the caller.
func (s *Store) CreateComplaint(ctx context.Context, c *Complaint) (string, error) {
	if c.ID == "" {
		c.ID = GenID("CIV")
	}
	if c.Status == "" {
		c.Status = "open"
	}
	if c.Priority == "" {
		c.Priority = "P3"
	}
	c.SubmittedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `INSERT INTO complaints (
		id, issue_type, description, location_text, lat, lng, ward, zone,
		severity, status, priority, cluster_id, image_url, streetview_url,
		citizen_email, department, officer_name, dept_email, work_order_id,
		prediction, submitted_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.IssueType, c.Description, c.LocationText, c.Lat, c.Lng,
		c.Ward, c.Zone, c.Severity, c.Status, c.Priority, c.ClusterID,
		c.ImageURL, c.StreetViewURL, c.CitizenEmail, c.Department,
		c.OfficerName, c.DeptEmail, c.WorkOrderID, c.Prediction,
		c.SubmittedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to insert complaint: %w", err)
	}
	return c.ID, nil
}

const complaintColumns = `id, issue_type, description, location_text, lat, lng,
	ward, zone, severity, status, priority, cluster_id, image_url,
	streetview_url, citizen_email, department, officer_name, dept_email,
	work_order_id, prediction, submitted_at, resolved_at`

// GetComplaint fetches a single complaint by id.
//
// Returns (nil, nil) when the id is unknown; callers translate that into
// a NotFoundError at the API boundary.
func (s *Store) GetComplaint(ctx context.Context, id string) (*Complaint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE id = ?`, id)
	c, err := scanComplaint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateComplaint applies a partial update to a complaint.
//
// When the status becomes "resolved", resolved_at is stamped as a side
// effect (matching the portal's resolution semantics).
func (s *Store) UpdateComplaint(ctx context.Context, id string, u ComplaintUpdate) error {
	sets := []string{}
	args := []interface{}{}

	add := func(col string, val *string) {
		if val != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *val)
		}
	}
	add("status", u.Status)
	add("priority", u.Priority)
	add("cluster_id", u.ClusterID)
	add("work_order_id", u.WorkOrderID)
	add("prediction", u.Prediction)
	add("department", u.Department)
	add("dept_email", u.DeptEmail)
	add("officer_name", u.OfficerName)

	if u.Status != nil && *u.Status == "resolved" {
		sets = append(sets, "resolved_at = ?")
		args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	}

	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE complaints SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update complaint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complaint %s not found", id)
	}
	return nil
}

// UpdateClassification records the image-analysis outcome on a
// complaint.
func (s *Store) UpdateClassification(ctx context.Context, id, issueType, severity, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE complaints SET issue_type = ?, severity = ?, description = ? WHERE id = ?`,
		issueType, severity, description, id)
	if err != nil {
		return fmt.Errorf("failed to update classification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complaint %s not found", id)
	}
	return nil
}

// UpdateLocation records the resolved coordinates and administrative
// context on a complaint.
func (s *Store) UpdateLocation(ctx context.Context, id string, lat, lng float64, locationText, ward, zone, streetViewURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE complaints SET lat = ?, lng = ?, location_text = ?, ward = ?, zone = ?, streetview_url = ?
		 WHERE id = ?`,
		lat, lng, locationText, ward, zone, streetViewURL, id)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complaint %s not found", id)
	}
	return nil
}

// ListComplaints returns complaints matching the optional filters,
// newest first, capped at limit (100 when zero).
func (s *Store) ListComplaints(ctx context.Context, status, issueType string, limit int) ([]*Complaint, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + complaintColumns + ` FROM complaints`
	where := []string{}
	args := []interface{}{}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if issueType != "" {
		where = append(where, "issue_type = ?")
		args = append(args, issueType)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListComplaintsSince returns complaints submitted within the lookback
// window, optionally filtered. Used by the analytics trend queries.
func (s *Store) ListComplaintsSince(ctx context.Context, since time.Time) ([]*Complaint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+complaintColumns+` FROM complaints
		 WHERE submitted_at >= ? ORDER BY submitted_at DESC`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindNearby returns clustering candidates: complaints of the given
// issue type submitted since the cutoff that carry coordinates,
// excluding the complaint being evaluated.
//
// Radius filtering is NOT done here; the geo-cluster engine applies its
// own distance function so the metric stays swappable.
func (s *Store) FindNearby(ctx context.Context, issueType string, since time.Time, excludeID string) ([]NearbyComplaint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lat, lng, severity, cluster_id, submitted_at FROM complaints
		 WHERE issue_type = ? AND submitted_at >= ? AND id != ?
		   AND lat IS NOT NULL AND lng IS NOT NULL`,
		issueType, since.UTC().Format(time.RFC3339Nano), excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NearbyComplaint
	for rows.Next() {
		var n NearbyComplaint
		var severity, clusterID sql.NullString
		var submitted string
		if err := rows.Scan(&n.ID, &n.Lat, &n.Lng, &severity, &clusterID, &submitted); err != nil {
			return nil, err
		}
		n.Severity = severity.String
		n.ClusterID = clusterID.String
		n.SubmittedAt = parseTime(submitted)
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetCluster fetches a single cluster by id; (nil, nil) when unknown.
func (s *Store) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, issue_type, center_lat, center_lng, radius_m, size, score,
		        priority, location_text, created_at, updated_at
		 FROM clusters WHERE id = ?`, id)

	var c Cluster
	var locationText sql.NullString
	var created, updated string
	err := row.Scan(&c.ID, &c.IssueType, &c.CenterLat, &c.CenterLng, &c.RadiusM,
		&c.Size, &c.Score, &c.Priority, &locationText, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LocationText = locationText.String
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// UpdateClusterStats refreshes a cluster's size, score, and center after
// a new member joins.
func (s *Store) UpdateClusterStats(ctx context.Context, id string, size int, score, centerLat, centerLng float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET size = ?, score = ?, center_lat = ?, center_lng = ?, updated_at = ?
		 WHERE id = ?`,
		size, score, centerLat, centerLng,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// CreateCluster inserts a new cluster record and returns its id.
func (s *Store) CreateCluster(ctx context.Context, c *Cluster) (string, error) {
	if c.ID == "" {
		c.ID = GenID("CLU")
	}
	if c.Priority == "" {
		c.Priority = "pending"
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO clusters (
		id, issue_type, center_lat, center_lng, radius_m, size, score,
		priority, location_text, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.IssueType, c.CenterLat, c.CenterLng, c.RadiusM, c.Size,
		c.Score, c.Priority, c.LocationText,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to insert cluster: %w", err)
	}
	return c.ID, nil
}

// MarkClusterEscalated flips a cluster's priority from pending to
// escalated after the prediction escalator dispatches a work order.
func (s *Store) MarkClusterEscalated(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET priority = 'escalated', updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// HistoricalClusters fetches up to limit past clusters of the same issue
// type with at least minSize members, most recent first. This is the
// history context handed to the failure predictor.
func (s *Store) HistoricalClusters(ctx context.Context, issueType string, minSize, limit int) ([]*Cluster, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_type, center_lat, center_lng, radius_m, size, score,
		        priority, location_text, created_at, updated_at
		 FROM clusters
		 WHERE issue_type = ? AND size >= ?
		 ORDER BY created_at DESC LIMIT ?`,
		issueType, minSize, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		var c Cluster
		var locationText sql.NullString
		var created, updated string
		if err := rows.Scan(&c.ID, &c.IssueType, &c.CenterLat, &c.CenterLng,
			&c.RadiusM, &c.Size, &c.Score, &c.Priority, &locationText,
			&created, &updated); err != nil {
			return nil, err
		}
		c.LocationText = locationText.String
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateWorkOrder inserts a dispatched work order and returns its id.
func (s *Store) CreateWorkOrder(ctx context.Context, w *WorkOrder) (string, error) {
	if w.ID == "" {
		w.ID = GenID("WO")
	}
	if w.Status == "" {
		w.Status = "sent"
	}
	w.SentAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `INSERT INTO work_orders (
		id, complaint_id, cluster_id, department, dept_email, officer_name,
		email_body, status, sent_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ComplaintID, w.ClusterID, w.Department, w.DeptEmail,
		w.OfficerName, w.EmailBody, w.Status,
		w.SentAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to insert work order: %w", err)
	}
	return w.ID, nil
}

// MarkWorkOrderReplied stamps replied_at and the reply status on a work
// order when the department answers.
func (s *Store) MarkWorkOrderReplied(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE work_orders SET status = ?, replied_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComplaint(r rowScanner) (*Complaint, error) {
	var c Complaint
	var description, locationText, ward, zone, severity, clusterID sql.NullString
	var imageURL, streetViewURL, citizenEmail, department sql.NullString
	var officerName, deptEmail, workOrderID, prediction sql.NullString
	var lat, lng sql.NullFloat64
	var submitted string
	var resolved sql.NullString

	err := r.Scan(&c.ID, &c.IssueType, &description, &locationText, &lat, &lng,
		&ward, &zone, &severity, &c.Status, &c.Priority, &clusterID,
		&imageURL, &streetViewURL, &citizenEmail, &department, &officerName,
		&deptEmail, &workOrderID, &prediction, &submitted, &resolved)
	if err != nil {
		return nil, err
	}

	c.Description = description.String
	c.LocationText = locationText.String
	c.Ward = ward.String
	c.Zone = zone.String
	c.Severity = severity.String
	c.ClusterID = clusterID.String
	c.ImageURL = imageURL.String
	c.StreetViewURL = streetViewURL.String
	c.CitizenEmail = citizenEmail.String
	c.Department = department.String
	c.OfficerName = officerName.String
	c.DeptEmail = deptEmail.String
	c.WorkOrderID = workOrderID.String
	c.Prediction = prediction.String
	if lat.Valid {
		v := lat.Float64
		c.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		c.Lng = &v
	}
	c.SubmittedAt = parseTime(submitted)
	if resolved.Valid && resolved.String != "" {
		t := parseTime(resolved.String)
		c.ResolvedAt = &t
	}
	return &c, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// SQLite may hand back its own datetime format for rows written
		// by other tools; tolerate it rather than dropping the record.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}
