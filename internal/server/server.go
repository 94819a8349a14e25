// Package server exposes the HTTP API: complaint intake, status
// management, the live event stream, the Gmail push inbox, and the
// analytics endpoints.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"civiq/internal/analytics"
	"civiq/internal/cerrors"
	"civiq/internal/events"
	"civiq/internal/geocode"
	"civiq/internal/pipeline"
	"civiq/internal/store"
	"civiq/internal/tracker"
)

const maxUploadBytes = 10 << 20 // 10 MB per complaint photo

// Server holds the API's dependencies.
type Server struct {
	store       *store.Store
	pool        *pipeline.WorkerPool
	tracker     *tracker.Tracker
	geo         *geocode.Client
	analytics   *analytics.Service
	broadcaster *events.Broadcaster
	monitor     *Monitor
	uploadDir   string
}

// New wires the HTTP server.
func New(st *store.Store, pool *pipeline.WorkerPool, tr *tracker.Tracker,
	geo *geocode.Client, an *analytics.Service, broadcaster *events.Broadcaster,
	monitor *Monitor, uploadDir string) *Server {
	return &Server{
		store:       st,
		pool:        pool,
		tracker:     tr,
		geo:         geo,
		analytics:   an,
		broadcaster: broadcaster,
		monitor:     monitor,
		uploadDir:   uploadDir,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /complaint", s.handleSubmit)
	mux.HandleFunc("GET /complaints", s.handleList)
	mux.HandleFunc("GET /complaints/{id}", s.handleGet)
	mux.HandleFunc("PATCH /complaints/{id}/status", s.handleStatusUpdate)
	mux.HandleFunc("GET /complaints/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("POST /inbox", s.handleInbox)
	mux.HandleFunc("GET /reverse-geocode", s.handleReverseGeocode)
	mux.HandleFunc("GET /analytics/trends", s.handleTrends)
	mux.HandleFunc("GET /analytics/summary", s.handleSummary)
	mux.HandleFunc("GET /analytics/digest.png", s.handleDigest)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start runs the HTTP server until it fails.
func (s *Server) Start(port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("✓ HTTP server listening on :%s", port)
	return srv.ListenAndServe()
}

// handleSubmit accepts a multipart complaint submission and queues it
// for processing. The citizen gets an immediate acknowledgement; the
// heavy stages run on the worker pool.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, cerrors.NewValidationError("expected multipart form data with an image"))
		return
	}

	sub := pipeline.Submission{
		LocationText: r.FormValue("location"),
		Description:  r.FormValue("description"),
		CitizenEmail: r.FormValue("citizen_email"),
	}

	if latStr, lngStr := r.FormValue("lat"), r.FormValue("lng"); latStr != "" && lngStr != "" {
		lat, err1 := strconv.ParseFloat(latStr, 64)
		lng, err2 := strconv.ParseFloat(lngStr, 64)
		if err1 != nil || err2 != nil {
			writeError(w, cerrors.NewValidationError("lat and lng must be decimal degrees"))
			return
		}
		sub.Lat, sub.Lng = &lat, &lng
	}

	if sub.LocationText == "" && sub.Lat == nil {
		writeError(w, cerrors.NewValidationError("either location text or lat/lng coordinates are required"))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, cerrors.NewValidationError("a complaint photo is required"))
		return
	}
	defer file.Close()
	path, saveErr := s.saveUpload(file, header.Filename)
	if saveErr != nil {
		// The photo could not be stored; the complaint still proceeds
		// with the default classification.
		log.Printf("⚠️  Failed to save upload: %v", saveErr)
	} else {
		sub.ImagePath = path
		sub.ImageURL = "/uploads/" + filepath.Base(path)
	}

	// The id is minted here so the acknowledgement can carry it before
	// the pipeline runs.
	sub.ComplaintID = store.GenID("CIV")

	if !s.pool.Submit(sub) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "rejected",
			"message": "Processing queue is full, please retry shortly",
		})
		return
	}
	s.monitor.RecordSubmission()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":       "processing",
		"complaint_id": sub.ComplaintID,
		"message":      "Complaint received and queued for triage. Watch the live map for updates.",
	})
}

func (s *Server) saveUpload(file io.Reader, original string) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext != ".png" && ext != ".webp" {
		ext = ".jpg"
	}
	path := filepath.Join(s.uploadDir, store.GenID("IMG")+ext)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	complaints, err := s.store.ListComplaints(r.Context(),
		r.URL.Query().Get("status"), r.URL.Query().Get("issue_type"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(complaints),
		"complaints": complaintsJSON(complaints),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.GetComplaint(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		writeError(w, cerrors.NewNotFoundError("complaint", id))
		return
	}
	writeJSON(w, http.StatusOK, complaintJSON(c))
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status    string `json:"status"`
		ChangedBy string `json:"changed_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cerrors.NewValidationError("invalid JSON body"))
		return
	}
	if body.ChangedBy == "" {
		body.ChangedBy = "api"
	}

	c, changed, err := s.tracker.UpdateStatus(r.Context(), r.PathValue("id"), body.Status, body.ChangedBy)
	if err != nil {
		writeError(w, err)
		return
	}

	msg := fmt.Sprintf("Status updated to %s", c.Status)
	if !changed {
		msg = "No change"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   msg,
		"complaint": complaintJSON(c),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.tracker.GetHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"complaint_id": id,
		"history":      history,
	})
}

// handleStream serves the live dashboard feed as server-sent events.
//
// Each event is one JSON object framed as "data: <json>\n\n". The
// subscription is registered before the first write and removed as soon
// as the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)
	log.Printf("  → Stream client connected (%d live)", s.broadcaster.SubscriberCount())

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Println("  → Stream client disconnected")
			return
		case <-heartbeat.C:
			// Comment frame keeps proxies from timing out the connection.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleInbox receives Gmail push notifications (Pub/Sub envelopes) and
// hands them to the reply tracker asynchronously. Always answers 204 so
// Pub/Sub does not retry on application-level hiccups.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		Message struct {
			Data string `json:"data"`
		} `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var notification struct {
		HistoryID json.Number `json:"historyId"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil || notification.HistoryID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.monitor.RecordReply()
	// Detached context: reply handling outlives the push request.
	go func(historyID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.tracker.HandleReply(ctx, historyID)
	}(notification.HistoryID.String())

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, cerrors.NewValidationError("lat and lng query parameters are required"))
		return
	}
	writeJSON(w, http.StatusOK, s.geo.ReverseGeocode(r.Context(), lat, lng))
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	trends, err := s.analytics.Trends(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trends)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	summary, trends, err := s.analytics.SummarizeTrends(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window_days": trends.WindowDays,
		"total":       trends.Total,
		"summary":     summary,
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	trends, err := s.analytics.Trends(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	img, err := analytics.RenderDigest(trends)
	if err != nil {
		writeError(w, cerrors.NewValidationError("no complaint data in the requested window"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(img)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.GetStatus(s.broadcaster.SubscriberCount()))
}

// complaintJSON flattens a complaint for API responses.
func complaintJSON(c *store.Complaint) map[string]interface{} {
	out := map[string]interface{}{
		"id":             c.ID,
		"issue_type":     c.IssueType,
		"description":    c.Description,
		"location":       c.LocationText,
		"lat":            c.Lat,
		"lng":            c.Lng,
		"ward":           c.Ward,
		"zone":           c.Zone,
		"severity":       c.Severity,
		"status":         c.Status,
		"priority":       c.Priority,
		"cluster_id":     c.ClusterID,
		"image_url":      c.ImageURL,
		"streetview_url": c.StreetViewURL,
		"department":     c.Department,
		"officer_name":   c.OfficerName,
		"work_order_id":  c.WorkOrderID,
		"submitted_at":   c.SubmittedAt,
	}
	if c.ResolvedAt != nil {
		out["resolved_at"] = c.ResolvedAt
	}
	if c.Prediction != "" {
		var pred interface{}
		if err := json.Unmarshal([]byte(c.Prediction), &pred); err == nil {
			out["prediction"] = pred
		}
	}
	return out
}

func complaintsJSON(complaints []*store.Complaint) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(complaints))
	for _, c := range complaints {
		out = append(out, complaintJSON(c))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case cerrors.IsValidation(err):
		code = http.StatusBadRequest
	case cerrors.IsNotFound(err):
		code = http.StatusNotFound
	case cerrors.IsRateLimit(err):
		code = http.StatusTooManyRequests
	}
	if code == http.StatusInternalServerError {
		log.Printf("⚠️  Internal error: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
