package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"civiq/internal/analytics"
	"civiq/internal/directory"
	"civiq/internal/events"
	"civiq/internal/geocluster"
	"civiq/internal/geocode"
	"civiq/internal/kv"
	"civiq/internal/pipeline"
	"civiq/internal/predict"
	"civiq/internal/store"
	"civiq/internal/tracker"
)

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("network unreachable")
}

func testServer(t *testing.T) (*Server, *store.Store, *events.Broadcaster) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	kvs := kv.NewMemory()
	resolver := directory.NewResolver(kvs)
	if err := resolver.Seed(context.Background()); err != nil {
		t.Fatal(err)
	}

	geo := geocode.NewClient("http://localhost:1", time.Second)
	geo.SetHTTPClient(&http.Client{Transport: failingTransport{}})

	broadcaster := events.NewBroadcaster(16)
	engine := geocluster.NewEngine(st, 500, 72*time.Hour, 3)
	escalator := predict.NewEscalator(st, nil, geo, nil, resolver, broadcaster, 60, 80)
	pipe := pipeline.New(st, kvs, nil, nil, geo, resolver, nil, engine, escalator, broadcaster)
	pool := pipeline.NewWorkerPool(pipe, 1, 10*time.Second)
	t.Cleanup(pool.Close)

	tr := tracker.New(st, kvs, nil, nil, broadcaster)
	srv := New(st, pool, tr, geo, analytics.NewService(st, nil), broadcaster,
		NewMonitor(), filepath.Join(dir, "uploads"))
	return srv, st, broadcaster
}

func multipartBody(t *testing.T, fields map[string]string, withImage bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if withImage {
		fw, err := w.CreateFormFile("image", "pothole.jpg")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("not a real jpeg"))
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestSubmitAccepted(t *testing.T) {
	srv, _, _ := testServer(t)

	body, contentType := multipartBody(t, map[string]string{"location": "Avadi main road"}, true)
	req := httptest.NewRequest("POST", "/complaint", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "processing" {
		t.Errorf("expected processing status, got %+v", resp)
	}
	if !strings.HasPrefix(resp["complaint_id"], "CIV-") {
		t.Errorf("acknowledgement must carry the complaint id, got %+v", resp)
	}
}

func TestSubmitRequiresLocation(t *testing.T) {
	srv, _, _ := testServer(t)

	body, contentType := multipartBody(t, map[string]string{"description": "no location given"}, true)
	req := httptest.NewRequest("POST", "/complaint", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitRejectsBadCoordinates(t *testing.T) {
	srv, _, _ := testServer(t)

	body, contentType := multipartBody(t, map[string]string{"lat": "north", "lng": "east"}, true)
	req := httptest.NewRequest("POST", "/complaint", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitRequiresPhoto(t *testing.T) {
	srv, _, _ := testServer(t)

	body, contentType := multipartBody(t, map[string]string{"location": "Avadi"}, false)
	req := httptest.NewRequest("POST", "/complaint", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a photo, got %d", rec.Code)
	}
}

func TestGetComplaint(t *testing.T) {
	srv, st, _ := testServer(t)
	id, _ := st.CreateComplaint(context.Background(), &store.Complaint{IssueType: "pothole"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/complaints/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/complaints/CIV-FFFFFFFF", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestListComplaintsWithFilter(t *testing.T) {
	srv, st, _ := testServer(t)
	ctx := context.Background()
	st.CreateComplaint(ctx, &store.Complaint{IssueType: "pothole"})
	st.CreateComplaint(ctx, &store.Complaint{IssueType: "water_leak"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/complaints?issue_type=pothole", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("expected 1 filtered complaint, got %d", resp.Count)
	}
}

func TestStatusUpdateFlow(t *testing.T) {
	srv, st, _ := testServer(t)
	id, _ := st.CreateComplaint(context.Background(), &store.Complaint{IssueType: "pothole"})

	patch := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("PATCH", "/complaints/"+id+"/status", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	// Valid transition
	rec := patch(`{"status":"in_progress","changed_by":"tester"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Same status again: recognized no-op
	rec = patch(`{"status":"in_progress"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for no-op, got %d", rec.Code)
	}
	var resp struct {
		Message string `json:"message"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Message != "No change" {
		t.Errorf("expected 'No change', got %q", resp.Message)
	}

	// Invalid status value
	rec = patch(`{"status":"escalated"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	// Unknown complaint
	req := httptest.NewRequest("PATCH", "/complaints/CIV-FFFFFFFF/status",
		strings.NewReader(`{"status":"resolved"}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, st, _ := testServer(t)
	id, _ := st.CreateComplaint(context.Background(), &store.Complaint{IssueType: "pothole"})

	req := httptest.NewRequest("PATCH", "/complaints/"+id+"/status",
		strings.NewReader(`{"status":"resolved"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/complaints/"+id+"/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		History []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"history"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.History) != 1 || resp.History[0].To != "resolved" {
		t.Errorf("unexpected history: %+v", resp.History)
	}
}

func TestInboxAlwaysAcks(t *testing.T) {
	srv, _, _ := testServer(t)

	// Garbage body still gets 204 so Pub/Sub stops retrying
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/inbox", strings.NewReader("not json")))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for bad body, got %d", rec.Code)
	}

	// Well-formed envelope
	payload := base64.StdEncoding.EncodeToString([]byte(`{"historyId":12345}`))
	envelope := fmt.Sprintf(`{"message":{"data":"%s"}}`, payload)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/inbox", strings.NewReader(envelope)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestReverseGeocodeValidation(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/reverse-geocode", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without coordinates, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/reverse-geocode?lat=13.1145&lng=80.1027", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAnalyticsSummaryEndpoint(t *testing.T) {
	srv, st, _ := testServer(t)
	st.CreateComplaint(context.Background(), &store.Complaint{IssueType: "pothole", Zone: "Avadi Zone"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/analytics/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Summary string `json:"summary"`
		Total   int    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Summary == "" {
		t.Errorf("unexpected summary payload: %+v", resp)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Status != "healthy" {
		t.Errorf("unexpected health payload: %+v", status)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	srv, _, broadcaster := testServer(t)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %s", ct)
	}

	// Publish once the subscription is registered
	go func() {
		for broadcaster.SubscriberCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		broadcaster.Publish(events.Event{Type: "new_pin", ComplaintID: "CIV-00000042"})
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream closed before event arrived: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "CIV-00000042") {
				t.Errorf("unexpected event frame: %s", line)
			}
			return
		}
	}
}
