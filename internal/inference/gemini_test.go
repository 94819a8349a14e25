package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"civiq/internal/cerrors"
)

func TestNilClientReturnsSafeDefaults(t *testing.T) {
	var c *Client
	ctx := context.Background()

	a, err := c.AnalyzeImage(ctx, "nonexistent.jpg")
	if err != nil {
		t.Fatalf("nil client must not error: %v", err)
	}
	if a.IssueType != "other" || a.Severity != "moderate" || a.Confidence != 0 {
		t.Errorf("unexpected default analysis: %+v", a)
	}

	p, err := c.PredictFailure(ctx, "water_leak", 5, 70, "Avadi", nil)
	if err != nil {
		t.Fatalf("nil client must not error: %v", err)
	}
	if p.IsPreFailure || p.Confidence != 0 {
		t.Errorf("unexpected default prediction: %+v", p)
	}

	email, err := c.LookupOfficialEmail(ctx, "Roads", "Avadi")
	if err != nil || email != "" {
		t.Errorf("nil client lookup must degrade: %q %v", email, err)
	}

	summary, err := c.Summarize(ctx, "some trend data")
	if err != nil || summary != "" {
		t.Errorf("nil client summary must degrade: %q %v", summary, err)
	}
}

func TestNewClientWithoutKey(t *testing.T) {
	if c := NewClient(""); c != nil {
		t.Error("empty key must disable the client")
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                      "{\"a\":1}",
		"```json\n{\"a\":1}\n```":        "{\"a\":1}",
		"```\n{\"a\":1}\n```":            "{\"a\":1}",
		"  \n{\"a\":1}\n  ":              "{\"a\":1}",
		"```json\n{\"a\":\"x```y\"}\n```": "{\"a\":\"x```y\"}",
	}
	for in, want := range cases {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMimeTypeFor(t *testing.T) {
	cases := map[string]string{
		"photo.jpg":  "image/jpeg",
		"photo.JPEG": "image/jpeg",
		"photo.png":  "image/png",
		"photo.webp": "image/webp",
		"photo":      "image/jpeg",
	}
	for path, want := range cases {
		if got := mimeTypeFor(path); got != want {
			t.Errorf("mimeTypeFor(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestPredictFailureParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"{\"confidence\":85,\"is_pre_failure\":true,\"failure_type\":\"water main burst\",\"reasoning\":\"Leak density rising along one main\",\"estimated_window_hrs\":48}"}]}}]}`)
	}))
	defer srv.Close()

	c := NewClient("test-key")
	c.SetHTTPClient(&http.Client{Transport: rewriteTransport{base: srv.URL}})

	p, err := c.PredictFailure(context.Background(), "water_leak", 5, 72.5, "Tambaram", nil)
	if err != nil {
		t.Fatalf("PredictFailure failed: %v", err)
	}
	if !p.IsPreFailure || p.Confidence != 85 {
		t.Errorf("unexpected prediction: %+v", p)
	}
	if p.FailureType != "water main burst" {
		t.Errorf("failure type not carried through: %q", p.FailureType)
	}
	if p.EstimatedWindowHrs != 48 {
		t.Errorf("estimated window not carried through: %d", p.EstimatedWindowHrs)
	}
}

func TestRateLimitSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("test-key")
	c.SetHTTPClient(&http.Client{Transport: rewriteTransport{base: srv.URL}})

	_, err := c.PredictFailure(context.Background(), "pothole", 4, 70, "Avadi", nil)
	if !cerrors.IsRateLimit(err) {
		t.Errorf("expected rate limit error, got %v", err)
	}
}

// rewriteTransport redirects every request to the test server.
type rewriteTransport struct {
	base string
}

func (r rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := r.base + req.URL.Path
	redirected, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		return nil, err
	}
	redirected.Header = req.Header
	return http.DefaultTransport.RoundTrip(redirected)
}
