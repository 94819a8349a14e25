// Package inference wraps the Gemini REST API for the three model-backed
// steps of the pipeline: image analysis, infrastructure failure
// prediction, and free-text interpretation (officer replies, official
// email lookup).
//
// Graceful degradation: if the API key is not set the client is nil and
// every method returns its safe default. On 429 rate limits a
// RateLimitError is returned so the caller can surface backpressure
// instead of silently degrading.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"civiq/internal/cerrors"
)

// Analysis is the structured result of classifying a complaint photo.
type Analysis struct {
	IssueType   string  `json:"issue_type"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// DefaultAnalysis is returned when image analysis is unavailable or
// fails; the complaint still flows through the pipeline.
func DefaultAnalysis() Analysis {
	return Analysis{
		IssueType:   "other",
		Severity:    "moderate",
		Description: "Civic issue reported by citizen",
		Confidence:  0,
	}
}

// Prediction is the model's failure-risk assessment for a cluster.
type Prediction struct {
	Confidence         float64 `json:"confidence"`
	IsPreFailure       bool    `json:"is_pre_failure"`
	FailureType        string  `json:"failure_type"`
	Reasoning          string  `json:"reasoning"`
	EstimatedWindowHrs int     `json:"estimated_window_hrs"`
}

// HistoricalCluster is the slice of past-cluster context fed into a
// prediction prompt.
type HistoricalCluster struct {
	IssueType string
	Size      int
	Score     float64
	CreatedAt time.Time
}

// ReplyParse is the interpreted meaning of an officer's email reply.
// Status is one of resolved, in_progress, or "" (no status change).
type ReplyParse struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// knownIssueTypes bounds what the classifier may return; anything else
// degrades to "other".
var knownIssueTypes = map[string]bool{
	"pothole": true, "road_damage": true, "water_leak": true,
	"waterlogging": true, "sewage_overflow": true, "garbage_overflow": true,
	"streetlight_failure": true, "power_outage": true, "tree_fallen": true,
	"other": true,
}

var knownSeverities = map[string]bool{"low": true, "moderate": true, "high": true}

const analyzePrompt = `You are a civic infrastructure inspector for Chennai, India.
Classify the attached photo of a reported civic issue.
Respond with ONLY a JSON object, no markdown, with exactly these keys:
- issue_type: one of pothole, road_damage, water_leak, waterlogging, sewage_overflow, garbage_overflow, streetlight_failure, power_outage, tree_fallen, other
- severity: one of low, moderate, high
- description: one factual sentence describing what is visible
- confidence: number between 0 and 100`

const predictPrompt = `You are an infrastructure failure analyst for Chennai civic services.
Given a current complaint cluster and historical clusters of the same issue type,
assess whether the cluster indicates an imminent infrastructure failure
(e.g. a water main about to burst, a road section about to collapse).
Respond with ONLY a JSON object, no markdown, with exactly these keys:
- confidence: number between 0 and 100
- is_pre_failure: boolean, true only if the pattern suggests imminent failure
- failure_type: short label for the expected failure mode (e.g. "water main burst"), empty string if not pre-failure
- reasoning: one or two factual sentences
- estimated_window_hrs: estimated hours until failure if is_pre_failure, else 0`

const replyPrompt = `You are parsing an email reply from a municipal officer about a civic complaint.
Determine what status change, if any, the reply implies.
Respond with ONLY a JSON object, no markdown, with exactly these keys:
- status: "resolved" if the work is done, "in_progress" if work has started, "" if the reply is only an acknowledgement or unclear
- note: one short sentence summarizing the reply`

// Client calls the Gemini generateContent REST endpoint.
//
// Thread-safety: stateless after construction; shared by all pipeline
// workers and the reply tracker.
type Client struct {
	apiKey string
	model  string
	client *http.Client
}

// NewClient creates a Gemini client.
//
// Returns nil if apiKey is empty (graceful degradation; callers use
// their safe defaults).
func NewClient(apiKey string) *Client {
	if apiKey == "" {
		log.Println("⚠️  GEMINI_API_KEY not set. Image analysis and prediction disabled.")
		return nil
	}
	log.Println("✓ Gemini inference configured successfully")
	return &Client{
		apiKey: apiKey,
		model:  "gemini-2.5-flash",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the HTTP client (used in tests).
func (c *Client) SetHTTPClient(client *http.Client) {
	if c != nil {
		c.client = client
	}
}

// geminiRequest / geminiResponse for the REST API
type geminiRequest struct {
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnalyzeImage classifies a complaint photo into issue type, severity,
// and a one-line description.
//
// Returns DefaultAnalysis with a nil error when the client is disabled.
// A RateLimitError propagates to the caller; any other failure is
// returned for the caller to log and degrade.
func (c *Client) AnalyzeImage(ctx context.Context, imagePath string) (Analysis, error) {
	if c == nil {
		return DefaultAnalysis(), nil
	}

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return DefaultAnalysis(), fmt.Errorf("failed to read image: %w", err)
	}

	parts := []part{
		{Text: "Classify this civic issue photo."},
		{InlineData: &inlineData{
			MimeType: mimeTypeFor(imagePath),
			Data:     base64.StdEncoding.EncodeToString(imgData),
		}},
	}

	text, err := c.generate(ctx, analyzePrompt, parts)
	if err != nil {
		return DefaultAnalysis(), err
	}

	var a Analysis
	if err := json.Unmarshal([]byte(stripFences(text)), &a); err != nil {
		return DefaultAnalysis(), fmt.Errorf("failed to parse analysis: %w", err)
	}

	if !knownIssueTypes[a.IssueType] {
		a.IssueType = "other"
	}
	if !knownSeverities[a.Severity] {
		a.Severity = "moderate"
	}
	if a.Description == "" {
		a.Description = DefaultAnalysis().Description
	}
	return a, nil
}

// PredictFailure asks the model whether a cluster's pattern indicates an
// imminent infrastructure failure.
func (c *Client) PredictFailure(ctx context.Context, issueType string, size int, score float64, locationText string, history []HistoricalCluster) (Prediction, error) {
	if c == nil {
		return Prediction{}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current cluster: issue_type=%s size=%d score=%.1f location=%s\n",
		issueType, size, score, locationText)
	if len(history) == 0 {
		sb.WriteString("Historical clusters: none recorded\n")
	} else {
		sb.WriteString("Historical clusters (newest first):\n")
		for _, h := range history {
			fmt.Fprintf(&sb, "- %s: size=%d score=%.1f formed=%s\n",
				h.IssueType, h.Size, h.Score, h.CreatedAt.Format("2006-01-02"))
		}
	}

	text, err := c.generate(ctx, predictPrompt, []part{{Text: sb.String()}})
	if err != nil {
		return Prediction{}, err
	}

	var p Prediction
	if err := json.Unmarshal([]byte(stripFences(text)), &p); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse prediction: %w", err)
	}
	return p, nil
}

// ParseStatusReply interprets an officer's free-text email reply when
// keyword matching could not classify it.
func (c *Client) ParseStatusReply(ctx context.Context, subject, body string) (ReplyParse, error) {
	if c == nil {
		return ReplyParse{}, nil
	}

	prompt := fmt.Sprintf("Subject: %s\n\nBody:\n%s", subject, body)
	text, err := c.generate(ctx, replyPrompt, []part{{Text: prompt}})
	if err != nil {
		return ReplyParse{}, err
	}

	var r ReplyParse
	if err := json.Unmarshal([]byte(stripFences(text)), &r); err != nil {
		return ReplyParse{}, fmt.Errorf("failed to parse reply interpretation: %w", err)
	}
	if r.Status != "resolved" && r.Status != "in_progress" {
		r.Status = ""
	}
	return r, nil
}

// LookupOfficialEmail asks the model for the public grievance email of a
// department. The result is validated and cached by the caller; an
// empty string means no usable address was found.
func (c *Client) LookupOfficialEmail(ctx context.Context, department, municipality string) (string, error) {
	if c == nil {
		return "", nil
	}

	prompt := fmt.Sprintf(
		"What is the official public grievance email address for the %s department of %s, Tamil Nadu, India? Respond with ONLY the email address, or NONE if unknown.",
		department, municipality)
	text, err := c.generate(ctx, "", []part{{Text: prompt}})
	if err != nil {
		return "", err
	}

	email := strings.TrimSpace(stripFences(text))
	if email == "" || strings.EqualFold(email, "NONE") || !strings.Contains(email, "@") || strings.ContainsAny(email, " \n") {
		return "", nil
	}
	return strings.ToLower(email), nil
}

// Summarize writes a short operations narrative over trend data for the
// analytics summary endpoint. Returns "" when the client is disabled so
// the caller can fall back to its deterministic summary.
func (c *Client) Summarize(ctx context.Context, data string) (string, error) {
	if c == nil {
		return "", nil
	}

	prompt := "You are writing a brief operations summary for Chennai civic officials.\n" +
		"Given the complaint trend data below, write 2-3 factual sentences highlighting " +
		"the busiest areas, dominant issue types, and anything needing attention. " +
		"Respond with plain text only.\n\n" + data
	text, err := c.generate(ctx, "", []part{{Text: prompt}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stripFences(text)), nil
}

// generate performs one generateContent call and returns the first
// candidate's text. 429 at either the HTTP or body level becomes a
// RateLimitError.
func (c *Client) generate(ctx context.Context, system string, parts []part) (string, error) {
	reqBody := geminiRequest{
		Contents: []content{{Parts: parts}},
	}
	if system != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: system}}}
		reqBody.GenerationConfig = &generationConfig{ResponseMimeType: "application/json"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	apiURL := fmt.Sprintf(
		"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s",
		c.model, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", cerrors.NewProviderError("gemini", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == 429 {
		log.Println("  ⚠️  Gemini 429 rate limit")
		return "", cerrors.NewRateLimitError("gemini")
	}
	if resp.StatusCode != 200 {
		return "", cerrors.NewProviderError("gemini",
			fmt.Sprintf("API error %d: %s", resp.StatusCode, string(body)), nil)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if geminiResp.Error != nil {
		if geminiResp.Error.Code == 429 {
			log.Println("  ⚠️  Gemini 429 rate limit")
			return "", cerrors.NewRateLimitError("gemini")
		}
		return "", cerrors.NewProviderError("gemini", geminiResp.Error.Message, nil)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", cerrors.NewProviderError("gemini", "empty response", nil)
	}
	return geminiResp.Candidates[0].Content.Parts[0].Text, nil
}

// stripFences removes a markdown code fence the model sometimes wraps
// JSON in despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
