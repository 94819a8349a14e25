// Package mail sends work orders and citizen notifications through the
// Gmail REST API, and reads officer replies back out of the inbox.
//
// Auth is the OAuth2 refresh-token flow: the access token is minted
// lazily, cached with its expiry, and renewed under a mutex so
// concurrent sends share one token.
//
// Graceful degradation: without credentials the mailer is nil, sends are
// logged and skipped, and the pipeline continues.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"civiq/internal/cerrors"
)

const (
	gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
	tokenURL     = "https://oauth2.googleapis.com/token"
)

// Message is one inbound email, flattened for the reply tracker.
type Message struct {
	ID      string
	From    string
	Subject string
	Body    string
}

// Mailer is the Gmail REST client.
//
// Thread-safety: token refresh is mutex-guarded; all other state is
// read-only after construction.
type Mailer struct {
	clientID     string
	clientSecret string
	refreshToken string
	from         string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewMailer creates a Gmail mailer.
//
// Returns nil if any credential is missing (graceful degradation).
func NewMailer(clientID, clientSecret, refreshToken, from string) *Mailer {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		log.Println("⚠️  Gmail credentials not set. Email dispatch disabled.")
		return nil
	}
	log.Printf("✓ Gmail dispatch configured for %s", from)
	return &Mailer{
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		from:         from,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the HTTP client (used in tests).
func (m *Mailer) SetHTTPClient(client *http.Client) {
	if m != nil {
		m.client = client
	}
}

// token returns a valid access token, refreshing it when within a
// minute of expiry.
func (m *Mailer) token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && time.Now().Before(m.tokenExpiry.Add(-time.Minute)) {
		return m.accessToken, nil
	}

	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("refresh_token", m.refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", cerrors.NewProviderError("gmail", "token refresh failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		return "", cerrors.NewProviderError("gmail",
			fmt.Sprintf("token refresh error %d: %s", resp.StatusCode, string(body)), nil)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	m.accessToken = tok.AccessToken
	m.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return m.accessToken, nil
}

// doRequest performs an authenticated Gmail API call and returns the
// response body.
func (m *Mailer) doRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	tok, err := m.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, gmailBaseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, cerrors.NewProviderError("gmail", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == 429 {
		return nil, cerrors.NewRateLimitError("gmail")
	}
	if resp.StatusCode != 200 {
		return nil, cerrors.NewProviderError("gmail",
			fmt.Sprintf("API error %d: %s", resp.StatusCode, string(body)), nil)
	}
	return body, nil
}

// Send delivers an HTML email, optionally attaching the complaint photo.
//
// A nil mailer logs and returns nil so dispatch stages degrade cleanly.
func (m *Mailer) Send(ctx context.Context, to string, cc []string, subject, htmlBody, attachmentPath string) error {
	if m == nil {
		log.Printf("  ⚠️  Email dispatch disabled, would have sent '%s' to %s", subject, to)
		return nil
	}

	raw, err := buildMIME(m.from, to, cc, subject, htmlBody, attachmentPath)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	}
	if _, err := m.doRequest(ctx, "POST", "/messages/send", payload); err != nil {
		return err
	}
	log.Printf("  ✓ Email sent to %s: %s", to, subject)
	return nil
}

// buildMIME assembles a multipart MIME message. Attachment failures are
// downgraded to a text-only message rather than failing the send.
func buildMIME(from, to string, cc []string, subject, htmlBody, attachmentPath string) ([]byte, error) {
	var buf bytes.Buffer
	const boundary = "civiq-mail-boundary"

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	if len(cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	buf.WriteString(htmlBody)
	buf.WriteString("\r\n")

	if attachmentPath != "" {
		data, err := os.ReadFile(attachmentPath)
		if err != nil {
			log.Printf("  ⚠️  Could not attach %s: %v", attachmentPath, err)
		} else {
			fmt.Fprintf(&buf, "--%s\r\n", boundary)
			fmt.Fprintf(&buf, "Content-Type: application/octet-stream\r\n")
			buf.WriteString("Content-Transfer-Encoding: base64\r\n")
			fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", filepath.Base(attachmentPath))
			buf.WriteString(base64.StdEncoding.EncodeToString(data))
			buf.WriteString("\r\n")
		}
	}

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

// LatestMessage fetches the newest inbox message at or after historyID.
//
// Gmail push notifications carry only a history cursor; this walks
// history.list for added messages and hydrates the most recent one.
// Returns (nil, nil) when the history window contains no new messages.
func (m *Mailer) LatestMessage(ctx context.Context, historyID string) (*Message, error) {
	if m == nil {
		return nil, nil
	}

	body, err := m.doRequest(ctx, "GET",
		"/history?startHistoryId="+url.QueryEscape(historyID)+"&historyTypes=messageAdded", nil)
	if err != nil {
		return nil, err
	}

	var hist struct {
		History []struct {
			MessagesAdded []struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"messagesAdded"`
		} `json:"history"`
	}
	if err := json.Unmarshal(body, &hist); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}

	var latestID string
	for _, h := range hist.History {
		for _, ma := range h.MessagesAdded {
			latestID = ma.Message.ID
		}
	}
	if latestID == "" {
		return nil, nil
	}
	return m.getMessage(ctx, latestID)
}

func (m *Mailer) getMessage(ctx context.Context, id string) (*Message, error) {
	body, err := m.doRequest(ctx, "GET", "/messages/"+id+"?format=full", nil)
	if err != nil {
		return nil, err
	}

	var msg struct {
		ID      string `json:"id"`
		Payload struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
			Body struct {
				Data string `json:"data"`
			} `json:"body"`
			Parts []struct {
				MimeType string `json:"mimeType"`
				Body     struct {
					Data string `json:"data"`
				} `json:"body"`
			} `json:"parts"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	out := &Message{ID: msg.ID}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.From = h.Value
		case "subject":
			out.Subject = h.Value
		}
	}

	// Gmail emits base64url both with and without padding.
	decode := func(data string) string {
		if decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
			return string(decoded)
		}
		return ""
	}

	if msg.Payload.Body.Data != "" {
		out.Body = decode(msg.Payload.Body.Data)
	}
	for _, p := range msg.Payload.Parts {
		if p.MimeType == "text/plain" && p.Body.Data != "" {
			out.Body = decode(p.Body.Data)
			break
		}
	}
	return out, nil
}
