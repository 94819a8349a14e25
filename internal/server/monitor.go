package server

import (
	"sync"
	"time"
)

// HealthStatus is returned by the /health endpoint for monitoring tools.
type HealthStatus struct {
	Status             string `json:"status"`
	Uptime             string `json:"uptime"`
	ComplaintsAccepted int64  `json:"complaints_accepted"`
	RepliesHandled     int64  `json:"replies_handled"`
	LastSubmissionTime string `json:"last_submission_time"`
	StreamSubscribers  int    `json:"stream_subscribers"`
}

// Monitor tracks application health metrics.
//
// Thread-safety:
//   - All fields are protected by RWMutex
//   - Safe for concurrent updates from multiple goroutines
type Monitor struct {
	startTime          time.Time
	complaintsAccepted int64
	repliesHandled     int64
	lastSubmissionTime time.Time
	mu                 sync.RWMutex
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{startTime: time.Now()}
}

// RecordSubmission counts an accepted complaint submission.
func (m *Monitor) RecordSubmission() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complaintsAccepted++
	m.lastSubmissionTime = time.Now()
}

// RecordReply counts a handled inbox notification.
func (m *Monitor) RecordReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repliesHandled++
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus(streamSubscribers int) HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lastSubmission := "never"
	if !m.lastSubmissionTime.IsZero() {
		lastSubmission = m.lastSubmissionTime.Format("2006-01-02 15:04:05")
	}
	return HealthStatus{
		Status:             "healthy",
		Uptime:             time.Since(m.startTime).String(),
		ComplaintsAccepted: m.complaintsAccepted,
		RepliesHandled:     m.repliesHandled,
		LastSubmissionTime: lastSubmission,
		StreamSubscribers:  streamSubscribers,
	}
}
