package mail

import (
	"fmt"
	"strings"
)

// WorkOrderBody renders the HTML body of an officer work-order email.
type WorkOrderBody struct {
	WorkOrderID   string
	ComplaintID   string
	IssueType     string
	Severity      string
	Description   string
	LocationText  string
	Ward          string
	Zone          string
	StreetViewURL string
	OfficerName   string
	Department    string
}

// HTML renders the work order body.
func (w WorkOrderBody) HTML() string {
	var sb strings.Builder
	sb.WriteString("<html><body style=\"font-family:Arial,sans-serif\">")
	fmt.Fprintf(&sb, "<h2>Work Order %s</h2>", w.WorkOrderID)
	fmt.Fprintf(&sb, "<p>Dear %s,</p>", w.OfficerName)
	fmt.Fprintf(&sb, "<p>A new civic complaint has been assigned to %s.</p>", w.Department)
	sb.WriteString("<table cellpadding=\"4\">")
	fmt.Fprintf(&sb, "<tr><td><b>Complaint ID</b></td><td>%s</td></tr>", w.ComplaintID)
	fmt.Fprintf(&sb, "<tr><td><b>Issue</b></td><td>%s (%s severity)</td></tr>", strings.ReplaceAll(w.IssueType, "_", " "), w.Severity)
	fmt.Fprintf(&sb, "<tr><td><b>Description</b></td><td>%s</td></tr>", w.Description)
	fmt.Fprintf(&sb, "<tr><td><b>Location</b></td><td>%s</td></tr>", w.LocationText)
	fmt.Fprintf(&sb, "<tr><td><b>Ward / Zone</b></td><td>%s / %s</td></tr>", w.Ward, w.Zone)
	sb.WriteString("</table>")
	if w.StreetViewURL != "" {
		fmt.Fprintf(&sb, "<p><a href=\"%s\">View location on map</a></p>", w.StreetViewURL)
	}
	fmt.Fprintf(&sb, "<p>Reply to this email with the complaint ID <b>%s</b> in the subject and a short status update (e.g. \"work started\", \"fixed\") to update the record automatically.</p>", w.ComplaintID)
	sb.WriteString("<p>CiviQ Civic Complaint Platform</p></body></html>")
	return sb.String()
}

// EscalationBody renders the HTML body of a cluster escalation email.
type EscalationBody struct {
	WorkOrderID        string
	ClusterID          string
	IssueType          string
	Priority           string
	Size               int
	Score              float64
	LocationText       string
	FailureType        string
	Reasoning          string
	EstimatedWindowHrs int
	Households         int
	OfficerName        string
	Department         string
}

func (e EscalationBody) HTML() string {
	var sb strings.Builder
	sb.WriteString("<html><body style=\"font-family:Arial,sans-serif\">")
	fmt.Fprintf(&sb, "<h2 style=\"color:#b00\">%s Escalation: %s</h2>", e.Priority, e.WorkOrderID)
	fmt.Fprintf(&sb, "<p>Dear %s,</p>", e.OfficerName)
	fmt.Fprintf(&sb, "<p>A complaint cluster in your jurisdiction has been escalated to <b>%s</b>.</p>", e.Priority)
	sb.WriteString("<table cellpadding=\"4\">")
	fmt.Fprintf(&sb, "<tr><td><b>Cluster</b></td><td>%s</td></tr>", e.ClusterID)
	fmt.Fprintf(&sb, "<tr><td><b>Issue</b></td><td>%s</td></tr>", strings.ReplaceAll(e.IssueType, "_", " "))
	fmt.Fprintf(&sb, "<tr><td><b>Reports</b></td><td>%d complaints, score %.1f</td></tr>", e.Size, e.Score)
	fmt.Fprintf(&sb, "<tr><td><b>Location</b></td><td>%s</td></tr>", e.LocationText)
	if e.FailureType != "" {
		fmt.Fprintf(&sb, "<tr><td><b>Expected failure</b></td><td>%s</td></tr>", e.FailureType)
	}
	if e.Households > 0 {
		fmt.Fprintf(&sb, "<tr><td><b>Households nearby</b></td><td>≈%d</td></tr>", e.Households)
	}
	sb.WriteString("</table>")
	if e.Reasoning != "" {
		fmt.Fprintf(&sb, "<p><b>Assessment:</b> %s</p>", e.Reasoning)
	}
	if e.EstimatedWindowHrs > 0 {
		fmt.Fprintf(&sb, "<p><b>Estimated window:</b> %d hours</p>", e.EstimatedWindowHrs)
	}
	fmt.Fprintf(&sb, "<p>Immediate inspection is recommended for %s.</p>", e.Department)
	sb.WriteString("<p>CiviQ Civic Complaint Platform</p></body></html>")
	return sb.String()
}

// CitizenAckBody renders the resolution notification sent to the
// reporting citizen.
func CitizenAckBody(complaintID, issueType, locationText string) string {
	var sb strings.Builder
	sb.WriteString("<html><body style=\"font-family:Arial,sans-serif\">")
	sb.WriteString("<h2>Your complaint has been resolved</h2>")
	fmt.Fprintf(&sb, "<p>Complaint <b>%s</b> (%s at %s) has been marked resolved by the responsible department.</p>",
		complaintID, strings.ReplaceAll(issueType, "_", " "), locationText)
	sb.WriteString("<p>Thank you for helping improve your city.</p>")
	sb.WriteString("<p>CiviQ Civic Complaint Platform</p></body></html>")
	return sb.String()
}
