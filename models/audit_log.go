package models

import (
	"time"

	"github.com/google/uuid"
)

// PreviewLength is the number of characters of prompt/response text kept in the log
const PreviewLength = 100

// AuditLog is the append-only record of one evaluated request
type AuditLog struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	TenantID        string           `json:"tenantId" db:"tenant_id"`
	UserID          string           `json:"userId,omitempty" db:"user_id"`
	RequestID       string           `json:"requestId,omitempty" db:"request_id"`
	Timestamp       time.Time        `json:"timestamp" db:"created_at"`
	Decision        Verdict          `json:"decision" db:"decision"`
	Severity        Severity         `json:"severity" db:"severity"`
	Risks           []RiskFinding    `json:"risks" db:"risks"`
	Explanations    []string         `json:"explanations" db:"explanations"`
	PromptPreview   string           `json:"prompt_preview" db:"prompt_preview"`
	ResponsePreview string           `json:"response_preview" db:"response_preview"`
	LatencySeconds  float64          `json:"latency" db:"latency_seconds"`
	Model           string           `json:"model,omitempty" db:"model"`
	RiskScore       int              `json:"riskScore" db:"risk_score"`
	Metadata        DecisionMetadata `json:"metadata" db:"metadata"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a log row for a decision. Preview text is set separately
// because it must be redacted before it is stored.
func NewAuditLog(d *Decision) *AuditLog {
	risks := make([]RiskFinding, len(d.Findings))
	copy(risks, d.Findings)
	explanations := make([]string, len(d.Explanations))
	copy(explanations, d.Explanations)

	return &AuditLog{
		ID:             uuid.New(),
		TenantID:       d.TenantID,
		Decision:       d.Verdict,
		Severity:       d.Severity,
		Risks:          risks,
		Explanations:   explanations,
		LatencySeconds: d.LatencySeconds,
		RiskScore:      d.Metadata.RiskScore,
		Metadata:       d.Metadata,
	}
}

// WithUser sets the calling user
func (a *AuditLog) WithUser(userID string) *AuditLog {
	a.UserID = userID
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, model string) *AuditLog {
	a.RequestID = requestID
	a.Model = model
	return a
}

// WithPreviews stores already-redacted text, truncated to PreviewLength characters
func (a *AuditLog) WithPreviews(prompt, response string) *AuditLog {
	a.PromptPreview = Truncate(prompt, PreviewLength)
	a.ResponsePreview = Truncate(response, PreviewLength)
	return a
}

// HasCategory reports whether the row carries a finding of the given type
func (a *AuditLog) HasCategory(t FindingType) bool {
	for _, r := range a.Risks {
		if r.Type == t {
			return true
		}
	}
	return false
}

// Truncate cuts s to at most n runes
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// LogFilter narrows a log query.
// Verdict and Category are mutually exclusive; both empty means all rows.
type LogFilter struct {
	TenantID string
	Verdict  Verdict
	Category FindingType
	Limit    int
	Offset   int
}

// LogPage is one page of newest-first log rows
type LogPage struct {
	Logs    []*AuditLog `json:"logs"`
	HasMore bool        `json:"hasMore"`
}
