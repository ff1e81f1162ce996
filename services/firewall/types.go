package firewall

import (
	"context"

	policyset "github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
)

// QueryRequest is one prompt submitted for screening
type QueryRequest struct {
	Prompt   string `json:"prompt" validate:"required,min=1,max=10000"`
	Model    string `json:"model,omitempty" validate:"omitempty,max=100"`
	UserID   string `json:"userId,omitempty" validate:"omitempty,max=200"`
	TenantID string `json:"tenantId,omitempty" validate:"omitempty,max=100"`
}

// QueryResponse is the screened outcome returned to the caller
type QueryResponse struct {
	Decision       models.Verdict          `json:"decision"`
	OriginalPrompt string                  `json:"originalPrompt"`
	ModifiedPrompt string                  `json:"modifiedPrompt"`
	LLMResponse    string                  `json:"llmResponse"`
	Risks          []models.RiskFinding    `json:"risks"`
	Explanations   []string                `json:"explanations"`
	Severity       models.Severity         `json:"severity"`
	Latency        float64                 `json:"latency"`
	Metadata       models.DecisionMetadata `json:"metadata"`
}

// PolicySource returns the point-in-time policy set of a tenant
type PolicySource interface {
	Snapshot(ctx context.Context, tenantID string) (*policyset.Set, error)
}

// Detector finds risks in a text
type Detector interface {
	Detect(ctx context.Context, text string, set *policyset.Set, scope models.Scope) ([]models.RiskFinding, error)
}

// Recorder appends a row to the audit log
type Recorder interface {
	Record(ctx context.Context, log *models.AuditLog) error
}

// RiskScorer rates how unusual a request is for its user
type RiskScorer interface {
	Score(ctx context.Context, userID, tenantID string, severity models.Severity) int
}

// Observer receives evaluation events
type Observer interface {
	ObserveEvaluation(tenantID string, verdict models.Verdict, severity models.Severity, latencySeconds float64)
	ObserveFindings(findings []models.RiskFinding)
	ObserveFailClosed(stage string)
	ObserveResponder(name string, err error)
	ObserveAuditDropped()
}

type nopObserver struct{}

func (nopObserver) ObserveEvaluation(string, models.Verdict, models.Severity, float64) {}
func (nopObserver) ObserveFindings([]models.RiskFinding)                              {}
func (nopObserver) ObserveFailClosed(string)                                          {}
func (nopObserver) ObserveResponder(string, error)                                    {}
func (nopObserver) ObserveAuditDropped()                                              {}
