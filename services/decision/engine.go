package decision

import (
	"fmt"
	"strings"

	"github.com/upb/prompt-firewall/internal/patterns"
	"github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
)

// IssuesPlaceholder is replaced in the refusal message by the detected subtypes
const IssuesPlaceholder = "{issues}"

// DefaultRefusalMessage is returned in place of blocked text
const DefaultRefusalMessage = "This request was blocked due to security policy violations. " +
	"Detected issues: " + IssuesPlaceholder + ". " +
	"Please review your input and try again without sensitive information or injection attempts."

// UnavailableExplanation explains a fail-closed block
const UnavailableExplanation = "Content screening unavailable"

// Config holds the engine's output templates
type Config struct {
	MaskToken      string
	RefusalMessage string
}

// Engine turns findings into a single enforcement decision. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	mask    string
	refusal string
}

// NewEngine creates an engine, filling empty templates with the defaults
func NewEngine(cfg Config) *Engine {
	if cfg.MaskToken == "" {
		cfg.MaskToken = patterns.DefaultMask
	}
	if cfg.RefusalMessage == "" {
		cfg.RefusalMessage = DefaultRefusalMessage
	}
	return &Engine{mask: cfg.MaskToken, refusal: cfg.RefusalMessage}
}

// MaskToken returns the token that replaces redacted spans
func (e *Engine) MaskToken() string {
	return e.mask
}

// Decide aggregates findings on text into a decision. The most restrictive
// governing action wins (block > redact > warn > allow) and the decision
// severity is the highest among findings governed by that action.
// LatencySeconds is left for the caller to stamp.
func (e *Engine) Decide(tenantID, text string, findings []models.RiskFinding, set *policy.Set) *models.Decision {
	d := &models.Decision{
		Verdict:      models.VerdictAllow,
		OriginalText: text,
		ModifiedText: text,
		Findings:     make([]models.RiskFinding, len(findings)),
		Explanations: []string{},
		Severity:     models.SeverityLow,
		TenantID:     tenantID,
	}
	copy(d.Findings, findings)

	if len(findings) == 0 {
		d.CountFindings()
		return d
	}
	if set == nil {
		set = policy.NewSet(nil, policy.DisabledModeAction)
	}

	actions := make([]models.Action, len(findings))
	verdict := models.ActionAllow
	for i, f := range findings {
		actions[i] = set.Govern(f).Action
		if actions[i].Rank() > verdict.Rank() {
			verdict = actions[i]
		}
	}

	severity := models.SeverityLow
	for i, f := range findings {
		if actions[i] == verdict {
			severity = models.MaxSeverity(severity, f.Severity)
		}
	}

	d.Verdict = verdict
	d.Severity = severity

	switch verdict {
	case models.VerdictBlock:
		d.ModifiedText = e.RefusalFor(findings)
	case models.VerdictRedact:
		d.ModifiedText = e.Redact(text, findings)
	}

	for i, f := range findings {
		d.Explanations = append(d.Explanations, Explain(f, actions[i]))
	}

	d.CountFindings()
	return d
}

// FailClosed builds the block decision used when screening itself failed
func (e *Engine) FailClosed(tenantID, text string) *models.Decision {
	d := &models.Decision{
		Verdict:      models.VerdictBlock,
		OriginalText: text,
		ModifiedText: e.refusalWith("content screening unavailable"),
		Findings:     []models.RiskFinding{},
		Explanations: []string{UnavailableExplanation},
		Severity:     models.SeverityCritical,
		TenantID:     tenantID,
	}
	d.CountFindings()
	return d
}

// Redact masks the span of every finding. Findings whose span no longer
// matches the text are skipped; overlapping spans collapse into one token.
func (e *Engine) Redact(text string, findings []models.RiskFinding) string {
	spans := make([]patterns.Span, 0, len(findings))
	for _, f := range findings {
		if f.Type == models.FindingTypeAnomaly || f.MatchedText == "" {
			continue
		}
		end := f.End()
		if f.Position < 0 || end > len(text) || text[f.Position:end] != f.MatchedText {
			continue
		}
		spans = append(spans, patterns.Span{Start: f.Position, End: end})
	}
	return patterns.RedactSpans(text, spans, e.mask)
}

// RefusalFor renders the refusal message listing the distinct finding subtypes
func (e *Engine) RefusalFor(findings []models.RiskFinding) string {
	seen := make(map[string]bool)
	var issues []string
	for _, f := range findings {
		if f.Type == models.FindingTypeAnomaly || seen[f.Subtype] {
			continue
		}
		seen[f.Subtype] = true
		issues = append(issues, f.Subtype)
	}
	return e.refusalWith(strings.Join(issues, ", "))
}

func (e *Engine) refusalWith(issues string) string {
	return strings.ReplaceAll(e.refusal, IssuesPlaceholder, issues)
}

// Explain renders the human-readable line for one finding under the action governing it
func Explain(f models.RiskFinding, action models.Action) string {
	switch f.Type {
	case models.FindingTypePII:
		return fmt.Sprintf("PII detected: %s (severity: %s) - %s", f.Subtype, f.Severity, action)
	case models.FindingTypeInjection:
		return fmt.Sprintf("Injection attempt detected: %s (severity: %s) - %s", f.Subtype, f.Severity, action)
	case models.FindingTypeCustom:
		name := f.PolicyName
		if name == "" {
			name = "custom"
		}
		return fmt.Sprintf("Custom pattern detected: %s (severity: %s) - %s", name, f.Severity, action)
	case models.FindingTypeAnomaly:
		return fmt.Sprintf("Policy anomaly: %s skipped (invalid pattern) - %s", f.PolicyName, models.ActionAllow)
	}
	return fmt.Sprintf("Risk detected: %s (severity: %s) - %s", f.Subtype, f.Severity, action)
}
