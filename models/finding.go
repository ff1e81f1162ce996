package models

import "github.com/google/uuid"

// FindingType is the category of a risk finding
type FindingType string

const (
	FindingTypePII       FindingType = "PII"
	FindingTypeInjection FindingType = "PROMPT_INJECTION"
	FindingTypeCustom    FindingType = "CUSTOM"
	// FindingTypeAnomaly reports a policy that could not be evaluated
	FindingTypeAnomaly FindingType = "ANOMALY"
)

// Scope tells which side of the exchange a finding was raised on
type Scope string

const (
	ScopePrompt   Scope = "prompt"
	ScopeResponse Scope = "response"
)

// RiskFinding is a single detector hit
type RiskFinding struct {
	Type           FindingType `json:"type"`
	Subtype        string      `json:"subtype"`
	MatchedText    string      `json:"match"`
	Severity       Severity    `json:"severity"`
	Position       int         `json:"position"`
	Confidence     *float64    `json:"confidence,omitempty"`
	SourcePolicyID *uuid.UUID  `json:"sourcePolicyId,omitempty"`
	PolicyName     string      `json:"policyName,omitempty"`
	Scope          Scope       `json:"scope,omitempty"`
}

// End returns the offset just past the matched span
func (f RiskFinding) End() int {
	return f.Position + len(f.MatchedText)
}

// ConfidenceOrDefault treats an omitted confidence as a structural match
func (f RiskFinding) ConfidenceOrDefault() float64 {
	if f.Confidence == nil {
		return 1.0
	}
	return *f.Confidence
}

// Confidence is a helper for building findings with an explicit confidence
func Confidence(v float64) *float64 {
	return &v
}
