package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PolicyType represents the detector family a policy governs
type PolicyType string

const (
	PolicyTypePII       PolicyType = "pii"
	PolicyTypeInjection PolicyType = "injection"
	PolicyTypeCustom    PolicyType = "custom"
)

// Valid reports whether the policy type is one of the supported families
func (t PolicyType) Valid() bool {
	switch t {
	case PolicyTypePII, PolicyTypeInjection, PolicyTypeCustom:
		return true
	}
	return false
}

// FindingType maps the policy family to the finding category it governs
func (t PolicyType) FindingType() FindingType {
	switch t {
	case PolicyTypePII:
		return FindingTypePII
	case PolicyTypeInjection:
		return FindingTypeInjection
	default:
		return FindingTypeCustom
	}
}

// Action is the enforcement a policy requests when it governs a finding
type Action string

const (
	ActionAllow  Action = "allow"
	ActionWarn   Action = "warn"
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// Rank orders actions by restrictiveness: block > redact > warn > allow
func (a Action) Rank() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRedact:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the action may be stored on a policy.
// allow is reserved for system-governed findings.
func (a Action) Valid() bool {
	return a == ActionBlock || a == ActionRedact || a == ActionWarn
}

// Severity classifies the impact of a finding or decision
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low < medium < high < critical
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the severity is known
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// WildcardPattern makes a pii or injection policy apply to every subtype of its family
const WildcardPattern = "*"

// PolicyFields are the user-editable fields of a policy.
// History snapshots and rollback targets carry exactly these values.
type PolicyFields struct {
	Name     string     `json:"name" validate:"required,max=200"`
	Type     PolicyType `json:"type" validate:"required,oneof=pii injection custom"`
	Pattern  string     `json:"pattern" validate:"required,max=1000"`
	Action   Action     `json:"action" validate:"required,oneof=block redact warn"`
	Severity Severity   `json:"severity" validate:"required,oneof=low medium high critical"`
	Enabled  bool       `json:"enabled"`
}

// Policy represents the current version of a tenant rule
type Policy struct {
	ID       uuid.UUID `json:"id" db:"id"`
	TenantID string    `json:"tenantId" db:"tenant_id"`
	PolicyFields
	Version   int       `json:"version" db:"version"`
	CreatedBy string    `json:"createdBy" db:"created_by"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedBy string    `json:"updatedBy" db:"updated_by"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TableName returns the table name for the Policy model
func (Policy) TableName() string {
	return "policies"
}

// NewPolicy creates a version 1 policy owned by tenantID
func NewPolicy(tenantID string, fields PolicyFields, createdBy string) *Policy {
	now := time.Now().UTC()
	return &Policy{
		ID:           uuid.New(),
		TenantID:     tenantID,
		PolicyFields: fields,
		Version:      1,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedBy:    createdBy,
		UpdatedAt:    now,
	}
}

// Clone returns an independent copy
func (p *Policy) Clone() *Policy {
	c := *p
	return &c
}

// Snapshot returns the immutable history entry describing this version
func (p *Policy) Snapshot() *HistoryEntry {
	return &HistoryEntry{
		PolicyID:  p.ID,
		TenantID:  p.TenantID,
		Version:   p.Version,
		Data:      p.PolicyFields,
		UpdatedBy: p.UpdatedBy,
		UpdatedAt: p.UpdatedAt,
	}
}

// Matches reports whether a pii or injection policy references the given subtype
func (p *Policy) Matches(subtype string) bool {
	pattern := strings.TrimSpace(p.Pattern)
	return pattern == WildcardPattern || strings.EqualFold(pattern, subtype)
}

// HistoryEntry is an immutable snapshot keyed by (policyId, version)
type HistoryEntry struct {
	PolicyID  uuid.UUID    `json:"policyId" db:"policy_id"`
	TenantID  string       `json:"tenantId" db:"tenant_id"`
	Version   int          `json:"version" db:"version"`
	Data      PolicyFields `json:"data" db:"data"`
	UpdatedBy string       `json:"updatedBy" db:"updated_by"`
	UpdatedAt time.Time    `json:"updatedAt" db:"updated_at"`
}

// TableName returns the table name for the HistoryEntry model
func (HistoryEntry) TableName() string {
	return "policy_history"
}
