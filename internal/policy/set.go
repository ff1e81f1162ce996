package policy

import (
	"sort"

	"github.com/google/uuid"
	"github.com/upb/prompt-firewall/models"
)

// Set is an immutable view of one tenant's policies, ordered by createdAt then id
type Set struct {
	policies []*models.Policy
	custom   []*models.Policy
	byID     map[uuid.UUID]*models.Policy
	mode     DisabledMode
}

// NewSet orders policies and indexes them. The slice is copied; the
// policies themselves must not be mutated afterwards.
func NewSet(policies []*models.Policy, mode DisabledMode) *Set {
	sorted := make([]*models.Policy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			sorted = append(sorted, p)
		}
	}
	SortPolicies(sorted)

	s := &Set{
		policies: sorted,
		byID:     make(map[uuid.UUID]*models.Policy, len(sorted)),
		mode:     mode,
	}
	for _, p := range sorted {
		s.byID[p.ID] = p
		if p.Type == models.PolicyTypeCustom && p.Enabled {
			s.custom = append(s.custom, p)
		}
	}
	return s
}

// SortPolicies orders policies by createdAt, then id
func SortPolicies(policies []*models.Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Policies returns every policy in evaluation order
func (s *Set) Policies() []*models.Policy {
	return s.policies
}

// Len returns the number of policies
func (s *Set) Len() int {
	return len(s.policies)
}

// Mode returns the configured disabled-policy mode
func (s *Set) Mode() DisabledMode {
	return s.mode
}

// Custom returns the enabled custom policies in evaluation order
func (s *Set) Custom() []*models.Policy {
	return s.custom
}

// Get looks a policy up by id
func (s *Set) Get(id uuid.UUID) (*models.Policy, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Applicable splits the pii/injection policies referencing a built-in subtype
// into enabled and disabled ones.
func (s *Set) Applicable(t models.FindingType, subtype string) (enabled, disabled []*models.Policy) {
	if t != models.FindingTypePII && t != models.FindingTypeInjection {
		return nil, nil
	}
	for _, p := range s.policies {
		if p.Type == models.PolicyTypeCustom || p.Type.FindingType() != t || !p.Matches(subtype) {
			continue
		}
		if p.Enabled {
			enabled = append(enabled, p)
		} else {
			disabled = append(disabled, p)
		}
	}
	return enabled, disabled
}

// Suppressed reports whether a built-in finding must be dropped: only in
// detection mode, when every policy referencing it is disabled.
func (s *Set) Suppressed(t models.FindingType, subtype string) bool {
	if s.mode != DisabledModeDetection {
		return false
	}
	enabled, disabled := s.Applicable(t, subtype)
	return len(enabled) == 0 && len(disabled) > 0
}

// Severity returns the tenant-effective severity of a built-in finding:
// the library default raised to the most severe enabled referencing policy.
func (s *Set) Severity(t models.FindingType, subtype string, base models.Severity) models.Severity {
	enabled, _ := s.Applicable(t, subtype)
	sev := base
	for _, p := range enabled {
		sev = models.MaxSeverity(sev, p.Severity)
	}
	return sev
}

// Govern resolves the policy and action governing a finding.
//
// Custom findings are governed by the policy that produced them. Built-in
// findings are governed by the most severe enabled referencing policy, ties
// going to the more restrictive action and then the earlier policy. Anomalies
// are always allowed.
func (s *Set) Govern(f models.RiskFinding) Governance {
	switch f.Type {
	case models.FindingTypeAnomaly:
		g := Governance{Action: models.ActionAllow}
		if f.SourcePolicyID != nil {
			g.Policy = s.byID[*f.SourcePolicyID]
		}
		return g

	case models.FindingTypeCustom:
		if f.SourcePolicyID != nil {
			if p, ok := s.byID[*f.SourcePolicyID]; ok && p.Enabled {
				return Governance{Policy: p, Action: p.Action}
			}
		}
		return Governance{Action: DefaultAction}
	}

	enabled, _ := s.Applicable(f.Type, f.Subtype)
	var best *models.Policy
	for _, p := range enabled {
		if best == nil || outranks(p, best) {
			best = p
		}
	}
	if best == nil {
		return Governance{Action: DefaultAction}
	}
	return Governance{Policy: best, Action: best.Action}
}

// outranks compares two candidates; on a full tie the earlier one keeps its place
func outranks(p, best *models.Policy) bool {
	if p.Severity.Rank() != best.Severity.Rank() {
		return p.Severity.Rank() > best.Severity.Rank()
	}
	return p.Action.Rank() > best.Action.Rank()
}
