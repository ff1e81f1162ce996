package detector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/upb/prompt-firewall/internal/patterns"
	"github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/services"
	"go.uber.org/zap"
)

// Subtypes reported for tenant-defined patterns
const (
	SubtypeCustom         = "custom"
	SubtypeInvalidPattern = "invalid_pattern"
)

// maxCachedPatterns bounds the compiled custom-pattern cache
const maxCachedPatterns = 1024

// Service runs the pattern library and a tenant's custom policies over a text
type Service struct {
	source  patterns.Source
	regexes *regexCache
	logger  *zap.Logger
}

// NewService creates a detector over a pattern library source
func NewService(source patterns.Source, logger *zap.Logger) *Service {
	return &Service{
		source:  source,
		regexes: newRegexCache(maxCachedPatterns),
		logger:  logger,
	}
}

// candidate carries the registration order used for stable sorting
type candidate struct {
	finding models.RiskFinding
	order   int
}

// Detect returns the findings for text under the tenant's policy set, ordered by
// position, then severity descending, then registration order. A panic in any
// detector is reported as ErrDetectorUnavailable so the caller can fail closed.
func (s *Service) Detect(ctx context.Context, text string, set *policy.Set, scope models.Scope) (findings []models.RiskFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("detector panicked",
				zap.Any("panic", r),
				zap.String("scope", string(scope)))
			findings = nil
			err = services.ErrDetectorUnavailable.WithDetail("panic", fmt.Sprint(r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if set == nil {
		set = policy.NewSet(nil, policy.DisabledModeAction)
	}

	lib := s.source.Current()
	var candidates []candidate

	for _, m := range lib.Scan(text) {
		if set.Suppressed(m.Type, m.Subtype) {
			continue
		}
		candidates = append(candidates, candidate{
			finding: models.RiskFinding{
				Type:        m.Type,
				Subtype:     m.Subtype,
				MatchedText: m.Text,
				Severity:    set.Severity(m.Type, m.Subtype, m.Severity),
				Position:    m.Position,
				Confidence:  m.Confidence,
				Scope:       scope,
			},
			order: m.Order,
		})
	}

	order := lib.Len()
	for _, p := range set.Custom() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates = append(candidates, s.detectCustom(text, p, order, scope)...)
		order++
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.finding.Position != b.finding.Position {
			return a.finding.Position < b.finding.Position
		}
		if a.finding.Severity.Rank() != b.finding.Severity.Rank() {
			return a.finding.Severity.Rank() > b.finding.Severity.Rank()
		}
		return a.order < b.order
	})

	return dedupe(candidates), nil
}

func (s *Service) detectCustom(text string, p *models.Policy, order int, scope models.Scope) []candidate {
	id := p.ID
	re, err := s.regexes.get(p.Pattern)
	if err != nil {
		s.logger.Warn("skipping custom policy with invalid pattern",
			zap.String("policy_id", p.ID.String()),
			zap.String("tenant_id", p.TenantID),
			zap.Error(err))
		return []candidate{{
			finding: models.RiskFinding{
				Type:           models.FindingTypeAnomaly,
				Subtype:        SubtypeInvalidPattern,
				Severity:       models.SeverityLow,
				SourcePolicyID: &id,
				PolicyName:     p.Name,
				Scope:          scope,
			},
			order: order,
		}}
	}

	var out []candidate
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if loc[1] == loc[0] {
			continue
		}
		out = append(out, candidate{
			finding: models.RiskFinding{
				Type:           models.FindingTypeCustom,
				Subtype:        SubtypeCustom,
				MatchedText:    text[loc[0]:loc[1]],
				Severity:       p.Severity,
				Position:       loc[0],
				SourcePolicyID: &id,
				PolicyName:     p.Name,
				Scope:          scope,
			},
			order: order,
		})
	}
	return out
}

type findingKey struct {
	typ      models.FindingType
	subtype  string
	position int
	text     string
}

// dedupe keeps the first of identical (type, subtype, position, text) findings.
// Distinct custom policies hitting the same span are kept apart.
func dedupe(candidates []candidate) []models.RiskFinding {
	seen := make(map[findingKey]bool, len(candidates))
	out := make([]models.RiskFinding, 0, len(candidates))
	for _, c := range candidates {
		f := c.finding
		key := findingKey{typ: f.Type, subtype: f.Subtype, position: f.Position, text: f.MatchedText}
		if f.SourcePolicyID != nil {
			key.subtype += ":" + f.SourcePolicyID.String()
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// regexCache memoizes compiled custom patterns, including compile failures
type regexCache struct {
	mu      sync.RWMutex
	entries map[string]regexEntry
	max     int
}

type regexEntry struct {
	re  *regexp.Regexp
	err error
}

func newRegexCache(max int) *regexCache {
	return &regexCache{entries: make(map[string]regexEntry), max: max}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	e, ok := c.entries[pattern]
	c.mu.RUnlock()
	if ok {
		return e.re, e.err
	}

	re, err := regexp.Compile(pattern)
	e = regexEntry{re: re, err: err}

	c.mu.Lock()
	if len(c.entries) >= c.max {
		c.entries = make(map[string]regexEntry)
	}
	c.entries[pattern] = e
	c.mu.Unlock()

	return e.re, e.err
}

func (c *regexCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
