package patterns

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/upb/prompt-firewall/models"
	"gopkg.in/yaml.v3"
)

// FileSpec is the YAML layout of an extra-detector file
//
//	version: "2024-06"
//	detectors:
//	  - subtype: employee_id
//	    category: pii
//	    expressions: ['\bEMP-\d{6}\b']
//	    severity: high
type FileSpec struct {
	Version   string         `yaml:"version"`
	Detectors []DetectorSpec `yaml:"detectors"`
}

// DetectorSpec declares one expression-based detector
type DetectorSpec struct {
	Subtype     string   `yaml:"subtype"`
	Category    string   `yaml:"category"`
	Expression  string   `yaml:"expression"`
	Expressions []string `yaml:"expressions"`
	Severity    string   `yaml:"severity"`
	Confidence  *float64 `yaml:"confidence"`
}

// LoadFile reads and compiles the detectors declared in a YAML file
func LoadFile(path string) ([]Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	return ParseDetectors(data)
}

// ParseDetectors compiles detectors from YAML. Any invalid entry rejects the whole document.
func ParseDetectors(data []byte) ([]Detector, error) {
	var spec FileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}

	seen := make(map[string]bool, len(spec.Detectors))
	detectors := make([]Detector, 0, len(spec.Detectors))
	for i, ds := range spec.Detectors {
		d, err := ds.compile()
		if err != nil {
			return nil, fmt.Errorf("detector %d (%s): %w", i, ds.Subtype, err)
		}
		if seen[d.subtype] {
			return nil, fmt.Errorf("detector %d: duplicate subtype %q", i, d.subtype)
		}
		seen[d.subtype] = true
		detectors = append(detectors, d)
	}
	return detectors, nil
}

func (ds DetectorSpec) compile() (*regexDetector, error) {
	subtype := strings.ToLower(strings.TrimSpace(ds.Subtype))
	if subtype == "" {
		return nil, fmt.Errorf("subtype is required")
	}

	var findType models.FindingType
	switch strings.ToLower(ds.Category) {
	case string(models.PolicyTypePII):
		findType = models.FindingTypePII
	case string(models.PolicyTypeInjection):
		findType = models.FindingTypeInjection
	default:
		return nil, fmt.Errorf("category must be pii or injection, got %q", ds.Category)
	}

	severity := models.Severity(strings.ToLower(ds.Severity))
	if severity == "" {
		severity = models.SeverityMedium
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("invalid severity %q", ds.Severity)
	}

	if ds.Confidence != nil && (*ds.Confidence <= 0 || *ds.Confidence > 1) {
		return nil, fmt.Errorf("confidence must be in (0, 1]")
	}

	exprs := ds.Expressions
	if ds.Expression != "" {
		exprs = append([]string{ds.Expression}, exprs...)
	}
	if len(exprs) == 0 {
		return nil, fmt.Errorf("at least one expression is required")
	}

	compiled := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
		}
		compiled = append(compiled, re)
	}

	return &regexDetector{
		subtype:    subtype,
		findType:   findType,
		severity:   severity,
		confidence: ds.Confidence,
		patterns:   compiled,
		normalized: findType == models.FindingTypeInjection,
	}, nil
}
