// Package patterns holds the built-in PII/PHI and prompt-injection detectors.
package patterns

import (
	"regexp"
	"sort"

	"github.com/upb/prompt-firewall/models"
)

// Match is one candidate hit produced by a detector
type Match struct {
	Type       models.FindingType
	Subtype    string
	Text       string
	Position   int
	Severity   models.Severity
	Confidence *float64
	// Order is the registration index of the detector that produced the match
	Order int
}

// Detector is a pure text matcher
type Detector interface {
	Subtype() string
	Type() models.FindingType
	DefaultSeverity() models.Severity
	Detect(text string) []Match
}

// Library is an immutable, ordered set of detectors
type Library struct {
	detectors []Detector
	defaults  map[string]models.Severity
}

type options struct {
	lengthThreshold int
}

// Option customizes the built-in library
type Option func(*options)

// WithLengthThreshold sets the character count above which a prompt is flagged as anomalous
func WithLengthThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.lengthThreshold = n
		}
	}
}

// DefaultLengthThreshold is the anomalous_length trigger in characters
const DefaultLengthThreshold = 5000

// New returns the built-in library: PII detectors first, then injection detectors
func New(opts ...Option) *Library {
	o := options{lengthThreshold: DefaultLengthThreshold}
	for _, opt := range opts {
		opt(&o)
	}

	detectors := append(piiDetectors(), injectionDetectors(o.lengthThreshold)...)
	return newLibrary(detectors)
}

func newLibrary(detectors []Detector) *Library {
	defaults := make(map[string]models.Severity, len(detectors))
	for _, d := range detectors {
		if _, ok := defaults[d.Subtype()]; !ok {
			defaults[d.Subtype()] = d.DefaultSeverity()
		}
	}
	return &Library{detectors: detectors, defaults: defaults}
}

// With returns a new library with extra detectors registered after the existing ones
func (l *Library) With(extra ...Detector) *Library {
	detectors := make([]Detector, 0, len(l.detectors)+len(extra))
	detectors = append(detectors, l.detectors...)
	detectors = append(detectors, extra...)
	return newLibrary(detectors)
}

// Len returns the number of registered detectors
func (l *Library) Len() int {
	return len(l.detectors)
}

// Detectors returns the registered detectors in order
func (l *Library) Detectors() []Detector {
	out := make([]Detector, len(l.detectors))
	copy(out, l.detectors)
	return out
}

// DefaultSeverity returns the library severity for a subtype
func (l *Library) DefaultSeverity(subtype string) (models.Severity, bool) {
	s, ok := l.defaults[subtype]
	return s, ok
}

// Scan runs every detector and returns matches sorted by position, then
// severity descending, then registration order.
func (l *Library) Scan(text string) []Match {
	var matches []Match
	for i, d := range l.detectors {
		for _, m := range d.Detect(text) {
			m.Order = i
			matches = append(matches, m)
		}
	}
	SortMatches(matches)
	return matches
}

// ScanType runs only the detectors of one finding type
func (l *Library) ScanType(text string, t models.FindingType) []Match {
	var matches []Match
	for i, d := range l.detectors {
		if d.Type() != t {
			continue
		}
		for _, m := range d.Detect(text) {
			m.Order = i
			matches = append(matches, m)
		}
	}
	SortMatches(matches)
	return matches
}

// SortMatches orders matches by position, severity descending, then Order
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.Order < b.Order
	})
}

// regexDetector matches one or more expressions and reports each span once
type regexDetector struct {
	subtype    string
	findType   models.FindingType
	severity   models.Severity
	confidence *float64
	patterns   []*regexp.Regexp
	// group selects a capture group as the reported span; 0 is the whole match
	group int
	// validate rejects structurally matching but invalid values
	validate func(string) bool
	// normalized runs the expressions over the NFKC/zero-width-stripped view
	normalized bool
}

func (d *regexDetector) Subtype() string                  { return d.subtype }
func (d *regexDetector) Type() models.FindingType         { return d.findType }
func (d *regexDetector) DefaultSeverity() models.Severity { return d.severity }

func (d *regexDetector) Detect(text string) []Match {
	var spans [][2]int

	if d.normalized {
		view := Normalize(text)
		for _, re := range d.patterns {
			for _, loc := range re.FindAllStringSubmatchIndex(view.Text, -1) {
				start, end, ok := d.span(loc)
				if !ok {
					continue
				}
				s, e := view.Original(start, end)
				spans = append(spans, [2]int{s, e})
			}
		}
	} else {
		for _, re := range d.patterns {
			for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
				start, end, ok := d.span(loc)
				if !ok {
					continue
				}
				spans = append(spans, [2]int{start, end})
			}
		}
	}

	spans = disjoint(spans)

	matches := make([]Match, 0, len(spans))
	for _, sp := range spans {
		value := text[sp[0]:sp[1]]
		if d.validate != nil && !d.validate(value) {
			continue
		}
		matches = append(matches, Match{
			Type:       d.findType,
			Subtype:    d.subtype,
			Text:       value,
			Position:   sp[0],
			Severity:   d.severity,
			Confidence: d.confidence,
		})
	}
	return matches
}

func (d *regexDetector) span(loc []int) (int, int, bool) {
	idx := d.group * 2
	if idx+1 >= len(loc) || loc[idx] < 0 {
		return 0, 0, false
	}
	return loc[idx], loc[idx+1], loc[idx+1] > loc[idx]
}

// disjoint keeps the longest span at each start and drops spans overlapping an earlier kept one
func disjoint(spans [][2]int) [][2]int {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] > spans[j][1]
	})
	out := spans[:1]
	for _, sp := range spans[1:] {
		last := out[len(out)-1]
		if sp[0] < last[1] {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// funcDetector adapts a scan function that needs more than a list of expressions
type funcDetector struct {
	subtype  string
	findType models.FindingType
	severity models.Severity
	detect   func(text string) []Match
}

func (d *funcDetector) Subtype() string                  { return d.subtype }
func (d *funcDetector) Type() models.FindingType         { return d.findType }
func (d *funcDetector) DefaultSeverity() models.Severity { return d.severity }

func (d *funcDetector) Detect(text string) []Match {
	matches := d.detect(text)
	for i := range matches {
		matches[i].Type = d.findType
		matches[i].Subtype = d.subtype
		if matches[i].Severity == "" {
			matches[i].Severity = d.severity
		}
	}
	return matches
}
