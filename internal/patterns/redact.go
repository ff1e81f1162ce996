package patterns

import (
	"sort"

	"github.com/upb/prompt-firewall/models"
)

// DefaultMask replaces every redacted span
const DefaultMask = "[REDACTED]"

// Span is a [Start, End) byte range of a text
type Span struct {
	Start int
	End   int
}

// RedactSpans replaces each span with mask. Overlapping spans are merged
// into one masked region and out-of-range spans are ignored.
func RedactSpans(text string, spans []Span, mask string) string {
	merged := mergeSpans(text, spans)
	if len(merged) == 0 {
		return text
	}

	// Replace from the end so earlier offsets stay valid
	result := text
	for i := len(merged) - 1; i >= 0; i-- {
		sp := merged[i]
		result = result[:sp.Start] + mask + result[sp.End:]
	}
	return result
}

func mergeSpans(text string, spans []Span) []Span {
	valid := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.End <= sp.Start {
			continue
		}
		valid = append(valid, sp)
	}
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].Start != valid[j].Start {
			return valid[i].Start < valid[j].Start
		}
		return valid[i].End > valid[j].End
	})

	var out []Span
	for _, sp := range valid {
		if n := len(out); n > 0 && sp.Start < out[n-1].End {
			if sp.End > out[n-1].End {
				out[n-1].End = sp.End
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}

// RedactPII masks every PII match in text. Used for stored previews.
func (l *Library) RedactPII(text, mask string) string {
	matches := l.ScanType(text, models.FindingTypePII)
	if len(matches) == 0 {
		return text
	}
	spans := make([]Span, 0, len(matches))
	for _, m := range matches {
		spans = append(spans, Span{Start: m.Position, End: m.Position + len(m.Text)})
	}
	return RedactSpans(text, spans, mask)
}

// Preview truncates text to models.PreviewLength characters after masking PII
func (l *Library) Preview(text string) string {
	if text == "" {
		return ""
	}
	return models.Truncate(l.RedactPII(text, DefaultMask), models.PreviewLength)
}
