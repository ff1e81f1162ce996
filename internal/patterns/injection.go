package patterns

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/upb/prompt-firewall/models"
)

// Prompt-injection subtypes
const (
	SubtypeInstructionOverride = "instruction_override"
	SubtypeRoleHijack          = "role_hijack"
	SubtypePromptLeak          = "prompt_leak"
	SubtypeExfiltration        = "exfiltration"
	SubtypeLogicTrap           = "logic_trap"
	SubtypeDelimiterAbuse      = "delimiter_abuse"
	SubtypeEncodedPayload      = "encoded_payload"
	SubtypeAnomalousLength     = "anomalous_length"
)

var (
	// Instruction override patterns
	instructionOverridePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget|skip|bypass|override)\s+(?:(?:all|any|the|your|of|these|those)\s+)*(?:previous|prior|above|earlier|preceding|initial|system)\s+(?:instructions?|prompts?|rules|commands?|directions?|guidelines?)`),
		regexp.MustCompile(`(?i)\bforget\s+(?:everything|all\s+previous|what\s+you\s+(?:were\s+told|learned))`),
		regexp.MustCompile(`(?i)\b(?:new|updated)\s+instructions?\s*:`),
		regexp.MustCompile(`(?i)\bstart\s+over\s+with\s+new\s+instructions?`),
		regexp.MustCompile(`(?i)\breset\s+(?:to|your)\s+(?:default|factory)\s+(?:settings?|mode)`),
	}

	// Role manipulation patterns
	roleHijackPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the|my|in)\s+\w+`),
		regexp.MustCompile(`(?i)\b(?:pretend|imagine)\s+(?:to\s+be|you\s+are|that\s+you\s+are)\b`),
		regexp.MustCompile(`(?i)\bact\s+as\s+(?:an?\s+)?(?:DAN|evil|unrestricted|unfiltered|jailbroken)\b`),
		regexp.MustCompile(`(?i)\bassume\s+(?:the\s+)?(?:role|identity|persona)\s+of\b`),
		regexp.MustCompile(`(?i)\bfrom\s+now\s+on,?\s+you\s+(?:are|will)\b`),
		regexp.MustCompile(`(?i)\b(?:DAN|developer|god|unrestricted|jailbreak)\s+mode\b`),
		regexp.MustCompile(`(?i)\bwithout\s+(?:any\s+)?(?:ethical\s+|moral\s+)?(?:restrictions|limitations|filters)\b`),
	}

	// System prompt leak patterns
	promptLeakPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:reveal|show|print|display|repeat|output|leak|tell\s+me|give\s+me|what\s+(?:is|are|was|were))\s+(?:me\s+)?(?:your|the)\s+(?:full\s+|entire\s+|original\s+|initial\s+|hidden\s+|secret\s+)?(?:system\s+prompt|system\s+instructions?|initial\s+instructions?|hidden\s+instructions?|original\s+instructions?)`),
		regexp.MustCompile(`(?i)\bsystem\s+prompt\s*:`),
	}

	// Data exfiltration patterns
	exfiltrationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:send|post|transmit|upload|forward)\s+(?:(?:it|this|everything|data|information|content|the\s+\w+|all\s+\w+)\s+)?(?:to|at)\s+https?://`),
		regexp.MustCompile(`(?i)\bwebhook\s+(?:url|endpoint)\b`),
		regexp.MustCompile(`(?i)\bfetch\s+from\s+https?://`),
		regexp.MustCompile(`(?i)\b(?:execute|run)\s+(?:this|the\s+following)\s+(?:code|script|command)\b`),
		regexp.MustCompile(`(?i)\bimport\s+(?:os|subprocess|socket)\b`),
	}

	// Coercion and false-premise patterns
	logicTrapPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bif\s+you\s+(?:don'?t|do\s+not)\s+\w+\s*,\s*then\b`),
		regexp.MustCompile(`(?i)\byou\s+must\s+(?:respond|answer|tell|comply)\b`),
		regexp.MustCompile(`(?i)\bit'?s\s+(?:okay|ok|fine|safe)\s+to\s+(?:tell|share|reveal)\b`),
		regexp.MustCompile(`(?i)\bthis\s+is\s+(?:just\s+)?(?:a\s+)?(?:test|simulation|hypothetical)\b`),
	}

	// Chat-template role markers
	roleTokenPattern = regexp.MustCompile(`\[/?(?:SYSTEM|USER|ASSISTANT|INST)\]|<\|(?:system|user|assistant|end|im_start|im_end)\|>|###\s*(?:SYSTEM|USER|ASSISTANT|INSTRUCTION)\b|<<<[^>]*>>>`)

	delimiterTokens = []string{"---", "===", "***", "###", "```"}

	encodingMarkerPattern = regexp.MustCompile(`(?i)\bbase64\s*:|\bdecode\s+(?:this|the\s+following)\b|&#x200[b-f];|\\u200[b-f]`)
	base64RunPattern      = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	hexEscapePattern      = regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){10,}`)
)

// maxDelimiters is the number of delimiter sequences tolerated before flagging
const maxDelimiters = 5

// phraseFamilies are the families whose presence inside a decoded payload escalates it
var phraseFamilies = [][]*regexp.Regexp{
	instructionOverridePatterns,
	roleHijackPatterns,
	promptLeakPatterns,
	exfiltrationPatterns,
}

func injectionDetectors(lengthThreshold int) []Detector {
	return []Detector{
		&regexDetector{
			subtype:    SubtypeInstructionOverride,
			findType:   models.FindingTypeInjection,
			severity:   models.SeverityHigh,
			confidence: models.Confidence(0.9),
			patterns:   instructionOverridePatterns,
			normalized: true,
		},
		&regexDetector{
			subtype:    SubtypeRoleHijack,
			findType:   models.FindingTypeInjection,
			severity:   models.SeverityHigh,
			confidence: models.Confidence(0.8),
			patterns:   roleHijackPatterns,
			normalized: true,
		},
		&regexDetector{
			subtype:    SubtypePromptLeak,
			findType:   models.FindingTypeInjection,
			severity:   models.SeverityCritical,
			confidence: models.Confidence(0.85),
			patterns:   promptLeakPatterns,
			normalized: true,
		},
		&regexDetector{
			subtype:    SubtypeExfiltration,
			findType:   models.FindingTypeInjection,
			severity:   models.SeverityCritical,
			confidence: models.Confidence(0.7),
			patterns:   exfiltrationPatterns,
			normalized: true,
		},
		&regexDetector{
			subtype:    SubtypeLogicTrap,
			findType:   models.FindingTypeInjection,
			severity:   models.SeverityHigh,
			confidence: models.Confidence(0.6),
			patterns:   logicTrapPatterns,
			normalized: true,
		},
		&funcDetector{
			subtype:  SubtypeDelimiterAbuse,
			findType: models.FindingTypeInjection,
			severity: models.SeverityHigh,
			detect:   detectDelimiterAbuse,
		},
		&funcDetector{
			subtype:  SubtypeEncodedPayload,
			findType: models.FindingTypeInjection,
			severity: models.SeverityMedium,
			detect:   detectEncodedPayload,
		},
		&funcDetector{
			subtype:  SubtypeAnomalousLength,
			findType: models.FindingTypeInjection,
			severity: models.SeverityMedium,
			detect: func(text string) []Match {
				if utf8.RuneCountInString(text) <= lengthThreshold {
					return nil
				}
				return []Match{{Position: 0, Confidence: models.Confidence(0.5)}}
			},
		},
	}
}

func detectDelimiterAbuse(text string) []Match {
	var matches []Match
	for _, loc := range roleTokenPattern.FindAllStringIndex(text, -1) {
		matches = append(matches, Match{
			Text:       text[loc[0]:loc[1]],
			Position:   loc[0],
			Confidence: models.Confidence(0.8),
		})
	}

	count := 0
	first, firstToken := -1, ""
	for _, tok := range delimiterTokens {
		n := strings.Count(text, tok)
		if n == 0 {
			continue
		}
		count += n
		if idx := strings.Index(text, tok); first < 0 || idx < first {
			first, firstToken = idx, tok
		}
	}
	if count > maxDelimiters {
		covered := false
		for _, m := range matches {
			if m.Position == first && m.Text == firstToken {
				covered = true
			}
		}
		if !covered {
			matches = append(matches, Match{
				Text:       firstToken,
				Position:   first,
				Confidence: models.Confidence(0.6),
			})
		}
	}
	return matches
}

func detectEncodedPayload(text string) []Match {
	var matches []Match

	for _, loc := range encodingMarkerPattern.FindAllStringIndex(text, -1) {
		matches = append(matches, Match{
			Text:       text[loc[0]:loc[1]],
			Position:   loc[0],
			Confidence: models.Confidence(0.5),
		})
	}

	for _, loc := range base64RunPattern.FindAllStringIndex(text, -1) {
		decoded, ok := decodeBase64(text[loc[0]:loc[1]])
		if !ok {
			continue
		}
		m := Match{
			Text:       text[loc[0]:loc[1]],
			Position:   loc[0],
			Confidence: models.Confidence(0.6),
		}
		if containsInjectionPhrase(decoded) {
			m.Severity = models.SeverityHigh
			m.Confidence = models.Confidence(0.9)
		}
		matches = append(matches, m)
	}

	for _, loc := range hexEscapePattern.FindAllStringIndex(text, -1) {
		matches = append(matches, Match{
			Text:       text[loc[0]:loc[1]],
			Position:   loc[0],
			Confidence: models.Confidence(0.6),
		})
	}

	// runs of invisible characters
	start := -1
	for i, r := range text {
		if IsZeroWidth(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			matches = append(matches, Match{Text: text[start:i], Position: start, Confidence: models.Confidence(0.6)})
			start = -1
		}
	}
	if start >= 0 {
		matches = append(matches, Match{Text: text[start:], Position: start, Confidence: models.Confidence(0.6)})
	}

	return matches
}

// decodeBase64 accepts a run only when it decodes to mostly printable UTF-8
func decodeBase64(run string) (string, bool) {
	var data []byte
	var err error
	if strings.HasSuffix(run, "=") || len(run)%4 == 0 {
		data, err = base64.StdEncoding.DecodeString(run)
	} else {
		data, err = base64.RawStdEncoding.DecodeString(run)
	}
	if err != nil || len(data) == 0 || !utf8.Valid(data) {
		return "", false
	}

	decoded := string(data)
	printable := 0
	total := 0
	for _, r := range decoded {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if printable*10 < total*9 {
		return "", false
	}
	return decoded, true
}

func containsInjectionPhrase(text string) bool {
	view := Normalize(text)
	for _, family := range phraseFamilies {
		for _, re := range family {
			if re.MatchString(view.Text) {
				return true
			}
		}
	}
	return false
}
