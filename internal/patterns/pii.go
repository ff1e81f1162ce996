package patterns

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/upb/prompt-firewall/models"
)

// PII subtypes
const (
	SubtypeSSN           = "ssn"
	SubtypeCreditCard    = "credit_card"
	SubtypeIBAN          = "iban"
	SubtypeMedicalRecord = "medical_record"
	SubtypeEmail         = "email"
	SubtypePhone         = "phone"
	SubtypeIPAddress     = "ip_address"
	SubtypeMedicalTerm   = "medical_term"
)

var (
	// Email pattern - RFC 5322 simplified
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)

	// Phone patterns - US with separators and international with a leading +
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:\+1[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`),
		regexp.MustCompile(`\+\d{1,3}[-.\s]\d{1,4}(?:[-.\s]\d{2,4}){2,3}\b`),
	}

	// SSN patterns - separated groups, or nine digits right after an SSN label
	ssnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{3}[- ]\d{2}[- ]\d{4})\b`),
		regexp.MustCompile(`(?i)\b(?:ssn|social\s+security(?:\s+number)?)\s*(?:#|no\.?|number)?\s*[:=]?\s*(\d{9})\b`),
	}

	// Credit card patterns - major brands, contiguous or in 4-digit groups
	creditCardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),          // Visa
		regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),                  // MasterCard
		regexp.MustCompile(`\b3[47][0-9]{13}\b`),                   // American Express
		regexp.MustCompile(`\b6(?:011|5[0-9]{2})[0-9]{12}\b`),      // Discover
		regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`), // grouped 16
		regexp.MustCompile(`\b3[47]\d{2}[- ]\d{6}[- ]\d{5}\b`),     // grouped Amex
	}

	ibanPattern = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)

	medicalRecordPattern = regexp.MustCompile(`(?i)\b(?:MRN|medical\s+record(?:\s+(?:number|no\.?|#))?)\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{5,11})\b`)

	// IP address patterns - IPv4 and IPv6
	ipPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
		regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`),
	}

	// PHI vocabulary - diagnoses, treatments and record references
	medicalTermPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:diagnosed\s+with|diagnosis\s+of|prescribed|prescription\s+for|medical\s+history|chemotherapy|oncology|insulin\s+dependent|blood\s+type|hepatitis\s+[abc]|tuberculosis|schizophrenia|bipolar\s+disorder)\b`),
		regexp.MustCompile(`\b(?:HIV|AIDS)\b`),
	}
)

func piiDetectors() []Detector {
	return []Detector{
		&regexDetector{
			subtype:  SubtypeSSN,
			findType: models.FindingTypePII,
			severity: models.SeverityCritical,
			patterns: ssnPatterns,
			group:    1,
			validate: looksLikeSSN,
		},
		&regexDetector{
			subtype:  SubtypeCreditCard,
			findType: models.FindingTypePII,
			severity: models.SeverityCritical,
			patterns: creditCardPatterns,
			validate: luhnCheck,
		},
		&regexDetector{
			subtype:  SubtypeIBAN,
			findType: models.FindingTypePII,
			severity: models.SeverityCritical,
			patterns: []*regexp.Regexp{ibanPattern},
			validate: ibanCheck,
		},
		&regexDetector{
			subtype:  SubtypeMedicalRecord,
			findType: models.FindingTypePII,
			severity: models.SeverityCritical,
			patterns: []*regexp.Regexp{medicalRecordPattern},
			group:    1,
			validate: hasDigit,
		},
		&regexDetector{
			subtype:  SubtypeEmail,
			findType: models.FindingTypePII,
			severity: models.SeverityMedium,
			patterns: []*regexp.Regexp{emailPattern},
		},
		&regexDetector{
			subtype:  SubtypePhone,
			findType: models.FindingTypePII,
			severity: models.SeverityMedium,
			patterns: phonePatterns,
		},
		&regexDetector{
			subtype:  SubtypeIPAddress,
			findType: models.FindingTypePII,
			severity: models.SeverityMedium,
			patterns: ipPatterns,
		},
		&regexDetector{
			subtype:    SubtypeMedicalTerm,
			findType:   models.FindingTypePII,
			severity:   models.SeverityHigh,
			confidence: models.Confidence(0.7),
			patterns:   medicalTermPatterns,
		},
	}
}

// looksLikeSSN rejects numbers the SSA never issues
func looksLikeSSN(s string) bool {
	digits := onlyDigits(s)
	if len(digits) != 9 {
		return false
	}

	// SSN cannot be all zeros in any group
	if digits[:3] == "000" || digits[3:5] == "00" || digits[5:] == "0000" {
		return false
	}

	// SSN cannot start with 666 or 9
	if strings.HasPrefix(digits, "666") || strings.HasPrefix(digits, "9") {
		return false
	}

	return true
}

// luhnCheck validates a credit card number using the Luhn algorithm
func luhnCheck(cardNumber string) bool {
	cardNumber = onlyDigits(cardNumber)

	if len(cardNumber) < 13 || len(cardNumber) > 19 {
		return false
	}

	sum := 0
	isSecond := false

	// Traverse from right to left
	for i := len(cardNumber) - 1; i >= 0; i-- {
		digit := int(cardNumber[i] - '0')

		if isSecond {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		isSecond = !isSecond
	}

	return sum%10 == 0
}

// ibanCheck validates the ISO 13616 mod-97 checksum
func ibanCheck(value string) bool {
	iban := strings.ReplaceAll(value, " ", "")
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}

	rearranged := iban[4:] + iban[:4]
	var numeric strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			numeric.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			numeric.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}

	n, ok := new(big.Int).SetString(numeric.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
