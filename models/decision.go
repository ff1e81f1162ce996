package models

// Verdict is the enforcement outcome of a decision
type Verdict = Action

const (
	VerdictAllow  = ActionAllow
	VerdictWarn   = ActionWarn
	VerdictRedact = ActionRedact
	VerdictBlock  = ActionBlock
)

// DecisionMetadata counts findings per category
type DecisionMetadata struct {
	PIICount       int `json:"pii_count"`
	InjectionCount int `json:"injection_count"`
	CustomCount    int `json:"custom_count"`
	AnomalyCount   int `json:"anomaly_count,omitempty"`
	TotalRisks     int `json:"total_risks"`
	RiskScore      int `json:"risk_score"`
}

// Decision is the firewall outcome for one piece of text
type Decision struct {
	Verdict        Verdict          `json:"decision"`
	OriginalText   string           `json:"originalText"`
	ModifiedText   string           `json:"modifiedText"`
	Findings       []RiskFinding    `json:"risks"`
	Explanations   []string         `json:"explanations"`
	Severity       Severity         `json:"severity"`
	LatencySeconds float64          `json:"latency"`
	TenantID       string           `json:"tenantId"`
	Metadata       DecisionMetadata `json:"metadata"`
}

// CountFindings fills the per-category counters from the findings
func (d *Decision) CountFindings() {
	m := DecisionMetadata{RiskScore: d.Metadata.RiskScore}
	for _, f := range d.Findings {
		switch f.Type {
		case FindingTypePII:
			m.PIICount++
		case FindingTypeInjection:
			m.InjectionCount++
		case FindingTypeCustom:
			m.CustomCount++
		case FindingTypeAnomaly:
			m.AnomalyCount++
			continue
		}
		m.TotalRisks++
	}
	d.Metadata = m
}

// HasCategory reports whether any finding is of the given type
func (d *Decision) HasCategory(t FindingType) bool {
	for _, f := range d.Findings {
		if f.Type == t {
			return true
		}
	}
	return false
}
