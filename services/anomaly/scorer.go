// Package anomaly scores how unusual a request is for its user, from the
// decision severity and the user's recent audit history.
package anomaly

import (
	"context"
	"time"

	"github.com/upb/prompt-firewall/models"
	"go.uber.org/zap"
)

// MaxScore caps the risk score
const MaxScore = 100

// recentWindow is how many of the newest rows form the recent detection rate
const recentWindow = 10

// HistorySource returns a user's recent audit rows, newest first
type HistorySource interface {
	RecentByUser(ctx context.Context, userID string) ([]*models.AuditLog, error)
}

// Scorer computes per-request risk scores
type Scorer struct {
	history HistorySource
	logger  *zap.Logger
}

// NewScorer creates a Scorer reading history from source
func NewScorer(source HistorySource, logger *zap.Logger) *Scorer {
	return &Scorer{history: source, logger: logger}
}

// Score returns the 0..100 risk score of a decision for userID in tenantID.
// Anonymous requests and history lookups that fail are scored on severity alone.
func (s *Scorer) Score(ctx context.Context, userID, tenantID string, severity models.Severity) int {
	if userID == "" || s.history == nil {
		return Compute(severity, nil)
	}

	rows, err := s.history.RecentByUser(ctx, userID)
	if err != nil {
		s.logger.Warn("risk score history unavailable",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return Compute(severity, nil)
	}

	history := make([]*models.AuditLog, 0, len(rows))
	for _, r := range rows {
		if r.TenantID == tenantID {
			history = append(history, r)
		}
	}
	return Compute(severity, history)
}

// Compute scores a severity against history ordered newest first
func Compute(severity models.Severity, history []*models.AuditLog) int {
	total := severityScore(severity) +
		frequencyScore(history) +
		patternShiftScore(history) +
		violationScore(history)
	if total > MaxScore {
		return MaxScore
	}
	return total
}

func severityScore(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return 10
	case models.SeverityMedium:
		return 20
	case models.SeverityHigh:
		return 30
	case models.SeverityCritical:
		return 40
	}
	return 0
}

// frequencyScore looks at the busiest clock hour in the history
func frequencyScore(history []*models.AuditLog) int {
	if len(history) == 0 {
		return 0
	}

	hourly := make(map[time.Time]int)
	busiest := 0
	for _, r := range history {
		if r.Timestamp.IsZero() {
			continue
		}
		hour := r.Timestamp.UTC().Truncate(time.Hour)
		hourly[hour]++
		if hourly[hour] > busiest {
			busiest = hourly[hour]
		}
	}

	switch {
	case busiest > 30:
		return 20
	case busiest > 20:
		return 10
	case busiest > 10:
		return 5
	}
	return 0
}

// patternShiftScore compares the detection rate of the newest rows with the
// rate over the whole window
func patternShiftScore(history []*models.AuditLog) int {
	if len(history) < recentWindow {
		return 0
	}

	baseline := detectionRate(history)
	recent := detectionRate(history[:recentWindow])

	switch {
	case recent > baseline*2 && recent > 0.5:
		return 20
	case recent > baseline*1.5:
		return 10
	}
	return 0
}

func detectionRate(rows []*models.AuditLog) float64 {
	detected := 0
	for _, r := range rows {
		if len(r.Risks) > 0 {
			detected++
		}
	}
	return float64(detected) / float64(len(rows))
}

// violationScore weighs blocks fully and redactions by half
func violationScore(history []*models.AuditLog) int {
	violations := 0.0
	for _, r := range history {
		switch r.Decision {
		case models.VerdictBlock:
			violations++
		case models.VerdictRedact:
			violations += 0.5
		}
	}

	switch {
	case violations > 5:
		return 20
	case violations >= 2:
		return 10
	case violations > 0:
		return 5
	}
	return 0
}
