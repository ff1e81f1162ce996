package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/prompt-firewall/models"
	"go.uber.org/zap"
)

type MockHistorySource struct {
	mock.Mock
}

func (m *MockHistorySource) RecentByUser(ctx context.Context, userID string) ([]*models.AuditLog, error) {
	args := m.Called(ctx, userID)
	if rows := args.Get(0); rows != nil {
		return rows.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// rows builds n history rows spread one per hour, newest first
func rows(n int, verdict models.Verdict, withRisk bool) []*models.AuditLog {
	out := make([]*models.AuditLog, n)
	for i := range out {
		out[i] = &models.AuditLog{
			TenantID:  "tenant-a",
			Timestamp: base.Add(-time.Duration(i) * time.Hour),
			Decision:  verdict,
		}
		if withRisk {
			out[i].Risks = []models.RiskFinding{{Type: models.FindingTypePII}}
		}
	}
	return out
}

func burst(n int) []*models.AuditLog {
	out := make([]*models.AuditLog, n)
	for i := range out {
		out[i] = &models.AuditLog{
			TenantID:  "tenant-a",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Decision:  models.VerdictAllow,
		}
	}
	return out
}

func TestCompute_SeverityOnly(t *testing.T) {
	tests := []struct {
		severity models.Severity
		want     int
	}{
		{models.SeverityLow, 10},
		{models.SeverityMedium, 20},
		{models.SeverityHigh, 30},
		{models.SeverityCritical, 40},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.severity, nil))
		})
	}
}

func TestFrequencyScore(t *testing.T) {
	assert.Equal(t, 0, frequencyScore(burst(10)))
	assert.Equal(t, 5, frequencyScore(burst(11)))
	assert.Equal(t, 10, frequencyScore(burst(21)))
	assert.Equal(t, 20, frequencyScore(burst(31)))
	assert.Equal(t, 0, frequencyScore(rows(40, models.VerdictAllow, false)), "spread over many hours")
}

func TestPatternShiftScore(t *testing.T) {
	// Fewer rows than the recent window never score
	assert.Equal(t, 0, patternShiftScore(rows(9, models.VerdictAllow, true)))

	// Every row detected: recent rate equals the baseline
	assert.Equal(t, 0, patternShiftScore(rows(30, models.VerdictAllow, true)))

	// 10 recent detections over 40 rows: 1.0 against a 0.25 baseline
	history := append(rows(10, models.VerdictAllow, true), rows(30, models.VerdictAllow, false)...)
	assert.Equal(t, 20, patternShiftScore(history))

	// 4 of the recent 10 over 20 rows: 0.4 against a 0.2 baseline
	history = append(rows(4, models.VerdictAllow, true), rows(16, models.VerdictAllow, false)...)
	assert.Equal(t, 10, patternShiftScore(history))
}

func TestViolationScore(t *testing.T) {
	assert.Equal(t, 0, violationScore(rows(5, models.VerdictAllow, false)))
	assert.Equal(t, 5, violationScore(rows(1, models.VerdictRedact, false)))
	assert.Equal(t, 10, violationScore(rows(2, models.VerdictBlock, false)))
	assert.Equal(t, 10, violationScore(rows(4, models.VerdictRedact, false)))
	assert.Equal(t, 10, violationScore(rows(5, models.VerdictBlock, false)))
	assert.Equal(t, 20, violationScore(rows(6, models.VerdictBlock, false)))
}

func TestCompute_Maximum(t *testing.T) {
	// Newest rows are detected blocks; the burst shares their newest hour
	history := append(rows(10, models.VerdictBlock, true), burst(31)...)
	assert.Equal(t, MaxScore, Compute(models.SeverityCritical, history))
}

func TestScorer_Score(t *testing.T) {
	ctx := context.Background()

	t.Run("anonymous", func(t *testing.T) {
		source := new(MockHistorySource)
		scorer := NewScorer(source, zap.NewNop())

		assert.Equal(t, 30, scorer.Score(ctx, "", "tenant-a", models.SeverityHigh))
		source.AssertNotCalled(t, "RecentByUser", mock.Anything, mock.Anything)
	})

	t.Run("filters other tenants", func(t *testing.T) {
		source := new(MockHistorySource)
		scorer := NewScorer(source, zap.NewNop())

		history := rows(2, models.VerdictBlock, true)
		other := rows(10, models.VerdictBlock, true)
		for _, r := range other {
			r.TenantID = "tenant-b"
		}
		source.On("RecentByUser", ctx, "alice").Return(append(history, other...), nil)

		// Two blocks in tenant-a only: 10 + 10
		assert.Equal(t, 20, scorer.Score(ctx, "alice", "tenant-a", models.SeverityLow))
		source.AssertExpectations(t)
	})

	t.Run("history failure falls back to severity", func(t *testing.T) {
		source := new(MockHistorySource)
		scorer := NewScorer(source, zap.NewNop())
		source.On("RecentByUser", ctx, "alice").Return(nil, errors.New("db down"))

		assert.Equal(t, 20, scorer.Score(ctx, "alice", "tenant-a", models.SeverityMedium))
	})
}
