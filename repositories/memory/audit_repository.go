package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
)

// AuditRepository keeps audit rows sorted oldest first by (timestamp, id)
type AuditRepository struct {
	mu   sync.RWMutex
	rows []*models.AuditLog
}

// NewAuditRepository creates an empty audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func before(a, b *models.AuditLog) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID.String() < b.ID.String()
}

// Insert appends a row, keeping the slice ordered
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := *log
	idx := sort.Search(len(r.rows), func(i int) bool {
		return before(&row, r.rows[i])
	})
	r.rows = append(r.rows, nil)
	copy(r.rows[idx+1:], r.rows[idx:])
	r.rows[idx] = &row
	return nil
}

func matches(row *models.AuditLog, filter models.LogFilter) bool {
	if filter.TenantID != "" && row.TenantID != filter.TenantID {
		return false
	}
	if filter.Verdict != "" && row.Decision != filter.Verdict {
		return false
	}
	if filter.Category != "" && !row.HasCategory(filter.Category) {
		return false
	}
	return true
}

// Query walks newest first and applies offset and limit
func (r *AuditRepository) Query(ctx context.Context, filter models.LogFilter) ([]*models.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditLog, 0)
	skipped := 0
	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		if !matches(row, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		c := *row
		out = append(out, &c)
	}
	return out, nil
}

// ListByUser returns a user's recent rows newest first
func (r *AuditRepository) ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditLog, 0)
	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		if row.Timestamp.Before(since) {
			break
		}
		if row.UserID != userID {
			continue
		}
		c := *row
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteBefore removes rows older than cutoff
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.rows), func(i int) bool {
		return !r.rows[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0, nil
	}
	kept := make([]*models.AuditLog, len(r.rows)-idx)
	copy(kept, r.rows[idx:])
	r.rows = kept
	return int64(idx), nil
}

// WithTx returns the repository itself
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return r
}
