package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, tenant_id, user_id, request_id, created_at, decision, severity,
	risks, explanations, prompt_preview, response_preview, latency_seconds,
	model, risk_score, metadata`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

func (r *AuditRepository) executor(ctx context.Context) Executor {
	return boundExecutor(ctx, r.db, r.tx)
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	risks, err := json.Marshal(nonNilRisks(log.Risks))
	if err != nil {
		return fmt.Errorf("failed to encode risks: %w", err)
	}
	explanations, err := json.Marshal(nonNilStrings(log.Explanations))
	if err != nil {
		return fmt.Errorf("failed to encode explanations: %w", err)
	}
	metadata, err := json.Marshal(log.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = r.executor(ctx).ExecContext(ctx, query,
		log.ID,
		log.TenantID,
		log.UserID,
		log.RequestID,
		log.Timestamp,
		log.Decision,
		log.Severity,
		risks,
		explanations,
		log.PromptPreview,
		log.ResponsePreview,
		log.LatencySeconds,
		log.Model,
		log.RiskScore,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted",
		zap.String("id", log.ID.String()),
		zap.String("decision", string(log.Decision)))
	return nil
}

// Query returns rows newest first honoring limit and offset
func (r *AuditRepository) Query(ctx context.Context, filter models.LogFilter) ([]*models.AuditLog, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Verdict != "" {
		args = append(args, filter.Verdict)
		conditions = append(conditions, fmt.Sprintf("decision = $%d", len(args)))
	}
	if filter.Category != "" {
		contains, err := json.Marshal([]map[string]models.FindingType{{"type": filter.Category}})
		if err != nil {
			return nil, fmt.Errorf("failed to encode category filter: %w", err)
		}
		args = append(args, string(contains))
		conditions = append(conditions, fmt.Sprintf("risks @> $%d::jsonb", len(args)))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryAuditLogs(ctx, query, args...)
}

// ListByUser returns a user's rows recorded since the given time, newest first
func (r *AuditRepository) ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	if limit <= 0 {
		limit = 1000
	}
	return r.queryAuditLogs(ctx, query, userID, since, limit)
}

// DeleteBefore prunes rows older than cutoff
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE created_at < $1`

	result, err := r.executor(ctx).ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("audit logs pruned",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", rowsAffected))
	return rowsAffected, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	bound := &AuditRepository{
		db:     r.db,
		logger: r.logger,
	}
	if pgTx, ok := tx.(*Transaction); ok {
		bound.tx = pgTx
	}
	return bound
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLog, error) {
	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var risks, explanations, metadata []byte
		err := rows.Scan(
			&log.ID,
			&log.TenantID,
			&log.UserID,
			&log.RequestID,
			&log.Timestamp,
			&log.Decision,
			&log.Severity,
			&risks,
			&explanations,
			&log.PromptPreview,
			&log.ResponsePreview,
			&log.LatencySeconds,
			&log.Model,
			&log.RiskScore,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := decodeJSONColumn(risks, &log.Risks); err != nil {
			return nil, fmt.Errorf("failed to decode risks: %w", err)
		}
		if err := decodeJSONColumn(explanations, &log.Explanations); err != nil {
			return nil, fmt.Errorf("failed to decode explanations: %w", err)
		}
		if err := decodeJSONColumn(metadata, &log.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		log.Risks = nonNilRisks(log.Risks)
		log.Explanations = nonNilStrings(log.Explanations)
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

func decodeJSONColumn(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nonNilRisks(risks []models.RiskFinding) []models.RiskFinding {
	if risks == nil {
		return []models.RiskFinding{}
	}
	return risks
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
