package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/infrastructure/database"
)

// PostgresSchema creates the audit table
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS decision_audit (
		id BIGSERIAL PRIMARY KEY,
		decision_id UUID NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		decision TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		summary TEXT NOT NULL,
		reasons JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decision_audit_decision ON decision_audit (decision, recorded_at DESC)`,
}

// PostgresSink stores audit records in PostgreSQL
type PostgresSink struct {
	db database.DBTX
}

// NewPostgresSink wraps a pool or transaction
func NewPostgresSink(db database.DBTX) *PostgresSink {
	return &PostgresSink{db: db}
}

// Append inserts one record
func (s *PostgresSink) Append(ctx context.Context, rec models.AuditRecord) error {
	recordedAt, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("audit timestamp: %w", err)
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO decision_audit (decision_id, recorded_at, decision, risk_level, summary, reasons)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.DecisionID, recordedAt, string(rec.Decision), string(rec.RiskLevel), rec.Summary, reasons,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT decision_id::text, to_char(recorded_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
		        decision, risk_level, summary, reasons::text
		 FROM decision_audit ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var (
			rec                          models.AuditRecord
			id, decision, level, reasons string
		)
		if err := rows.Scan(&id, &rec.Timestamp, &decision, &level, &rec.Summary, &reasons); err != nil {
			return nil, err
		}
		if err := decodeRow(&rec, id, decision, level, reasons); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRow(rec *models.AuditRecord, id, decision, level, reasons string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("decision id: %w", err)
	}
	rec.DecisionID = parsed
	rec.Decision = models.Action(decision)
	rec.RiskLevel = models.RiskLevel(level)
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return fmt.Errorf("reasons: %w", err)
	}
	return nil
}
