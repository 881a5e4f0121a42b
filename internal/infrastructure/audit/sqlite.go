package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"qrguard-lab/internal/domain/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decision_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	decision TEXT NOT NULL,
	risk_level TEXT NOT NULL,
	summary TEXT NOT NULL,
	reasons TEXT NOT NULL
);`

// SQLiteSink stores audit records in a local SQLite database
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer keeps appends serialized inside the driver
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteSink migrates the schema and returns the sink
func NewSQLiteSink(ctx context.Context, db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite audit: %w", err)
	}
	return s, nil
}

// Append inserts one record
func (s *SQLiteSink) Append(ctx context.Context, rec models.AuditRecord) error {
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_audit (decision_id, timestamp, decision, risk_level, summary, reasons) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.DecisionID.String(), rec.Timestamp, string(rec.Decision), string(rec.RiskLevel), rec.Summary, string(reasons),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision_id, timestamp, decision, risk_level, summary, reasons FROM decision_audit ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
