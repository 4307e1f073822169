package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresAuditRepo struct {
	db *sqlx.DB
}

func NewPostgresAuditRepo(db *sqlx.DB) *PostgresAuditRepo {
	repo := &PostgresAuditRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, e *model.AuditEvent) error {
	if e == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	detailsJSON, _ := json.Marshal(e.Details)
	return r.db.QueryRowxContext(ctx, `
		INSERT INTO audit_events (client_id, timestamp, event_type, details, risk_rule)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, e.ClientID, e.Timestamp, e.EventType, detailsJSON, e.RiskRule).Scan(&e.ID)
}

// List 支持按租户、事件类型与时间窗过滤。
func (r *PostgresAuditRepo) List(ctx context.Context, clientID, eventType string, limit int, from, to *time.Time) ([]*model.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, client_id, timestamp, event_type, details, risk_rule FROM audit_events`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if clientID != "" {
		clauses = append(clauses, fmt.Sprintf("client_id = $%d", idx))
		args = append(args, clientID)
		idx++
	}
	if eventType != "" {
		clauses = append(clauses, fmt.Sprintf("event_type = $%d", idx))
		args = append(args, eventType)
		idx++
	}
	if from != nil {
		clauses = append(clauses, fmt.Sprintf("timestamp >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		clauses = append(clauses, fmt.Sprintf("timestamp <= $%d", idx))
		args = append(args, *to)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.AuditEvent, 0, limit)
	for rows.Next() {
		var e model.AuditEvent
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Timestamp, &e.EventType, &detailsJSON, &e.RiskRule); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		records = append(records, &e)
	}
	return records, nil
}

func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := r.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	return err
}

func (r *PostgresAuditRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			client_id TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			details JSONB,
			risk_rule TEXT
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client_id, timestamp DESC)`)
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type, timestamp DESC)`)
	return nil
}
