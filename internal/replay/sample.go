package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ontopilot/ontopilot/internal/models"
)

// SampleSource yields bounded, ordered samples of recorded operations.
type SampleSource interface {
	Load(ctx context.Context, tenantID string, window time.Duration, maxOps int) ([]models.RecordedOp, error)
}

// PGSampleSource reads the recorded-operation log from Postgres. The log is
// append-only; every Load re-reads it.
type PGSampleSource struct {
	db *sql.DB
}

func NewPGSampleSource(db *sql.DB) *PGSampleSource {
	return &PGSampleSource{db: db}
}

func (s *PGSampleSource) Load(ctx context.Context, tenantID string, window time.Duration, maxOps int) ([]models.RecordedOp, error) {
	if maxOps <= 0 {
		maxOps = 1000
	}
	since := time.Now().UTC().Add(-window)
	const query = `
		SELECT id, partition_key, statement, params, baseline_ms, recorded_at
		FROM recorded_operations
		WHERE tenant_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, since, maxOps)
	if err != nil {
		return nil, fmt.Errorf("load recorded operations: %w", err)
	}
	defer rows.Close()

	var ops []models.RecordedOp
	for rows.Next() {
		var (
			op     models.RecordedOp
			key    sql.NullString
			params []byte
		)
		if err := rows.Scan(&op.ID, &key, &op.Statement, &params, &op.BaselineMillis, &op.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan recorded operation: %w", err)
		}
		if key.Valid {
			op.PartitionKey = key.String
		}
		op.Params = append([]byte(nil), params...)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recorded operations: %w", err)
	}
	return ops, nil
}

// StaticSampleSource serves a fixed sample. Used in dev mode and tests when no
// operation log is available.
type StaticSampleSource struct {
	Ops []models.RecordedOp
}

func (s *StaticSampleSource) Load(ctx context.Context, tenantID string, window time.Duration, maxOps int) ([]models.RecordedOp, error) {
	if maxOps > 0 && len(s.Ops) > maxOps {
		return append([]models.RecordedOp(nil), s.Ops[:maxOps]...), nil
	}
	return append([]models.RecordedOp(nil), s.Ops...), nil
}
