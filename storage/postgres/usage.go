package postgres

import (
	"context"
	"fmt"
	"time"
)

// RecordUsage implements billsync.UsageRecorder
func (s *Storage) RecordUsage(ctx context.Context, tenantID string, units int64, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_units (tenant_id, units, recorded_at) VALUES ($1, $2, $3)`,
		tenantID, units, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SumUsage implements billsync.UsageReader over the half-open window (from, to].
func (s *Storage) SumUsage(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(units), 0)::BIGINT FROM usage_units
			WHERE tenant_id = $1 AND recorded_at > $2 AND recorded_at <= $3`,
		tenantID, from.UTC(), to.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}
