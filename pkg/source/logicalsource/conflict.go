package logicalsource

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/conflict"
	"github.com/jackc/pgx/v5"
)

// ConflictLogConfig points at the conflict-log table a BIDIRECTIONAL
// source polls to detect writes that raced with its own replicated changes.
type ConflictLogConfig struct {
	Table     string // e.g. "cdcflow_conflict_log"
	BatchSize int    // default 100
	Interval  time.Duration
	Resolver  *conflict.Resolver
}

// conflictLoopRow is the shape of one unresolved conflict-log row.
type conflictLoopRow struct {
	ID          string
	TableName   string
	Type        conflict.Type
	LocalTuple  map[string]any
	RemoteTuple map[string]any
	LocalTime   time.Time
	RemoteTime  time.Time
	CreatedAt   time.Time
}

// conflictLoop polls cfg.Table for unresolved rows and, for each, applies
// cfg.Resolver's policy: auto-policies mark the row resolved immediately;
// MANUAL leaves it and still emits the synthetic event so an operator's
// tooling can surface it.
func (s *Source) conflictLoop(ctx context.Context, conn *pgx.Conn, cfg ConflictLogConfig) {
	defer s.wg.Done()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.pollConflicts(ctx, conn, cfg); err != nil {
				s.logger.Error().Err(err).Msg("conflict log poll failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Source) pollConflicts(ctx context.Context, conn *pgx.Conn, cfg ConflictLogConfig) error {
	rows, err := conn.Query(ctx, fmt.Sprintf(
		`SELECT id, table_name, conflict_type, local_tuple, remote_tuple, local_time, remote_time, created_at
		 FROM %s WHERE resolved_at IS NULL ORDER BY created_at LIMIT $1`, pgx.Identifier{cfg.Table}.Sanitize()),
		cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("query conflict log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row conflictLoopRow
		if err := rows.Scan(&row.ID, &row.TableName, &row.Type, &row.LocalTuple, &row.RemoteTuple, &row.LocalTime, &row.RemoteTime, &row.CreatedAt); err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable conflict log row")
			continue
		}

		rec := &conflict.Record{
			ID:          row.ID,
			Table:       row.TableName,
			Type:        row.Type,
			LocalTuple:  row.LocalTuple,
			RemoteTuple: row.RemoteTuple,
			LocalTime:   row.LocalTime,
			RemoteTime:  row.RemoteTime,
			CreatedAt:   row.CreatedAt,
		}

		resolution, resolveErr := cfg.Resolver.Resolve(rec)
		if resolveErr == nil {
			rec.Resolution = &resolution
			now := time.Now().UTC()
			rec.ResolvedAt = &now
			if _, err := conn.Exec(ctx,
				fmt.Sprintf("UPDATE %s SET resolved_at = now(), keep_remote = $1 WHERE id = $2", pgx.Identifier{cfg.Table}.Sanitize()),
				resolution.KeepRemote, row.ID); err != nil {
				s.logger.Error().Err(err).Str("conflict_id", row.ID).Msg("failed to mark conflict resolved")
			}
		}

		event := s.conflictEvent(rec)
		select {
		case s.changes <- *event:
		case <-s.stopCh:
			return nil
		}
	}

	return rows.Err()
}

func (s *Source) conflictEvent(rec *conflict.Record) *changeevent.ChangeEvent {
	metadata := map[string]string{
		"event_type":    "conflict",
		"conflict_id":   rec.ID,
		"conflict_type": string(rec.Type),
		"source_role":   string(s.cfg.Role),
	}
	if rec.Resolution != nil {
		metadata["conflict_resolution"] = string(rec.Resolution.Policy)
	}

	return &changeevent.ChangeEvent{
		ID:        "conflict-" + rec.ID,
		Operation: changeevent.OpUpdate,
		Table:     rec.Table,
		Timestamp: rec.CreatedAt,
		Before:    rec.LocalTuple,
		After:     rec.RemoteTuple,
		Metadata:  metadata,
	}
}
