package logicalsource

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const standbyStatusInterval = 10 * time.Second

// streamLoop consumes pgoutput messages off conn until StopCapture or a
// terminal error, decoding DML messages into ChangeEvents and periodically
// reporting write/flush position back to the server.
func (s *Source) streamLoop(conn *pgconn.PgConn) {
	defer s.wg.Done()
	defer conn.Close(context.Background())

	nextStandby := time.Now().Add(standbyStatusInterval)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if time.Now().After(nextStandby) {
			s.mu.Lock()
			lsn := s.lastLSN
			s.mu.Unlock()
			if err := pglogrepl.SendStandbyStatusUpdate(context.Background(), conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn, WALFlushPosition: lsn, WALApplyPosition: lsn}); err != nil {
				s.logger.Error().Err(err).Msg("send standby status update failed")
			}
			nextStandby = time.Now().Add(standbyStatusInterval)
		}

		ctx, cancel := context.WithTimeout(context.Background(), standbyStatusInterval)
		rawMsg, err := conn.ReceiveMessage(ctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				continue // timed out waiting for data, loop back to send a standby update
			}
			s.logger.Error().Err(err).Msg("replication stream terminated")
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				s.logger.Warn().Err(err).Msg("malformed keepalive message")
				continue
			}
			if ka.ReplyRequested {
				nextStandby = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				s.logger.Warn().Err(err).Msg("malformed XLogData message")
				continue
			}

			s.mu.Lock()
			s.lastLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			s.lastApply = time.Now()
			s.mu.Unlock()

			event, err := s.decodeMessage(xld.WALData)
			if err != nil {
				s.logger.Warn().Err(err).Msg("skipping undecodable logical message")
				continue
			}
			if event == nil {
				continue // BEGIN/COMMIT/RELATION — no row-level event to emit
			}

			select {
			case s.changes <- *event:
			case <-s.stopCh:
				return
			}
		}
	}
}

// decodeMessage turns one pgoutput logical message into a ChangeEvent.
// BEGIN, COMMIT, and RELATION messages return nil, nil: they update state
// (transaction boundaries, the relation cache) but carry no row change.
func (s *Source) decodeMessage(data []byte) (*changeevent.ChangeEvent, error) {
	logicalMsg, err := pglogrepl.Parse(data)
	if err != nil {
		return nil, err
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.rels.put(m)
		return nil, nil

	case *pglogrepl.BeginMessage:
		return nil, nil

	case *pglogrepl.CommitMessage:
		return nil, nil

	case *pglogrepl.InsertMessage:
		rel, ok := s.rels.get(m.RelationID)
		if !ok {
			return nil, errUnknownRelation
		}
		return s.buildEvent(changeevent.OpInsert, rel, nil, m.Tuple)

	case *pglogrepl.UpdateMessage:
		rel, ok := s.rels.get(m.RelationID)
		if !ok {
			return nil, errUnknownRelation
		}
		return s.buildEvent(changeevent.OpUpdate, rel, m.OldTuple, m.NewTuple)

	case *pglogrepl.DeleteMessage:
		rel, ok := s.rels.get(m.RelationID)
		if !ok {
			return nil, errUnknownRelation
		}
		return s.buildEvent(changeevent.OpDelete, rel, m.OldTuple, nil)

	case *pglogrepl.TruncateMessage:
		if len(m.RelationIDs) == 0 {
			return nil, nil
		}
		rel, ok := s.rels.get(m.RelationIDs[0])
		if !ok {
			return nil, errUnknownRelation
		}
		return s.buildEvent(changeevent.OpTruncate, rel, nil, nil)

	default:
		return nil, nil
	}
}

func (s *Source) buildEvent(op changeevent.Operation, rel *pglogrepl.RelationMessage, before, after *pglogrepl.TupleData) (*changeevent.ChangeEvent, error) {
	event := &changeevent.ChangeEvent{
		Operation: op,
		Schema:    rel.Namespace,
		Table:     rel.RelationName,
		Timestamp: time.Now().UTC(),
		Before:    decodeTuple(rel, before),
		After:     decodeTuple(rel, after),
		Position: changeevent.Position{
			LSN: s.currentLSNString(),
		},
		Metadata: map[string]string{
			"source_role": string(s.cfg.Role),
		},
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Source) currentLSNString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLSN.String()
}

// statusLoop periodically logs subscription/slot liveness on a ticker,
// a read-only monitor rather than a mutating reconcile pass.
func (s *Source) statusLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			lsn := s.lastLSN
			lastApply := s.lastApply
			s.mu.Unlock()
			s.logger.Debug().Str("lsn", lsn.String()).Time("last_apply", lastApply).Msg("replication status")
		case <-s.stopCh:
			return
		}
	}
}

// lagLoop computes wall-clock replication lag and emits a synthetic
// replication_lag ChangeEvent with lag_ms/threshold_ms metadata whenever it
// crosses cfg.LagThreshold.
func (s *Source) lagLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.LagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			lastApply := s.lastApply
			s.mu.Unlock()

			lag := time.Since(lastApply)
			if lag <= s.cfg.LagThreshold {
				continue
			}

			s.logger.Warn().Dur("lag", lag).Msg("replication lag threshold crossed")

			event := s.lagEvent(lag)
			select {
			case s.changes <- *event:
			case <-s.stopCh:
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Source) lagEvent(lag time.Duration) *changeevent.ChangeEvent {
	return &changeevent.ChangeEvent{
		ID:        "lag-" + s.cfg.SourceID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Operation: changeevent.OpUpdate,
		Timestamp: time.Now().UTC(),
		Position: changeevent.Position{
			LSN: s.currentLSNString(),
		},
		Metadata: map[string]string{
			"event_type":   "replication_lag",
			"source_role":  string(s.cfg.Role),
			"lag_ms":       strconv.FormatInt(lag.Milliseconds(), 10),
			"threshold_ms": strconv.FormatInt(s.cfg.LagThreshold.Milliseconds(), 10),
		},
	}
}
