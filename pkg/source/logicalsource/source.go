package logicalsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/conflict"
	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Role is the pglogical-style role this source plays.
type Role string

const (
	RolePublisher     Role = "PUBLISHER"
	RoleSubscriber    Role = "SUBSCRIBER"
	RoleBidirectional Role = "BIDIRECTIONAL"
)

// Config configures one logicalsource.Source.
type Config struct {
	SourceID string
	Role     Role

	// DSN is this node's own connection string, used for DDL (creating the
	// publication/subscription) and for the replication protocol connection
	// when Role is PUBLISHER.
	DSN string
	// ProviderDSN is the upstream node's connection string, used for the
	// replication protocol connection when Role is SUBSCRIBER.
	ProviderDSN string

	PublicationName string
	SlotName        string
	Tables          []string // schema.table entries added to the publication

	StatusInterval time.Duration // default 10s
	LagInterval    time.Duration // default 10s
	LagThreshold   time.Duration // default 30s; crossing emits a synthetic event

	// ConflictLog, when Role is BIDIRECTIONAL, configures the conflict-log
	// polling loop. Zero value disables conflict polling.
	ConflictLog ConflictLogConfig
}

// Source implements source.Source against PostgreSQL's native logical
// replication protocol.
type Source struct {
	cfg    Config
	logger zerolog.Logger

	changes chan changeevent.ChangeEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup

	rels      *relationCache
	mu        sync.Mutex
	lastLSN   pglogrepl.LSN
	lastApply time.Time
}

// New constructs a Source. It does not connect until Connect is called.
func New(cfg Config) *Source {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	if cfg.LagInterval <= 0 {
		cfg.LagInterval = 10 * time.Second
	}
	if cfg.LagThreshold <= 0 {
		cfg.LagThreshold = 30 * time.Second
	}

	return &Source{
		cfg:     cfg,
		logger:  log.WithComponent("logicalsource").With().Str("source_id", cfg.SourceID).Logger(),
		changes: make(chan changeevent.ChangeEvent, 256),
		stopCh:  make(chan struct{}),
		rels:    newRelationCache(),
	}
}

func (s *Source) ID() string { return s.cfg.SourceID }

// Connect opens a plain connection and verifies the GUCs logical
// replication needs before a replication-mode connection is attempted.
func (s *Source) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("logicalsource: connect: %w", err)
	}
	defer conn.Close(ctx)

	var walLevel string
	if err := conn.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("logicalsource: check wal_level: %w", err)
	}
	if walLevel != "logical" {
		return fmt.Errorf("logicalsource: wal_level is %q, need \"logical\"", walLevel)
	}

	var maxSlots string
	if err := conn.QueryRow(ctx, "SHOW max_replication_slots").Scan(&maxSlots); err != nil {
		return fmt.Errorf("logicalsource: check max_replication_slots: %w", err)
	}
	if maxSlots == "0" {
		return fmt.Errorf("logicalsource: max_replication_slots is 0")
	}

	return nil
}

// StartCapture creates the publication/subscription for cfg.Role
// idempotently, then starts the replication stream plus the status and lag
// monitor loops.
func (s *Source) StartCapture(ctx context.Context) error {
	if err := s.setupRole(ctx); err != nil {
		return fmt.Errorf("logicalsource: start capture: %w", err)
	}

	replDSN := s.cfg.DSN
	if s.cfg.Role == RoleSubscriber {
		replDSN = s.cfg.ProviderDSN
	}

	replConn, err := pgconn.Connect(ctx, replDSN+" replication=database")
	if err != nil {
		return fmt.Errorf("logicalsource: open replication connection: %w", err)
	}

	if err := ensureReplicationSlot(ctx, replConn, s.cfg.SlotName); err != nil {
		replConn.Close(ctx)
		return fmt.Errorf("logicalsource: ensure replication slot: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, replConn)
	if err != nil {
		replConn.Close(ctx)
		return fmt.Errorf("logicalsource: identify system: %w", err)
	}

	err = pglogrepl.StartReplication(ctx, replConn, s.cfg.SlotName, sysident.XLogPos,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", s.cfg.PublicationName),
			},
		})
	if err != nil {
		replConn.Close(ctx)
		return fmt.Errorf("logicalsource: start replication: %w", err)
	}

	s.mu.Lock()
	s.lastLSN = sysident.XLogPos
	s.lastApply = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.streamLoop(replConn)

	if s.cfg.Role == RoleSubscriber || s.cfg.Role == RoleBidirectional {
		s.wg.Add(1)
		go s.statusLoop()
		s.wg.Add(1)
		go s.lagLoop()
	}

	if s.cfg.Role == RoleBidirectional && s.cfg.ConflictLog.Table != "" {
		conflictConn, err := pgx.Connect(ctx, s.cfg.DSN)
		if err != nil {
			return fmt.Errorf("logicalsource: open conflict log connection: %w", err)
		}
		s.wg.Add(1)
		go s.conflictLoop(context.Background(), conflictConn, s.cfg.ConflictLog)
	}

	go func() {
		s.wg.Wait()
		close(s.changes)
	}()

	s.logger.Info().Str("role", string(s.cfg.Role)).Msg("capture started")
	return nil
}

// ResolveConflict applies an operator's explicit decision to a MANUAL-policy
// conflict previously surfaced by the conflict log poll.
func (s *Source) ResolveConflict(ctx context.Context, conflictID string, keepRemote bool) error {
	if s.cfg.ConflictLog.Table == "" {
		return fmt.Errorf("logicalsource: conflict log not configured")
	}

	conn, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("logicalsource: resolve conflict: %w", err)
	}
	defer conn.Close(ctx)

	resolution := s.cfg.ConflictLog.Resolver.ResolveConflict(&conflict.Record{ID: conflictID}, keepRemote)
	_, err = conn.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET resolved_at = now(), keep_remote = $1 WHERE id = $2", pgx.Identifier{s.cfg.ConflictLog.Table}.Sanitize()),
		resolution.KeepRemote, conflictID)
	if err != nil {
		return fmt.Errorf("logicalsource: resolve conflict: %w", err)
	}
	return nil
}

func (s *Source) setupRole(ctx context.Context) error {
	switch s.cfg.Role {
	case RolePublisher, RoleBidirectional:
		conn, err := pgx.Connect(ctx, s.cfg.DSN)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return createPublicationIfNotExists(ctx, conn, s.cfg.PublicationName, s.cfg.Tables)
	case RoleSubscriber:
		// The subscription's apply process is this source's own
		// replication stream, not a Postgres-managed background worker, so
		// there is nothing further to create here beyond the slot opened
		// in StartCapture.
		return nil
	default:
		return fmt.Errorf("unknown role %q", s.cfg.Role)
	}
}

func createPublicationIfNotExists(ctx context.Context, conn *pgx.Conn, name string, tables []string) error {
	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", name).Scan(&exists); err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf("CREATE PUBLICATION %s", pgx.Identifier{name}.Sanitize())
	if len(tables) > 0 {
		stmt += " FOR TABLE " + joinIdentifiers(tables)
	} else {
		stmt += " FOR ALL TABLES"
	}
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func joinIdentifiers(tables []string) string {
	out := ""
	for i, t := range tables {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}

func ensureReplicationSlot(ctx context.Context, conn *pgconn.PgConn, slotName string) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, slotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication})
	if err != nil && !isSlotExistsError(err) {
		return err
	}
	return nil
}

func isSlotExistsError(err error) bool {
	return err != nil && containsAny(err.Error(), "already exists")
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// StopCapture implements source.Source. It cancels the monitor loops but
// does not drop the subscription/slot, so a later Connect/StartCapture can
// resume from where the slot left off.
func (s *Source) StopCapture() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// Changes implements source.Source.
func (s *Source) Changes() <-chan changeevent.ChangeEvent { return s.changes }

// Close implements source.Source.
func (s *Source) Close() error { return nil }
