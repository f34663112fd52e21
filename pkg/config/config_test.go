package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
mode: HYBRID
enable_debezium: true
debezium_configs:
  - source_id: orders-mysql
    connect_url: http://connect:8083
    connector_name: orders-connector
    brokers: ["broker1:9092"]
    topics: ["dbserver1.inventory.orders"]
    allowed_tables: ["inventory.orders"]
enable_pglogical: true
pglogical_configs:
  - source_id: billing-pg
    role: SUBSCRIBER
    dsn: postgres://localhost/billing
    provider_dsn: postgres://upstream/billing
    publication_name: billing_pub
    slot_name: billing_slot
    tables: ["public.invoices"]
enable_async_tasks: true
queue:
  redis_url: redis://localhost:6379
task:
  task_backend: queue
`

func TestLoadMinimal(t *testing.T) {
	root, err := Load(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "HYBRID", root.Mode)

	mode, err := root.SyncMode()
	require.NoError(t, err)
	require.EqualValues(t, "HYBRID", mode)

	require.Len(t, root.DebeziumConfigs, 1)
	src, err := root.DebeziumConfigs[0].ToSourceConfig()
	require.NoError(t, err)
	require.Equal(t, "orders-mysql", src.SourceID)
	require.True(t, src.AllowedTables["inventory.orders"])

	require.Len(t, root.PglogicalConfigs, 1)
	pg, err := root.PglogicalConfigs[0].ToSourceConfig()
	require.NoError(t, err)
	require.Equal(t, "billing-pg", pg.SourceID)

	// Defaults applied.
	require.Equal(t, 10000, int(root.Queue.HighWaterMark))
	require.Equal(t, 10, root.Task.MaxConcurrentTasks)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(strings.NewReader("mode: HYBRID\nnonexistent_key: true\n"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	_, err := Load(strings.NewReader("mode: NOT_A_MODE\n"))
	require.Error(t, err)
}

func TestLoadRejectsEnabledSourceFamilyWithNoEntries(t *testing.T) {
	_, err := Load(strings.NewReader("mode: CDC_ONLY\nenable_debezium: true\n"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownTaskBackend(t *testing.T) {
	_, err := Load(strings.NewReader("mode: ASYNC_ONLY\ntask:\n  task_backend: carrier_pigeon\n"))
	require.Error(t, err)
}

func TestPglogicalConflictLogPolicy(t *testing.T) {
	yamlDoc := `
mode: REPLICATION_ONLY
enable_pglogical: true
pglogical_configs:
  - source_id: node-a
    role: BIDIRECTIONAL
    dsn: postgres://a/db
    publication_name: p
    slot_name: s
    conflict_log:
      table: cdcflow_conflict_log
      batch_size: 50
      interval_seconds: 5
      policy: LAST_UPDATE_WINS
`
	root, err := Load(strings.NewReader(yamlDoc))
	require.NoError(t, err)

	cfg, err := root.PglogicalConfigs[0].ToSourceConfig()
	require.NoError(t, err)
	require.Equal(t, "cdcflow_conflict_log", cfg.ConflictLog.Table)
	require.Equal(t, 50, cfg.ConflictLog.BatchSize)
	require.NotNil(t, cfg.ConflictLog.Resolver)
}

func TestPglogicalUnknownConflictPolicy(t *testing.T) {
	yamlDoc := `
mode: REPLICATION_ONLY
enable_pglogical: true
pglogical_configs:
  - source_id: node-a
    role: BIDIRECTIONAL
    dsn: postgres://a/db
    publication_name: p
    slot_name: s
    conflict_log:
      table: cdcflow_conflict_log
      policy: COIN_FLIP
`
	_, err := Load(strings.NewReader(yamlDoc))
	require.Error(t, err)
}
