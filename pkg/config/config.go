package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/conflict"
	"github.com/cuemby/cdcflow/pkg/source/connectsource"
	"github.com/cuemby/cdcflow/pkg/source/logicalsource"
	"github.com/cuemby/cdcflow/pkg/sync"
	"github.com/cuemby/cdcflow/pkg/task"
)

// DebeziumSourceConfig configures one broker-connect (Debezium-style) CDC
// source, one entry of the debezium_configs[] list.
type DebeziumSourceConfig struct {
	SourceID              string            `yaml:"source_id"`
	ConnectURL            string            `yaml:"connect_url"`
	ConnectorName         string            `yaml:"connector_name"`
	ConnectorConfig       map[string]string `yaml:"connector_config"`
	Brokers               []string          `yaml:"brokers"`
	Topics                []string          `yaml:"topics"`
	ConsumerGroup         string            `yaml:"consumer_group"`
	AllowedTables         []string          `yaml:"allowed_tables"`
	DisabledOperations    []string          `yaml:"disabled_operations"`
	RunningTimeoutSeconds int               `yaml:"running_timeout_seconds"`
}

// ToSourceConfig builds the connectsource.Config this entry describes.
func (d DebeziumSourceConfig) ToSourceConfig() (connectsource.Config, error) {
	if d.SourceID == "" {
		return connectsource.Config{}, fmt.Errorf("config: debezium source missing source_id")
	}

	allowed := make(map[string]bool, len(d.AllowedTables))
	for _, t := range d.AllowedTables {
		allowed[t] = true
	}

	disabled := make(map[changeevent.Operation]bool, len(d.DisabledOperations))
	for _, op := range d.DisabledOperations {
		disabled[changeevent.Operation(op)] = true
	}

	cfg := connectsource.Config{
		SourceID:           d.SourceID,
		ConnectURL:         d.ConnectURL,
		ConnectorName:      d.ConnectorName,
		ConnectorConfig:    d.ConnectorConfig,
		Brokers:            d.Brokers,
		Topics:             d.Topics,
		ConsumerGroup:      d.ConsumerGroup,
		AllowedTables:      allowed,
		DisabledOperations: disabled,
	}
	if d.RunningTimeoutSeconds > 0 {
		cfg.RunningTimeout = time.Duration(d.RunningTimeoutSeconds) * time.Second
	}
	return cfg, nil
}

// ConflictLogConfig configures a BIDIRECTIONAL source's conflict-log
// polling loop.
type ConflictLogConfig struct {
	Table           string `yaml:"table"`
	BatchSize       int    `yaml:"batch_size"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Policy          string `yaml:"policy"` // APPLY_REMOTE, KEEP_LOCAL, LAST_UPDATE_WINS, FIRST_UPDATE_WINS, MANUAL
}

// PglogicalSourceConfig configures one PostgreSQL logical-replication
// source, one entry of the pglogical_configs[] list.
type PglogicalSourceConfig struct {
	SourceID              string             `yaml:"source_id"`
	Role                  string             `yaml:"role"` // PUBLISHER, SUBSCRIBER, BIDIRECTIONAL
	DSN                   string             `yaml:"dsn"`
	ProviderDSN           string             `yaml:"provider_dsn"`
	PublicationName       string             `yaml:"publication_name"`
	SlotName              string             `yaml:"slot_name"`
	Tables                []string           `yaml:"tables"`
	StatusIntervalSeconds int                `yaml:"status_interval_seconds"`
	LagIntervalSeconds    int                `yaml:"lag_interval_seconds"`
	ApplyDelayThresholdMS int                `yaml:"apply_delay_threshold_ms"`
	ConflictLog           *ConflictLogConfig `yaml:"conflict_log"`
}

var validRoles = map[string]logicalsource.Role{
	"PUBLISHER":     logicalsource.RolePublisher,
	"SUBSCRIBER":    logicalsource.RoleSubscriber,
	"BIDIRECTIONAL": logicalsource.RoleBidirectional,
}

// ToSourceConfig builds the logicalsource.Config this entry describes. A
// non-nil ConflictLog gets its resolver built from its declared policy.
func (p PglogicalSourceConfig) ToSourceConfig() (logicalsource.Config, error) {
	if p.SourceID == "" {
		return logicalsource.Config{}, fmt.Errorf("config: pglogical source missing source_id")
	}
	role, ok := validRoles[p.Role]
	if !ok {
		return logicalsource.Config{}, fmt.Errorf("config: pglogical source %q has unknown role %q", p.SourceID, p.Role)
	}

	cfg := logicalsource.Config{
		SourceID:        p.SourceID,
		Role:            role,
		DSN:             p.DSN,
		ProviderDSN:     p.ProviderDSN,
		PublicationName: p.PublicationName,
		SlotName:        p.SlotName,
		Tables:          p.Tables,
	}
	if p.StatusIntervalSeconds > 0 {
		cfg.StatusInterval = time.Duration(p.StatusIntervalSeconds) * time.Second
	}
	if p.LagIntervalSeconds > 0 {
		cfg.LagInterval = time.Duration(p.LagIntervalSeconds) * time.Second
	}
	if p.ApplyDelayThresholdMS > 0 {
		cfg.LagThreshold = time.Duration(p.ApplyDelayThresholdMS) * time.Millisecond
	}

	if p.ConflictLog != nil {
		policy := conflict.Policy(p.ConflictLog.Policy)
		switch policy {
		case conflict.PolicyApplyRemote, conflict.PolicyKeepLocal, conflict.PolicyLastUpdateWins,
			conflict.PolicyFirstUpdateWins, conflict.PolicyManual:
		default:
			return logicalsource.Config{}, fmt.Errorf("config: pglogical source %q has unknown conflict policy %q", p.SourceID, p.ConflictLog.Policy)
		}
		cfg.ConflictLog = logicalsource.ConflictLogConfig{
			Table:     p.ConflictLog.Table,
			BatchSize: p.ConflictLog.BatchSize,
			Resolver:  conflict.NewResolver(policy),
		}
		if p.ConflictLog.IntervalSeconds > 0 {
			cfg.ConflictLog.Interval = time.Duration(p.ConflictLog.IntervalSeconds) * time.Second
		}
	}
	return cfg, nil
}

// QueueConfig configures the durable queue's backing store and operational
// knobs, including its visibility-timeout lease.
type QueueConfig struct {
	RedisURL                 string `yaml:"redis_url"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
	PollIntervalMS           int    `yaml:"poll_interval_ms"`
	SweepIntervalSeconds     int    `yaml:"sweep_interval_seconds"`
	HighWaterMark            int64  `yaml:"high_water_mark"`
}

// TaskConfig configures the async task manager and its backends: which
// backend to submit through, the broker URL/topic, concurrency, and task
// timeout.
type TaskConfig struct {
	DefaultBackend        string `yaml:"task_backend"` // queue, broker, local
	MaxConcurrentTasks    int    `yaml:"max_concurrent_tasks"`
	TaskTimeoutSeconds    int    `yaml:"task_timeout_seconds"`
	CeleryBrokerURL       string `yaml:"celery_broker_url"` // broker backend's bootstrap servers (comma-separated)
	BrokerTopic           string `yaml:"broker_topic"`
	WorkerPoolSize        int    `yaml:"worker_pool_size"`
	DequeueTimeoutSeconds int    `yaml:"dequeue_timeout_seconds"`
	CleanupOlderThanHours int    `yaml:"cleanup_older_than_hours"`
}

func (t TaskConfig) BackendKind() (task.BackendKind, error) {
	switch t.DefaultBackend {
	case "", "queue":
		return task.BackendQueue, nil
	case "broker":
		return task.BackendBroker, nil
	case "local":
		return task.BackendLocal, nil
	default:
		return "", fmt.Errorf("config: unknown task_backend %q", t.DefaultBackend)
	}
}

// CheckpointConfig configures the per-source position store.
type CheckpointConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MonitoringConfig configures the health loop and status HTTP surface.
type MonitoringConfig struct {
	Enable                        bool    `yaml:"enable_monitoring"`
	HealthCheckIntervalSeconds    int     `yaml:"health_check_interval"`
	MetricsCollectIntervalSeconds int     `yaml:"metrics_collect_interval_seconds"`
	TaskFailureRatioWarning       float64 `yaml:"task_failure_ratio_warning"`
	HTTPAddr                      string  `yaml:"http_addr"`
}

// HAConfig configures the supplemental raft-based leader election that
// gates single-owner capture when multiple processes share a source set.
type HAConfig struct {
	Enable   bool   `yaml:"enable"`
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
	JoinAddr string `yaml:"join_addr"`
}

// Root is cdcflow's top-level configuration document. Load rejects any key
// not named here.
type Root struct {
	Mode string `yaml:"mode"`

	EnableDebezium  bool                   `yaml:"enable_debezium"`
	DebeziumConfigs []DebeziumSourceConfig `yaml:"debezium_configs"`

	EnablePglogical  bool                    `yaml:"enable_pglogical"`
	PglogicalConfigs []PglogicalSourceConfig `yaml:"pglogical_configs"`

	EnableAsyncTasks bool `yaml:"enable_async_tasks"`

	BatchSize int `yaml:"batch_size"`

	Queue      QueueConfig      `yaml:"queue"`
	Task       TaskConfig       `yaml:"task"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	HA         HAConfig         `yaml:"ha"`
}

var validModes = map[string]sync.Mode{
	"CDC_ONLY":         sync.ModeCDCOnly,
	"REPLICATION_ONLY": sync.ModeReplicationOnly,
	"HYBRID":           sync.ModeHybrid,
	"ASYNC_ONLY":       sync.ModeAsyncOnly,
}

// SyncMode resolves the Root's configured Mode to a sync.Mode.
func (r *Root) SyncMode() (sync.Mode, error) {
	mode, ok := validModes[r.Mode]
	if !ok {
		return "", fmt.Errorf("config: unknown mode %q", r.Mode)
	}
	return mode, nil
}

// applyDefaults fills zero-valued knobs with sensible defaults. Several
// runtime constructors also fall back to defaults of their own, and not all
// of them agree with these: worker.New defaults to a single worker, and
// task.NewManager treats zero concurrent tasks as unbounded.
func (r *Root) applyDefaults() {
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.Queue.VisibilityTimeoutSeconds <= 0 {
		r.Queue.VisibilityTimeoutSeconds = 30
	}
	if r.Queue.PollIntervalMS <= 0 {
		r.Queue.PollIntervalMS = 100
	}
	if r.Queue.SweepIntervalSeconds <= 0 {
		r.Queue.SweepIntervalSeconds = 5
	}
	if r.Queue.HighWaterMark <= 0 {
		r.Queue.HighWaterMark = 10000
	}
	if r.Task.MaxConcurrentTasks <= 0 {
		r.Task.MaxConcurrentTasks = 10
	}
	if r.Task.TaskTimeoutSeconds <= 0 {
		r.Task.TaskTimeoutSeconds = 300
	}
	if r.Task.WorkerPoolSize <= 0 {
		r.Task.WorkerPoolSize = 4
	}
	if r.Task.DequeueTimeoutSeconds <= 0 {
		r.Task.DequeueTimeoutSeconds = 5
	}
	if r.Task.BrokerTopic == "" {
		r.Task.BrokerTopic = "cdcflow-tasks"
	}
	if r.Task.CleanupOlderThanHours <= 0 {
		r.Task.CleanupOlderThanHours = 24
	}
	if r.Monitoring.HealthCheckIntervalSeconds <= 0 {
		r.Monitoring.HealthCheckIntervalSeconds = 10
	}
	if r.Monitoring.MetricsCollectIntervalSeconds <= 0 {
		r.Monitoring.MetricsCollectIntervalSeconds = 15
	}
	if r.Monitoring.TaskFailureRatioWarning <= 0 {
		r.Monitoring.TaskFailureRatioWarning = 0.5
	}
	if r.Checkpoint.DataDir == "" {
		r.Checkpoint.DataDir = "./data/checkpoints"
	}
}

// Validate checks cross-field invariants Load can't express structurally:
// an enabled source family must name at least one source, and the chosen
// task backend must be one this binary knows how to construct.
func (r *Root) Validate() error {
	if _, err := r.SyncMode(); err != nil {
		return err
	}
	if r.EnableDebezium && len(r.DebeziumConfigs) == 0 {
		return fmt.Errorf("config: enable_debezium is true but debezium_configs is empty")
	}
	if r.EnablePglogical && len(r.PglogicalConfigs) == 0 {
		return fmt.Errorf("config: enable_pglogical is true but pglogical_configs is empty")
	}
	if _, err := r.Task.BackendKind(); err != nil {
		return err
	}
	for _, d := range r.DebeziumConfigs {
		if _, err := d.ToSourceConfig(); err != nil {
			return err
		}
	}
	for _, p := range r.PglogicalConfigs {
		if _, err := p.ToSourceConfig(); err != nil {
			return err
		}
	}
	return nil
}

// Load strict-decodes a YAML configuration document from r, applies
// defaults, and validates it. Unknown keys at any level are rejected by
// KnownFields(true) — yaml.v3's replacement for yaml.v2's removed
// UnmarshalStrict.
func Load(r io.Reader) (*Root, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var root Root
	if err := dec.Decode(&root); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	root.applyDefaults()
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

// LoadFile reads and strict-decodes the YAML document at path.
func LoadFile(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(bytes.NewReader(data))
}
