package connectsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config configures one connectsource.Source.
type Config struct {
	SourceID        string
	ConnectURL      string            // Kafka-Connect REST base URL
	ConnectorName   string            // upstream connector resource name
	ConnectorConfig map[string]string // connector-type-specific config (§4.2)
	Brokers         []string          // Kafka broker addresses
	Topics          []string          // topics the connector publishes to
	ConsumerGroup   string            // defaults to "cdcflow-<source_id>"

	// AllowedTables, if non-empty, restricts emission to "schema.table" or
	// "db.table" entries present in it.
	AllowedTables map[string]bool
	// DisabledOperations filters out events of these operations.
	DisabledOperations map[changeevent.Operation]bool

	RunningTimeout time.Duration // bound for start_capture's RUNNING wait, default 60s
}

// Source implements source.Source against a Kafka-Connect-managed
// connector.
type Source struct {
	cfg    Config
	rest   *RESTClient
	client *kgo.Client
	logger zerolog.Logger

	changes chan changeevent.ChangeEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	received  int64
	filtered  int64
	malformed int64
}

// New constructs a Source. It does not connect until Connect is called.
func New(cfg Config) *Source {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "cdcflow-" + cfg.SourceID
	}
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = 60 * time.Second
	}

	return &Source{
		cfg:     cfg,
		rest:    NewRESTClient(cfg.ConnectURL),
		logger:  log.WithComponent("connectsource").With().Str("source_id", cfg.SourceID).Logger(),
		changes: make(chan changeevent.ChangeEvent, 256),
		stopCh:  make(chan struct{}),
	}
}

func (s *Source) ID() string { return s.cfg.SourceID }

// Connect verifies the Connect cluster's control plane is reachable,
// retrying transient errors with bounded backoff before giving up.
func (s *Source) Connect(ctx context.Context) error {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		if err := s.rest.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("connect control plane unreachable, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return fmt.Errorf("connectsource: control plane unreachable after retries: %w", lastErr)
}

// StartCapture idempotently upserts the upstream connector config, waits
// for it to reach RUNNING, then starts the consumer loop.
func (s *Source) StartCapture(ctx context.Context) error {
	if len(s.cfg.ConnectorConfig) > 0 {
		if err := s.rest.UpsertConnector(ctx, s.cfg.ConnectorName, s.cfg.ConnectorConfig); err != nil {
			return fmt.Errorf("connectsource: start capture: %w", err)
		}
		if err := s.rest.WaitRunning(ctx, s.cfg.ConnectorName, s.cfg.RunningTimeout); err != nil {
			return fmt.Errorf("connectsource: start capture: %w", err)
		}
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeTopics(s.cfg.Topics...),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup),
	)
	if err != nil {
		return fmt.Errorf("connectsource: create consumer client: %w", err)
	}
	s.client = client

	s.wg.Add(1)
	go s.consumeLoop()

	s.logger.Info().Strs("topics", s.cfg.Topics).Msg("capture started")
	return nil
}

func (s *Source) consumeLoop() {
	defer s.wg.Done()
	defer close(s.changes)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fetches := s.client.PollFetches(ctx)
		cancel()

		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			s.handleRecord(record)
		})
	}
}

func (s *Source) handleRecord(record *kgo.Record) {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	event, err := parseEnvelope(record.Value, record.Topic, record.Partition, record.Offset)
	if err != nil {
		s.mu.Lock()
		s.malformed++
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("topic", record.Topic).Int64("offset", record.Offset).Msg("skipping malformed record")
		return
	}

	if !s.allowed(event) {
		s.mu.Lock()
		s.filtered++
		s.mu.Unlock()
		return
	}

	select {
	case s.changes <- *event:
	case <-s.stopCh:
	}
}

func (s *Source) allowed(event *changeevent.ChangeEvent) bool {
	if s.cfg.DisabledOperations[event.Operation] {
		return false
	}
	if len(s.cfg.AllowedTables) > 0 {
		key := event.Schema + "." + event.Table
		if event.Schema == "" {
			key = event.Database + "." + event.Table
		}
		if !s.cfg.AllowedTables[key] {
			return false
		}
	}
	return true
}

// StopCapture implements source.Source.
func (s *Source) StopCapture() error {
	close(s.stopCh)
	if s.client != nil {
		s.client.Close()
	}
	s.wg.Wait()
	return nil
}

// Changes implements source.Source.
func (s *Source) Changes() <-chan changeevent.ChangeEvent { return s.changes }

// Close implements source.Source.
func (s *Source) Close() error { return nil }

// Stats returns the current counters for this source.
func (s *Source) Stats() (received, filtered, malformed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.filtered, s.malformed
}
