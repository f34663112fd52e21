package sourcemanager

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	"github.com/cuemby/cdcflow/pkg/log"
	"github.com/cuemby/cdcflow/pkg/source"
	"github.com/rs/zerolog"
)

// ConnectionState is a source's last observed lifecycle state.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateRunning    ConnectionState = "running"
	StateStopped    ConnectionState = "stopped"
	StateErrored    ConnectionState = "errored"
)

// SourceStats is one source's counters and lifecycle state.
type SourceStats struct {
	SourceID      string
	State         ConnectionState
	EventsEmitted int64
	LastEventAt   time.Time
	LastError     error
}

// AggregateStats sums SourceStats across every managed source.
type AggregateStats struct {
	TotalEventsEmitted int64
	SourcesRunning     int
	SourcesErrored     int
}

// Manager owns N sources and exposes their merged Changes() stream.
type Manager struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	sources map[string]source.Source
	stats   map[string]*SourceStats

	merged chan changeevent.ChangeEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager over sources, keyed by their own ID().
func New(sources ...source.Source) *Manager {
	m := &Manager{
		logger:  log.WithComponent("sourcemanager"),
		sources: make(map[string]source.Source, len(sources)),
		stats:   make(map[string]*SourceStats, len(sources)),
		merged:  make(chan changeevent.ChangeEvent, 256),
		stopCh:  make(chan struct{}),
	}
	for _, s := range sources {
		m.sources[s.ID()] = s
		m.stats[s.ID()] = &SourceStats{SourceID: s.ID(), State: StateConnecting}
	}
	return m
}

// Start connects and starts capture on every source, then begins forwarding
// each source's events onto the merged channel. A source that fails to
// connect or start is logged and marked errored; its siblings are
// unaffected — one misbehaving source should never take down the rest of
// the fleet.
func (m *Manager) Start(ctx context.Context) {
	for id, s := range m.sources {
		id, s := id, s
		m.wg.Add(1)
		go m.runSource(ctx, id, s)
	}
}

func (m *Manager) runSource(ctx context.Context, id string, s source.Source) {
	defer m.wg.Done()

	if err := s.Connect(ctx); err != nil {
		m.markErrored(id, err)
		m.logger.Error().Err(err).Str("source_id", id).Msg("source connect failed")
		return
	}

	if err := s.StartCapture(ctx); err != nil {
		m.markErrored(id, err)
		m.logger.Error().Err(err).Str("source_id", id).Msg("source start_capture failed")
		return
	}

	m.setState(id, StateRunning)

	for {
		select {
		case event, ok := <-s.Changes():
			if !ok {
				m.setState(id, StateStopped)
				return
			}
			m.recordEvent(id, event)
			tagged := *event.Clone()
			if tagged.Metadata == nil {
				tagged.Metadata = make(map[string]string, 1)
			}
			tagged.Metadata["source_id"] = id
			select {
			case m.merged <- tagged:
			case <-m.stopCh:
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

// Stop signals every forwarding goroutine to exit and stops each source.
// It waits for all forwarding goroutines to finish, then closes the merged
// channel.
func (m *Manager) Stop() {
	close(m.stopCh)

	m.mu.RLock()
	sources := make([]source.Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.RUnlock()

	for _, s := range sources {
		if err := s.StopCapture(); err != nil {
			m.logger.Warn().Err(err).Str("source_id", s.ID()).Msg("stop_capture failed")
		}
	}

	m.wg.Wait()
	close(m.merged)
}

// Changes returns the merged event stream across all managed sources.
func (m *Manager) Changes() <-chan changeevent.ChangeEvent { return m.merged }

// Stats returns a snapshot of every source's counters.
func (m *Manager) Stats() map[string]SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]SourceStats, len(m.stats))
	for id, s := range m.stats {
		out[id] = *s
	}
	return out
}

// Aggregate sums Stats() across all sources.
func (m *Manager) Aggregate() AggregateStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agg AggregateStats
	for _, s := range m.stats {
		agg.TotalEventsEmitted += s.EventsEmitted
		switch s.State {
		case StateRunning:
			agg.SourcesRunning++
		case StateErrored:
			agg.SourcesErrored++
		}
	}
	return agg
}

func (m *Manager) recordEvent(id string, event changeevent.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[id]
	if !ok {
		return
	}
	s.EventsEmitted++
	s.LastEventAt = event.Timestamp
}

func (m *Manager) setState(id string, state ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stats[id]; ok {
		s.State = state
	}
}

func (m *Manager) markErrored(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stats[id]; ok {
		s.State = StateErrored
		s.LastError = err
	}
}
