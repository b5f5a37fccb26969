package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/realtime"
	"github.com/marketpulse/internal/service"
	"go.uber.org/zap"
)

const (
	defaultResyncInterval = time.Minute
	streamQueueSize       = 256
)

// EventSink consumes pushed order and trade events of a source connection
type EventSink interface {
	HandleStreamOrder(ctx context.Context, userID string, conn *models.BrokerConnection, raw json.RawMessage) *service.OrderUpdateResult
	HandleStreamTrade(ctx context.Context, userID string, conn *models.BrokerConnection, raw json.RawMessage) service.CopyResult
}

// TokenSource returns a hub bearer token for a connection
type TokenSource interface {
	SessionToken(ctx context.Context, connID string) (string, error)
}

// SourceLister lists the enabled connections whose account is the source of
// an enabled configuration
type SourceLister interface {
	GetStreamSources(ctx context.Context, broker models.BrokerType) ([]models.BrokerConnection, error)
}

// Hub is the part of realtime.Client the manager drives
type Hub interface {
	OnOrder(h realtime.Handler)
	OnTrade(h realtime.Handler)
	Start(ctx context.Context) error
	Stop()
	State() realtime.State
}

// HubFactory builds a hub client
type HubFactory func(opts realtime.Options, logger *zap.Logger) (Hub, error)

// DefaultHubFactory builds realtime.Client hubs
func DefaultHubFactory(opts realtime.Options, logger *zap.Logger) (Hub, error) {
	client, err := realtime.NewClient(opts, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// StreamOptions tunes the hub clients of a StreamManager
type StreamOptions struct {
	HubURL           string
	HandshakeTimeout time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	ResyncInterval   time.Duration
}

type stream struct {
	conn   models.BrokerConnection
	hub    Hub
	events chan streamEvent
	cancel context.CancelFunc
	done   chan struct{}
}

type streamEvent struct {
	name    string
	payload json.RawMessage
}

// StreamManager keeps one hub connection open per streamed source connection
// and feeds its events to the sink. Events of one connection are handled in
// arrival order.
type StreamManager struct {
	sources SourceLister
	tokens  TokenSource
	sink    EventSink
	opts    StreamOptions
	factory HubFactory
	logger  *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStreamManager creates a new StreamManager
func NewStreamManager(sources SourceLister, tokens TokenSource, sink EventSink, opts StreamOptions, factory HubFactory, logger *zap.Logger) *StreamManager {
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = defaultResyncInterval
	}
	if factory == nil {
		factory = DefaultHubFactory
	}
	return &StreamManager{
		sources: sources,
		tokens:  tokens,
		sink:    sink,
		opts:    opts,
		factory: factory,
		logger:  logger.Named("streams"),
		streams: make(map[string]*stream),
	}
}

// Start opens the streams and keeps them in line with the configuration
// until ctx is cancelled or Stop is called
func (m *StreamManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.Sync(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.ResyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sync(ctx)
			}
		}
	}()
}

// Stop closes every stream
func (m *StreamManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	streams := m.streams
	m.streams = make(map[string]*stream)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	for _, s := range streams {
		m.close(s)
	}
}

// Sync opens streams for new source connections and closes streams whose
// connection is gone, disabled or no longer a source
func (m *StreamManager) Sync(ctx context.Context) {
	conns, err := m.sources.GetStreamSources(ctx, models.BrokerProjectX)
	if err != nil {
		m.logger.Error("Failed to list stream sources", zap.Error(err))
		return
	}

	wanted := make(map[string]models.BrokerConnection, len(conns))
	for _, conn := range conns {
		wanted[conn.ID] = conn
	}

	m.mu.Lock()
	var stale []*stream
	for id, s := range m.streams {
		if _, ok := wanted[id]; !ok || s.hub.State() == realtime.StateDisconnected {
			stale = append(stale, s)
			delete(m.streams, id)
		}
	}
	var missing []models.BrokerConnection
	for id, conn := range wanted {
		if _, ok := m.streams[id]; !ok {
			missing = append(missing, conn)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.close(s)
	}
	for _, conn := range missing {
		s, err := m.open(ctx, conn)
		if err != nil {
			m.logger.Warn("Failed to open stream",
				zap.String("connection_id", conn.ID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.streams[conn.ID] = s
		m.mu.Unlock()
	}
}

func (m *StreamManager) open(ctx context.Context, conn models.BrokerConnection) (*stream, error) {
	connID := conn.ID
	hub, err := m.factory(realtime.Options{
		URL:              m.opts.HubURL,
		AccountID:        conn.BrokerAccountID,
		HandshakeTimeout: m.opts.HandshakeTimeout,
		BaseDelay:        m.opts.BaseDelay,
		MaxDelay:         m.opts.MaxDelay,
		MaxAttempts:      m.opts.MaxAttempts,
		Token: func(ctx context.Context) (string, error) {
			return m.tokens.SessionToken(ctx, connID)
		},
	}, m.logger.With(zap.String("connection_id", connID)))
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		conn:   conn,
		hub:    hub,
		events: make(chan streamEvent, streamQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	hub.OnOrder(func(payload json.RawMessage) { s.push(streamCtx, realtime.EventOrder, payload) })
	hub.OnTrade(func(payload json.RawMessage) { s.push(streamCtx, realtime.EventTrade, payload) })

	go m.consume(streamCtx, s)

	if err := hub.Start(streamCtx); err != nil {
		cancel()
		<-s.done
		return nil, err
	}
	m.logger.Info("Stream opened",
		zap.String("connection_id", connID),
		zap.String("broker_account_id", conn.BrokerAccountID))
	return s, nil
}

func (s *stream) push(ctx context.Context, name string, payload json.RawMessage) {
	select {
	case s.events <- streamEvent{name: name, payload: payload}:
	case <-ctx.Done():
	}
}

func (m *StreamManager) consume(ctx context.Context, s *stream) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			m.handle(ctx, s, ev)
		}
	}
}

func (m *StreamManager) handle(ctx context.Context, s *stream, ev streamEvent) {
	log := m.logger.With(zap.String("connection_id", s.conn.ID), zap.String("event", ev.name))
	switch ev.name {
	case realtime.EventOrder:
		result := m.sink.HandleStreamOrder(ctx, s.conn.UserID, &s.conn, ev.payload)
		if result != nil && len(result.Errors) > 0 {
			log.Warn("Order event handled with errors", zap.Strings("errors", result.Errors))
		}
	case realtime.EventTrade:
		result := m.sink.HandleStreamTrade(ctx, s.conn.UserID, &s.conn, ev.payload)
		if result.Copied > 0 || len(result.Errors) > 0 {
			log.Info("Trade event mirrored",
				zap.Int("copied", result.Copied), zap.Strings("errors", result.Errors))
		}
	}
}

func (m *StreamManager) close(s *stream) {
	s.hub.Stop()
	s.cancel()
	<-s.done
	m.logger.Info("Stream closed", zap.String("connection_id", s.conn.ID))
}

// States reports the hub state of every open stream by connection id
func (m *StreamManager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]string, len(m.streams))
	for id, s := range m.streams {
		states[id] = s.hub.State().String()
	}
	return states
}
