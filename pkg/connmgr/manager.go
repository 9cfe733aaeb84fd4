package connmgr

import (
	"sync"
	"time"

	"github.com/nacosd/nacosd/pkg/apierr"
	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/codec"
	"github.com/nacosd/nacosd/pkg/log"
	"github.com/rs/zerolog"
)

const (
	defaultPushQueueSize  = 256
	defaultBlockedMax     = 3 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	defaultMaxConnections = 0 // 0 = unlimited
	sourceCluster         = "cluster"
)

// RegisterMeta is the admission request built from a connection's handshake
// envelope.
type RegisterMeta struct {
	ClientIP      string
	RemotePort    int
	AppName       string
	Namespace     string
	ClientVersion string
	Labels        Labels
}

// Cleanup bundles the cascading-teardown callbacks the manager invokes on
// Unregister (spec 4.B: unsubscribe_all on C, deregister ephemeral
// instances and fuzzy-watch patterns on D, force-release owned locks on
// E). Each is independently idempotent and safe to call on a connection
// that never touched that component.
type Cleanup struct {
	UnsubscribeAllConfigs func(connectionID string)
	DeregisterNaming      func(connectionID string)
	ReleaseLocksByOwner   func(owner string) error
}

// Manager owns every live Connection, keyed by connection-id.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	clock   clock.Clock
	logger  zerolog.Logger
	cleanup Cleanup

	pushQueueSize  int
	blockedMax     time.Duration
	idleTimeout    time.Duration
	maxConnections int
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithPushQueueSize overrides the default per-connection push queue depth.
func WithPushQueueSize(n int) Option { return func(m *Manager) { m.pushQueueSize = n } }

// WithBlockedMax overrides how long a full push queue is tolerated before
// the connection is eagerly unregistered.
func WithBlockedMax(d time.Duration) Option { return func(m *Manager) { m.blockedMax = d } }

// WithIdleTimeout overrides the idle-reaper threshold.
func WithIdleTimeout(d time.Duration) Option { return func(m *Manager) { m.idleTimeout = d } }

// WithMaxConnections caps the number of live connections; 0 means
// unlimited.
func WithMaxConnections(n int) Option { return func(m *Manager) { m.maxConnections = n } }

// NewManager creates a connection manager. cleanup's callbacks may be left
// nil individually in tests that don't exercise that cascade.
func NewManager(clk clock.Clock, cleanup Cleanup, opts ...Option) *Manager {
	m := &Manager{
		connections:    make(map[string]*Connection),
		clock:          clk,
		logger:         log.WithComponent("connmgr"),
		cleanup:        cleanup,
		pushQueueSize:  defaultPushQueueSize,
		blockedMax:     defaultBlockedMax,
		idleTimeout:    defaultIdleTimeout,
		maxConnections: defaultMaxConnections,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// admissionDenied evaluates the admission predicate: over-capacity, or an
// unrecognized source label (cluster/sdk separation policy).
func (m *Manager) admissionDenied(meta RegisterMeta) bool {
	if m.maxConnections > 0 && len(m.connections) >= m.maxConnections {
		return true
	}
	switch meta.Labels.Source {
	case "sdk", sourceCluster:
		return false
	default:
		return true
	}
}

// Register admits a new connection and returns its server-assigned id.
func (m *Manager) Register(id string, meta RegisterMeta) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.admissionDenied(meta) {
		return nil, apierr.New(apierr.KindForbidden, "connection rejected by admission policy")
	}

	now := m.clock.Now()
	conn := &Connection{
		ID:            id,
		RemotePort:    meta.RemotePort,
		AppName:       meta.AppName,
		Namespace:     meta.Namespace,
		ClientVersion: meta.ClientVersion,
		Labels:        meta.Labels,
		CreatedAt:     now,
		clientIP:      meta.ClientIP,
		lastActiveAt:  now,
		pushQueue:     make(chan codec.Response, m.pushQueueSize),
	}
	m.connections[id] = conn
	return conn, nil
}

// Get returns the connection for id, or false if it doesn't exist (I1: a
// connection-id is present here iff its session is open).
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

// Unregister removes id and cascades cleanup into every component that may
// hold state keyed by this connection-id. Safe to call on an id that is
// already gone.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	_, ok := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	if m.cleanup.UnsubscribeAllConfigs != nil {
		m.cleanup.UnsubscribeAllConfigs(id)
	}
	if m.cleanup.DeregisterNaming != nil {
		m.cleanup.DeregisterNaming(id)
	}
	if m.cleanup.ReleaseLocksByOwner != nil {
		if err := m.cleanup.ReleaseLocksByOwner(id); err != nil {
			m.logger.Warn().Err(err).Str("connection_id", id).Msg("failed to release locks on teardown")
		}
	}
}

// Push enqueues resp on id's push queue without blocking the caller. A full
// queue starts (or continues) a blocked interval; once that interval
// exceeds blockedMax, the connection is treated as dead and eagerly
// unregistered (backpressure fail-fast, spec 4.B).
func (m *Manager) Push(id string, resp codec.Response) error {
	conn, ok := m.Get(id)
	if !ok {
		return apierr.New(apierr.KindNotFound, "connection not found")
	}

	now := m.clock.Now()
	select {
	case conn.pushQueue <- resp:
		conn.mu.Lock()
		conn.blockedSince = time.Time{}
		conn.mu.Unlock()
		return nil
	default:
	}

	conn.mu.Lock()
	if conn.blockedSince.IsZero() {
		conn.blockedSince = now
	}
	blockedFor := now.Sub(conn.blockedSince)
	conn.mu.Unlock()

	if blockedFor >= m.blockedMax {
		m.Unregister(id)
		return apierr.New(apierr.KindConflict, "push queue blocked too long, connection dropped")
	}
	return apierr.New(apierr.KindConflict, "push queue full")
}

// Touch refreshes id's last-active timestamp.
func (m *Manager) Touch(id string) {
	if conn, ok := m.Get(id); ok {
		conn.touch(m.clock.Now())
	}
}

// ReapIdle unregisters every connection whose last-active timestamp is
// older than idleTimeout, except connections labelled source=cluster
// (cluster-internal sessions are exempt).
func (m *Manager) ReapIdle() {
	now := m.clock.Now()

	m.mu.RLock()
	var toReap []string
	for id, conn := range m.connections {
		if conn.Labels.Source == sourceCluster {
			continue
		}
		if now.Sub(conn.lastActive()) > m.idleTimeout {
			toReap = append(toReap, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toReap {
		m.Unregister(id)
	}
}

// Count returns the number of live connections, for the loader-info
// handler's connection-count snapshot.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// PushQueue returns id's outbound channel for the stream-writer goroutine
// to drain, or false if the connection doesn't exist.
func (m *Manager) PushQueue(id string) (<-chan codec.Response, bool) {
	conn, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return conn.pushQueue, true
}
