package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/bus"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/metastore"
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the Manager's time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithReconnector attaches the collaborator that performs the real
// transport-level reconnection attempt.
func WithReconnector(r Reconnector) Option {
	return func(m *Manager) { m.reconnector = r }
}

// WithRandSource overrides the jitter random source for deterministic tests.
func WithRandSource(r *rand.Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// Manager owns the full Connection Manager: the in-memory session map,
// its state machine, heartbeat bookkeeping, and reconnection scheduling.
// A single write lock protects the map per the shared-resource policy in
// spec §5; readers use Stats()/Get() snapshots.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	store metastore.Store
	bus   *bus.Bus
	log   *logging.Logger

	now         func() time.Time
	rand        *rand.Rand
	reconnector Reconnector
	cfg         Config

	timers *timerMap
}

// New constructs a Manager. store and b may be nil in standalone tests.
func New(store metastore.Store, b *bus.Bus, logger *logging.Logger, cfg Config, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	m := &Manager{
		connections: make(map[string]*Connection),
		store:       store,
		bus:         b,
		log:         logger,
		now:         time.Now,
		rand:        rand.New(rand.NewSource(1)),
		cfg:         cfg,
		timers:      newTimerMap(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register admits a new connection, persisting it and publishing
// TopicConnectionRegistered.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*Connection, error) {
	if in.SessionID == "" || in.OrganizationID == "" {
		return nil, apierr.New(apierr.Parse, "sessionId and organizationId are required")
	}
	maxAttempts := in.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxReconnectAttempts
	}
	now := m.now()
	conn := &Connection{
		SessionID:            in.SessionID,
		OrganizationID:       in.OrganizationID,
		UserID:               in.UserID,
		ClientType:           in.ClientType,
		Status:               StatusConnected,
		ConnectedAt:          now,
		LastHeartbeat:        now,
		MaxReconnectAttempts: maxAttempts,
		Quality:              QualityExcellent,
		Metadata:             in.Metadata,
		stableSince:          now,
	}

	m.mu.Lock()
	m.connections[conn.SessionID] = conn
	m.mu.Unlock()

	m.persist(ctx, conn)
	if m.bus != nil {
		m.bus.Publish(bus.TopicConnectionRegistered, bus.ConnectionRegistered{
			ConnectionID: conn.SessionID, OrganizationID: conn.OrganizationID, UserID: conn.UserID,
		})
	}
	return conn.clone(), nil
}

// Get returns a snapshot of the connection, if present.
func (m *Manager) Get(sessionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[sessionID]
	if !ok {
		return nil, false
	}
	return conn.clone(), true
}

// UpdateStatus transitions sessionID to status, persisting the change and
// publishing TopicConnectionStateChanged.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, status Status) error {
	m.mu.Lock()
	conn, ok := m.connections[sessionID]
	if !ok {
		m.mu.Unlock()
		return apierr.New(apierr.NotFound, fmt.Sprintf("connection %s not found", sessionID))
	}
	from := conn.Status
	conn.Status = status
	if status == StatusDisconnected {
		now := m.now()
		conn.DisconnectedAt = &now
		conn.TotalDisconnections++
	}
	m.mu.Unlock()

	m.persist(ctx, conn)
	if m.bus != nil && from != status {
		m.bus.Publish(bus.TopicConnectionStateChanged, bus.ConnectionStateChanged{
			ConnectionID: sessionID, OrganizationID: conn.OrganizationID, From: string(from), To: string(status),
		})
	}
	return nil
}

// Remove cancels any armed reconnection timer and deletes sessionID from
// memory, persisting a final DISCONNECTED row.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.timers.Cancel(sessionID)

	m.mu.Lock()
	conn, ok := m.connections[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.connections, sessionID)
	m.mu.Unlock()

	now := m.now()
	conn.Status = StatusDisconnected
	conn.DisconnectedAt = &now
	m.persist(ctx, conn)
	return nil
}

// HeartbeatResult is returned by UpdateHeartbeat.
type HeartbeatResult struct {
	LatencyMs float64
	Quality   Quality
}

// UpdateHeartbeat records a successful heartbeat, resetting
// missedHeartbeats to 0 (invariant I5), EMA-smoothing latency/jitter, and
// recomputing quality. clientTs, if provided, is used to derive latency;
// a clientTs in the future clamps latency to ≥0.
func (m *Manager) UpdateHeartbeat(ctx context.Context, sessionID string, clientTs *time.Time) (HeartbeatResult, error) {
	now := m.now()

	m.mu.Lock()
	conn, ok := m.connections[sessionID]
	if !ok {
		m.mu.Unlock()
		return HeartbeatResult{}, apierr.New(apierr.NotFound, fmt.Sprintf("connection %s not found", sessionID))
	}

	latencyMs := 0.0
	if clientTs != nil {
		latencyMs = float64(now.Sub(*clientTs).Milliseconds())
		if latencyMs < 0 {
			latencyMs = 0
		}
	}
	ema, jitter := smoothLatency(conn.LatencyMs, conn.JitterMs, latencyMs)
	previousQuality := conn.Quality

	conn.LastHeartbeat = now
	conn.MissedHeartbeats = 0
	conn.LatencyMs = ema
	conn.JitterMs = jitter
	// Quality is scored off the instantaneous sample, not the EMA: the EMA
	// blends against its own previous value and converges too slowly to
	// reflect a responsiveness cliff within a few heartbeats.
	conn.Quality = scoreQuality(conn.MissedHeartbeats, latencyMs)
	conn.heartbeatTick++
	shouldWrite := conn.heartbeatTick%kOrDefault(m.cfg.DBWriteEveryKHeartbeats) == 0
	snapshot := conn.clone()
	newQuality := conn.Quality
	m.mu.Unlock()

	if shouldWrite {
		m.persist(ctx, snapshot)
	}
	if m.bus != nil && previousQuality != newQuality {
		m.bus.Publish(bus.TopicConnectionQualityChanged, bus.ConnectionQualityChanged{
			ConnectionID: sessionID, OrganizationID: snapshot.OrganizationID,
			From: string(previousQuality), To: string(newQuality),
		})
	}
	return HeartbeatResult{LatencyMs: ema, Quality: newQuality}, nil
}

func kOrDefault(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}

// CheckHeartbeatTimeouts scans every CONNECTED session for missed
// heartbeats, incrementing the miss counter once the last heartbeat is
// older than HeartbeatInterval and transitioning to DISCONNECTED once it
// is older than HeartbeatMaxMissed×HeartbeatInterval. The caller drives it
// from its own ticker loop at cfg.HeartbeatInterval cadence.
func (m *Manager) CheckHeartbeatTimeouts(ctx context.Context) {
	now := m.now()
	var timedOut []string

	m.mu.Lock()
	for id, conn := range m.connections {
		if conn.Status != StatusConnected {
			continue
		}
		if now.Sub(conn.LastHeartbeat) <= m.cfg.HeartbeatInterval {
			continue
		}
		conn.MissedHeartbeats++
		conn.Quality = scoreQuality(conn.MissedHeartbeats, conn.LatencyMs)
		if now.Sub(conn.LastHeartbeat) > time.Duration(m.cfg.HeartbeatMaxMissed)*m.cfg.HeartbeatInterval {
			timedOut = append(timedOut, id)
		}
	}
	m.mu.Unlock()

	for _, id := range timedOut {
		if err := m.UpdateStatus(ctx, id, StatusDisconnected); err != nil {
			m.log.Error("failed to mark connection disconnected on heartbeat timeout", logging.Error(err))
			continue
		}
		m.ScheduleReconnection(ctx, id)
	}
}

// Stats returns an aggregate snapshot across every live connection.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByStatus: make(map[Status]int), ByQuality: make(map[Quality]int)}
	var latencySum float64
	for _, conn := range m.connections {
		stats.Total++
		stats.ByStatus[conn.Status]++
		stats.ByQuality[conn.Quality]++
		latencySum += conn.LatencyMs
		stats.TotalReconnectAttempts += conn.ReconnectAttempts
	}
	if stats.Total > 0 {
		stats.AverageLatencyMs = latencySum / float64(stats.Total)
	}
	return stats
}

// ByOrganization returns every live connection belonging to organizationID.
func (m *Manager) ByOrganization(organizationID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, conn := range m.connections {
		if conn.OrganizationID == organizationID {
			out = append(out, conn.clone())
		}
	}
	return out
}

// Qualities returns the current quality of every live connection, used by
// the ADAPTIVE reconnection strategy's fleet-wide factor.
func (m *Manager) Qualities() []Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Quality, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn.Quality)
	}
	return out
}

// Shutdown cancels every armed timer and persists final state for all
// live connections without blocking on I/O beyond ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.timers.CancelAll()
	m.mu.RLock()
	snapshots := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		snapshots = append(snapshots, conn.clone())
	}
	m.mu.RUnlock()
	for _, snap := range snapshots {
		select {
		case <-ctx.Done():
			return
		default:
			m.persist(ctx, snap)
		}
	}
}

// RecoverFromStore loads CONNECTED/RECONNECTING rows from the MetaStore
// into memory on startup. Heartbeat monitoring only resumes for CONNECTED
// rows; the physical socket is absent, so the first timeout drives them
// into reconnection, per spec §4.D's startup-recovery note.
func (m *Manager) RecoverFromStore(ctx context.Context, organizationID string) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.ListByOrganization(ctx, metastore.TableConnections, organizationID)
	if err != nil {
		return apierr.Wrap(apierr.Transient, "list connections for recovery", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range rows {
		var conn Connection
		if err := unmarshalConnection(raw, &conn); err != nil {
			m.log.Error("failed to decode connection row during recovery", logging.Error(err))
			continue
		}
		if conn.Status != StatusConnected && conn.Status != StatusReconnecting {
			continue
		}
		conn.stableSince = m.now()
		m.connections[conn.SessionID] = &conn
	}
	return nil
}

// ScheduleReconnection transitions sessionID to RECONNECTING and arms a
// timer that invokes the configured Reconnector after the strategy-derived,
// jittered delay. On success it restores CONNECTED and restarts heartbeat
// bookkeeping; on failure it either reschedules or, once attempts reach
// maxReconnectAttempts, transitions to FAILED and publishes
// TopicReconnectionFailed.
func (m *Manager) ScheduleReconnection(ctx context.Context, sessionID string) {
	m.mu.Lock()
	conn, ok := m.connections[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn.ReconnectAttempts++
	attempt := conn.ReconnectAttempts
	maxAttempts := conn.MaxReconnectAttempts
	conn.Status = StatusReconnecting
	qualities := m.allQualitiesLocked()
	total := len(m.connections)
	m.mu.Unlock()

	if attempt > maxAttempts {
		m.failConnection(ctx, sessionID, attempt)
		return
	}

	delay := baseDelay(m.cfg, m.cfg.Strategy, attempt, total, qualities)
	delay = applyJitter(delay, m.cfg.Jitter, m.cfg.JitterFactor, m.rand)

	next := m.now().Add(delay)
	m.mu.Lock()
	if conn, ok := m.connections[sessionID]; ok {
		conn.NextReconnectAt = &next
	}
	m.mu.Unlock()
	m.persist(ctx, conn)

	if m.bus != nil {
		m.bus.Publish(bus.TopicReconnectionScheduled, bus.ReconnectionScheduled{
			ConnectionID: sessionID, Attempt: attempt, DelayMillis: delay.Milliseconds(),
		})
	}

	m.timers.Arm(sessionID, delay, func() {
		m.fireReconnect(ctx, sessionID, attempt)
	})
}

func (m *Manager) fireReconnect(ctx context.Context, sessionID string, attempt int) {
	var err error
	if m.reconnector != nil {
		err = m.reconnector.Attempt(sessionID)
	} else {
		err = apierr.New(apierr.Transient, "no reconnector configured")
	}

	if err == nil {
		m.mu.Lock()
		conn, ok := m.connections[sessionID]
		if ok {
			conn.Status = StatusConnected
			conn.ReconnectAttempts = 0
			conn.MissedHeartbeats = 0
			conn.LastHeartbeat = m.now()
			conn.NextReconnectAt = nil
			conn.stableSince = m.now()
		}
		m.mu.Unlock()
		if ok {
			m.persist(ctx, conn)
			if m.bus != nil {
				m.bus.Publish(bus.TopicConnectionStateChanged, bus.ConnectionStateChanged{
					ConnectionID: sessionID, OrganizationID: conn.OrganizationID,
					From: string(StatusReconnecting), To: string(StatusConnected),
				})
			}
		}
		return
	}

	m.log.Warn("reconnection attempt failed", logging.String("session_id", sessionID), logging.Int("attempt", attempt), logging.Error(err))
	m.ScheduleReconnection(ctx, sessionID)
}

func (m *Manager) failConnection(ctx context.Context, sessionID string, attempts int) {
	m.mu.Lock()
	conn, ok := m.connections[sessionID]
	if ok {
		conn.Status = StatusFailed
		conn.NextReconnectAt = nil
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.persist(ctx, conn)
	if m.bus != nil {
		m.bus.Publish(bus.TopicReconnectionFailed, bus.ReconnectionFailed{ConnectionID: sessionID, Attempts: attempts})
	}
}

// allQualitiesLocked returns the fleet's current quality values; callers
// must hold m.mu.
func (m *Manager) allQualitiesLocked() []Quality {
	out := make([]Quality, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn.Quality)
	}
	return out
}

func unmarshalConnection(raw json.RawMessage, out *Connection) error {
	return json.Unmarshal(raw, out)
}

func (m *Manager) persist(ctx context.Context, conn *Connection) {
	if m.store == nil {
		return
	}
	if err := m.store.Upsert(ctx, metastore.TableConnections, conn.OrganizationID, conn.SessionID, conn); err != nil {
		m.log.Error("failed to persist connection row", logging.Error(err), logging.String("session_id", conn.SessionID))
	}
}
