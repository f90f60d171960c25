// Package mesh implements the flood-routing relay engine: peer admission and
// eviction, packet admission with deduplication, TTL-bounded fan-out,
// store-and-forward replay, cover traffic and the battery duty cycle.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

const (
	DefaultStaleThreshold       = 5 * time.Minute
	DefaultCleanupInterval      = time.Minute
	DefaultCoverTrafficInterval = 30 * time.Second
	DefaultEventBuffer          = 256
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMinSignalQuality     = -90

	// Bounds for the random padding appended when a payload does not fit a
	// block boundary.
	MinPrivacyPadding = 1
	MaxPrivacyPadding = 32
)

// Signer signs originated packets.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier checks packet signatures against keys learned from announces.
type Verifier interface {
	Known(sender protocol.PeerID) bool
	Verify(sender protocol.PeerID, data, signature []byte) error
}

// Sealer encrypts payloads addressed to a single peer.
type Sealer interface {
	Seal(peer protocol.PeerID, plaintext []byte) ([]byte, error)
	Open(peer protocol.PeerID, sealed []byte) ([]byte, error)
}

// AnnounceHandler consumes Announce payloads. VerifyAnnounce checks a
// signature against the key an announce carries, before anything is
// registered.
type AnnounceHandler interface {
	HandleAnnounce(sender protocol.PeerID, payload []byte) error
	VerifyAnnounce(sender protocol.PeerID, payload, data, signature []byte) error
}

// Archive persists cached Message packets across restarts.
type Archive interface {
	Store(id protocol.MessageID, p *protocol.Packet) error
	LoadRecent(limit int) ([]protocol.Packet, error)
	PurgeExpired() (int64, error)
}

// Config holds the engine tunables. Start from DefaultConfig.
type Config struct {
	BatteryMode BatteryMode `yaml:"battery_mode" json:"battery_mode"`

	// Discovered peers weaker than this (dBm) are not connected. Nil
	// disables the check.
	MinSignalQuality *int `yaml:"min_signal_quality" json:"min_signal_quality,omitempty"`

	StaleThreshold  time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	CoverTraffic         bool          `yaml:"cover_traffic" json:"cover_traffic"`
	CoverTrafficInterval time.Duration `yaml:"cover_traffic_interval" json:"cover_traffic_interval"`

	DedupCapacity int `yaml:"dedup_capacity" json:"dedup_capacity"`
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity"`
	EventBuffer   int `yaml:"event_buffer" json:"event_buffer"`

	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	RequireSignatures bool `yaml:"require_signatures" json:"require_signatures"`
	ReplayOnConnect   bool `yaml:"replay_on_connect" json:"replay_on_connect"`

	FragmentShardSize int           `yaml:"fragment_shard_size" json:"fragment_shard_size"`
	FragmentTimeout   time.Duration `yaml:"fragment_timeout" json:"fragment_timeout"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	minSignal := DefaultMinSignalQuality
	return Config{
		BatteryMode:          BatteryBalanced,
		MinSignalQuality:     &minSignal,
		StaleThreshold:       DefaultStaleThreshold,
		CleanupInterval:      DefaultCleanupInterval,
		CoverTraffic:         true,
		CoverTrafficInterval: DefaultCoverTrafficInterval,
		DedupCapacity:        DefaultDedupCapacity,
		CacheCapacity:        DefaultCacheCapacity,
		EventBuffer:          DefaultEventBuffer,
		WriteTimeout:         DefaultWriteTimeout,
		ReplayOnConnect:      true,
		FragmentShardSize:    fragment.DefaultShardSize,
		FragmentTimeout:      fragment.DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.CoverTrafficInterval <= 0 {
		c.CoverTrafficInterval = DefaultCoverTrafficInterval
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.FragmentShardSize <= 0 || c.FragmentShardSize > fragment.DefaultShardSize {
		c.FragmentShardSize = fragment.DefaultShardSize
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = fragment.DefaultTimeout
	}
	return c
}

// EngineState is the lifecycle of the engine as a whole.
type EngineState int

const (
	StateUninitialized EngineState = iota
	StateInitialized
	StateActive
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s EngineState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(clk clock.Clock) Option { return func(e *Engine) { e.clock = clk } }

func WithLogger(logger *zap.Logger) Option { return func(e *Engine) { e.logger = logger } }

func WithSigner(s Signer) Option { return func(e *Engine) { e.signer = s } }

func WithVerifier(v Verifier) Option { return func(e *Engine) { e.verifier = v } }

func WithSealer(s Sealer) Option { return func(e *Engine) { e.sealer = s } }

// WithAnnouncement sets the payload announced to every new neighbour.
func WithAnnouncement(payload []byte) Option {
	return func(e *Engine) { e.announcement = payload }
}

func WithAnnounceHandler(h AnnounceHandler) Option { return func(e *Engine) { e.announcer = h } }

func WithArchive(a Archive) Option { return func(e *Engine) { e.archive = a } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

type counters struct {
	received   atomic.Uint64
	originated atomic.Uint64
	relayed    atomic.Uint64
	dropped    atomic.Uint64
	delivered  atomic.Uint64
	coverSent  atomic.Uint64
}

// Engine owns the peer table, deduplication set and message cache of one
// mesh session.
type Engine struct {
	cfg       Config
	localID   protocol.PeerID
	sessionID string
	transport transport.Transport
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *Metrics

	signer       Signer
	verifier     Verifier
	sealer       Sealer
	announcer    AnnounceHandler
	announcement []byte
	archive      Archive

	mu          sync.Mutex
	state       EngineState
	mode        BatteryMode
	peers       *peerTable
	dedup       *dedupCache
	cache       *messageCache
	reassembler *fragment.Reassembler
	startedAt   time.Time
	runCtx      context.Context
	cancel      context.CancelFunc

	counters    counters
	events      chan Event
	modeChanged chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates an engine in the Uninitialized state.
func New(tr transport.Transport, localID protocol.PeerID, cfg Config, opts ...Option) (*Engine, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if localID.IsZero() || len(localID) > protocol.SenderIDSize {
		return nil, fmt.Errorf("invalid local peer id %q", localID.String())
	}
	if !cfg.BatteryMode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(cfg.BatteryMode))
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:         cfg,
		localID:     protocol.NewPeerID(localID.Bytes()),
		sessionID:   uuid.NewString(),
		transport:   tr,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		state:       StateUninitialized,
		mode:        cfg.BatteryMode,
		peers:       newPeerTable(),
		events:      make(chan Event, cfg.EventBuffer),
		modeChanged: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.logger = e.logger.With(
		zap.Stringer("local_id", e.localID),
		zap.String("session", e.sessionID),
	)
	return e, nil
}

// Initialize allocates the caches, registers the engine as transport
// handler and warms the message cache from the archive.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	switch e.state {
	case StateStopped:
		e.mu.Unlock()
		return ErrStopped
	case StateInitialized, StateActive:
		e.mu.Unlock()
		return nil
	}

	dedup, err := newDedupCache(e.cfg.DedupCapacity)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	cache, err := newMessageCache(e.cfg.CacheCapacity)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	reassembler, err := fragment.NewReassembler(fragment.DefaultCapacity, e.cfg.FragmentTimeout, e.clock)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.dedup, e.cache, e.reassembler = dedup, cache, reassembler
	e.state = StateInitialized
	e.mu.Unlock()

	e.transport.SetHandler(e)
	if e.archive != nil {
		e.warmCache()
	}

	e.logger.Info("Mesh engine initialized",
		zap.Stringer("battery_mode", e.cfg.BatteryMode),
		zap.Int("dedup_capacity", e.cfg.DedupCapacity),
		zap.Int("cache_capacity", e.cfg.CacheCapacity))
	return nil
}

func (e *Engine) warmCache() {
	packets, err := e.archive.LoadRecent(e.cfg.CacheCapacity)
	if err != nil {
		e.logger.Warn("Failed to load archived packets", zap.Error(err))
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	for _, p := range packets {
		id := protocol.ComputeMessageID(&p)
		e.dedup.insert(id)
		e.cache.put(id, p, now)
	}
	e.updateGauges()
	e.mu.Unlock()

	if len(packets) > 0 {
		e.logger.Info("Restored cached messages from archive", zap.Int("count", len(packets)))
	}
}

// Start begins advertising and runs the duty-cycle, cleanup and cover
// traffic loops until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateUninitialized:
		e.mu.Unlock()
		return ErrNotInitialized
	case StateStopped:
		e.mu.Unlock()
		return ErrStopped
	case StateActive:
		e.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel = runCtx, cancel
	e.state = StateActive
	e.startedAt = e.clock.Now()
	dc := e.mode.DutyCycle()

	// Timers are created before any transport call so a mocked clock
	// observes them immediately.
	scanTimer := e.clock.Timer(dc.ScanActive)
	cleanup := e.clock.Ticker(e.cfg.CleanupInterval)
	var cover *clock.Ticker
	if e.cfg.CoverTraffic {
		cover = e.clock.Ticker(e.cfg.CoverTrafficInterval)
	}
	e.wg.Add(2)
	if cover != nil {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	go e.dutyCycleLoop(runCtx, scanTimer)
	go e.cleanupLoop(runCtx, cleanup)
	if cover != nil {
		go e.coverTrafficLoop(runCtx, cover)
	}

	e.logger.Info("Mesh engine started",
		zap.Stringer("battery_mode", e.BatteryMode()),
		zap.Duration("scan_active", dc.ScanActive),
		zap.Duration("scan_pause", dc.ScanPause),
		zap.Int("max_connections", dc.MaxConnections))

	if err := e.transport.Advertise(runCtx); err != nil {
		e.emitError(ErrorTransport, "", fmt.Errorf("advertise: %w", err))
		e.logger.Warn("Failed to start advertising", zap.Error(err))
	}
	e.openDiscoveryWindow(runCtx)
	return nil
}

// Stop cancels every timer, broadcasts Leave and disconnects all peers. It
// is safe from any state and idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	prev := e.state
	e.state = StateStopped
	cancel := e.cancel
	var peers []Peer
	var targets []target
	for _, p := range e.peers.connected() {
		peers = append(peers, p.snapshot())
		targets = append(targets, target{ref: p.Ref, conn: p.conn})
	}
	e.peers = newPeerTable()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if prev == StateActive {
		if err := e.transport.StopDiscovery(); err != nil {
			e.logger.Debug("Failed to stop discovery", zap.Error(err))
		}
		e.broadcastLeave(targets)
	}

	for _, p := range peers {
		if err := e.transport.Disconnect(p.Ref); err != nil {
			e.logger.Debug("Failed to disconnect peer", zap.String("peer", string(p.Ref)), zap.Error(err))
		}
		p.State = PeerDisconnected
		snap := p
		e.emit(Event{Kind: EventPeerDisconnected, Ref: p.Ref, Peer: &snap})
	}
	e.metrics.connectedPeers.Set(0)
	close(e.done)

	e.logger.Info("Mesh engine stopped", zap.Int("disconnected", len(peers)))
	return nil
}

// State returns the engine lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Events returns the channel events are published on. It is never closed;
// use Done to detect shutdown.
func (e *Engine) Events() <-chan Event { return e.events }

// Done is closed once Stop completes.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) LocalID() protocol.PeerID { return e.localID }

func (e *Engine) SessionID() string { return e.sessionID }

// checkReady fails unless the engine is Initialized or Active.
func (e *Engine) checkReady() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyLocked()
}

func (e *Engine) readyLocked() error {
	switch e.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateStopped:
		return ErrStopped
	}
	return nil
}

// ioContext returns the run context while active, else a background one.
func (e *Engine) ioContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil && e.state == StateActive {
		return e.runCtx
	}
	return context.Background()
}

// updateGauges refreshes the size gauges. Callers hold e.mu.
func (e *Engine) updateGauges() {
	e.metrics.connectedPeers.Set(float64(len(e.peers.connected())))
	if e.cache != nil {
		e.metrics.cachedMessages.Set(float64(e.cache.len()))
	}
	if e.dedup != nil {
		e.metrics.dedupEntries.Set(float64(e.dedup.len()))
	}
}

// SetBatteryMode switches the duty cycle. When the new ceiling is below the
// number of connected peers, the weakest are disconnected.
func (e *Engine) SetBatteryMode(mode BatteryMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	e.mu.Lock()
	prev := e.mode
	e.mode = mode
	var victims []Peer
	connected := e.peers.connected()
	if limit := mode.DutyCycle().MaxConnections; len(connected) > limit {
		evictionOrder(connected)
		for _, p := range connected[:len(connected)-limit] {
			e.peers.remove(p.Ref)
			snap := p.snapshot()
			snap.State = PeerDisconnected
			victims = append(victims, snap)
		}
	}
	e.updateGauges()
	e.mu.Unlock()

	select {
	case e.modeChanged <- struct{}{}:
	default:
	}

	for i := range victims {
		p := victims[i]
		if err := e.transport.Disconnect(p.Ref); err != nil {
			e.logger.Debug("Failed to disconnect evicted peer", zap.String("peer", string(p.Ref)), zap.Error(err))
		}
		e.emit(Event{Kind: EventPeerDisconnected, Ref: p.Ref, Peer: &p})
	}

	e.logger.Info("Battery mode changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", mode),
		zap.Int("evicted", len(victims)))
	return nil
}

func (e *Engine) BatteryMode() BatteryMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// DutyCycle returns the schedule of the current battery mode.
func (e *Engine) DutyCycle() DutyCycle { return e.BatteryMode().DutyCycle() }

// Peers returns a snapshot of the peer table ordered by reference. Like the
// other read-only accessors it is valid in every engine state.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.peers.all()
	out := make([]Peer, 0, len(all))
	for _, p := range all {
		out = append(out, p.snapshot())
	}
	return out
}

// Peer returns the entry for ref.
func (e *Engine) Peer(ref transport.PeerRef) (Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.peers.get(ref)
	if p == nil {
		return Peer{}, false
	}
	return p.snapshot(), true
}

// CachedMessages returns the store-and-forward cache, oldest first.
func (e *Engine) CachedMessages() []CachedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		return nil
	}
	return e.cache.list()
}

// Stats is a point-in-time summary of the engine. It is available in every
// state, including before Initialize.
type Stats struct {
	SessionID      string          `json:"session_id"`
	LocalID        protocol.PeerID `json:"local_id"`
	State          EngineState     `json:"state"`
	BatteryMode    BatteryMode     `json:"battery_mode"`
	MaxConnections int             `json:"max_connections"`
	ConnectedPeers int             `json:"connected_peers"`
	KnownPeers     int             `json:"known_peers"`
	DedupEntries   int             `json:"dedup_entries"`
	CachedMessages int             `json:"cached_messages"`
	PendingSets    int             `json:"pending_fragment_sets"`
	Uptime         time.Duration   `json:"uptime_ns"`

	PacketsReceived   uint64 `json:"packets_received"`
	PacketsOriginated uint64 `json:"packets_originated"`
	PacketsRelayed    uint64 `json:"packets_relayed"`
	PacketsDropped    uint64 `json:"packets_dropped"`
	MessagesDelivered uint64 `json:"messages_delivered"`
	CoverPacketsSent  uint64 `json:"cover_packets_sent"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		SessionID:      e.sessionID,
		LocalID:        e.localID,
		State:          e.state,
		BatteryMode:    e.mode,
		MaxConnections: e.mode.DutyCycle().MaxConnections,
		ConnectedPeers: len(e.peers.connected()),
		KnownPeers:     len(e.peers.peers),
	}
	if e.dedup != nil {
		s.DedupEntries = e.dedup.len()
	}
	if e.cache != nil {
		s.CachedMessages = e.cache.len()
	}
	if e.state == StateActive {
		s.Uptime = e.clock.Since(e.startedAt)
	}
	reassembler := e.reassembler
	e.mu.Unlock()

	if reassembler != nil {
		s.PendingSets = reassembler.Pending()
	}
	s.PacketsReceived = e.counters.received.Load()
	s.PacketsOriginated = e.counters.originated.Load()
	s.PacketsRelayed = e.counters.relayed.Load()
	s.PacketsDropped = e.counters.dropped.Load()
	s.MessagesDelivered = e.counters.delivered.Load()
	s.CoverPacketsSent = e.counters.coverSent.Load()
	return s
}
