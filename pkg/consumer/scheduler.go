package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrsync/pkg/gap"
	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
	"github.com/ryandielhenn/zephyrsync/pkg/registry"
	"github.com/ryandielhenn/zephyrsync/pkg/request"
	"github.com/ryandielhenn/zephyrsync/pkg/status"
	"github.com/ryandielhenn/zephyrsync/pkg/watermark"
)

type Opt func(*Scheduler)

func WithLogger(logger *zap.Logger) Opt {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithConfig(cfg Config) Opt {
	return func(s *Scheduler) {
		s.cfg = cfg
	}
}

func WithMetrics(m Metrics) Opt {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func withClock(clock clockwork.Clock) Opt {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// Scheduler runs one reconciliation tick per Config.Interval until stopped.
type Scheduler struct {
	logger    *zap.Logger
	cfg       Config
	clock     clockwork.Clock
	metrics   Metrics
	registry  PeerRegistry
	transport Transport
	marks     watermark.Store
	scanner   *gap.Scanner
	reporter  status.Reporter
	locks     peerLocks

	mu      sync.Mutex
	state   State
	phase   Phase
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the loop goroutine
	version     uint64
	haveVersion bool
	peers       []registry.Peer
	provisioned map[string]bool
}

func New(reg PeerRegistry, query ledger.Query, transport Transport, marks watermark.Store, opts ...Opt) *Scheduler {
	s := &Scheduler{
		logger:      zap.NewNop(),
		cfg:         DefaultConfig(),
		clock:       clockwork.NewRealClock(),
		metrics:     noMetrics{},
		registry:    reg,
		transport:   transport,
		marks:       marks,
		provisioned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Mode == "" {
		s.cfg.Mode = request.Active
	}
	if s.cfg.Interval <= 0 {
		s.cfg.Interval = DefaultConfig().Interval
	}
	if s.cfg.RequestTimeout <= 0 {
		s.cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if s.cfg.PageSize < 1 {
		s.cfg.PageSize = DefaultConfig().PageSize
	}
	s.scanner = gap.New(query,
		gap.WithPageSize(s.cfg.PageSize),
		gap.WithMaxRanges(s.cfg.Policy.MaxRanges),
	)
	s.state.Mode = s.cfg.Mode
	return s
}

// Start launches the loop in the background. Cancelling ctx has the same
// effect as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = State{Mode: s.cfg.Mode}
	s.phase = Idle
	go s.loop(ctx, s.done)
	return nil
}

// Run starts the loop and blocks until it stops.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
	return nil
}

// Stop signals the loop and waits for it to exit. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.phase = Stopped
		s.mu.Unlock()
		s.reporter.Update(status.Status{})
		s.logger.Info("data consumer terminated")
	}()
	s.logger.Info("data consumer started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("mode", string(s.cfg.Mode)),
	)
	for {
		if ctx.Err() != nil {
			return
		}
		s.tick(ctx)
		s.setPhase(Sleeping)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.setPhase(Polling)
	peers, err := s.refreshPeers(ctx)
	if err != nil {
		s.logger.Warn("peer membership unavailable", zap.Error(err))
		s.reporter.Update(status.Status{Kind: status.MetadataUnavailable})
		s.metrics.Tick("membership_unavailable")
		return
	}
	if len(peers) == 0 {
		s.setPeerCounts(0, 0)
		s.reporter.Update(status.Status{Kind: status.NoPeers})
		s.metrics.Peers(0, 0)
		s.metrics.Tick("no_peers")
		return
	}

	s.setPhase(Syncing)
	responsive := s.syncPeers(ctx, peers)
	s.setPeerCounts(len(peers), responsive)
	s.reporter.Update(status.Status{
		Kind:       status.Summary,
		Registered: len(peers),
		Active:     responsive,
		Mode:       string(s.Mode()),
	})
	s.metrics.Peers(len(peers), responsive)
	s.metrics.Tick("ok")
}

// refreshPeers rereads membership when its version moved and provisions the
// ledgers of peers not provisioned yet.
func (s *Scheduler) refreshPeers(ctx context.Context) (peers []registry.Peer, err error) {
	defer func() {
		if r := recover(); r != nil {
			peers, err = nil, fmt.Errorf("%w: panic: %v", ErrMembershipUnavailable, r)
		}
	}()
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	version, err := s.registry.Version(rctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMembershipUnavailable, err)
	}
	if !s.haveVersion || version != s.version {
		list, err := s.registry.ListPeers(rctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMembershipUnavailable, err)
		}
		s.logger.Info("peer membership changed",
			zap.Uint64("version", version),
			zap.Int("peers", len(list)),
		)
		s.peers = list
		s.version = version
		s.haveVersion = true
		current := make(map[string]bool, len(list))
		for _, p := range list {
			current[p.ID] = s.provisioned[p.ID]
		}
		s.provisioned = current
	}
	for _, p := range s.peers {
		if s.provisioned[p.ID] {
			continue
		}
		if err := s.ensureLedger(ctx, p); err != nil {
			s.logger.Warn("failed to provision peer ledger", zap.String("peer", p.ID), zap.Error(err))
			s.metrics.PeerError("provision")
			continue
		}
		s.provisioned[p.ID] = true
	}
	return s.peers, nil
}

// ensureLedger provisions one peer; a panic fails only that peer.
func (s *Scheduler) ensureLedger(ctx context.Context, p registry.Peer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while provisioning %s: %v", p.ID, r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.registry.EnsureLedger(ctx, p)
}

// syncPeers reconciles every provisioned peer and returns how many answered.
func (s *Scheduler) syncPeers(ctx context.Context, peers []registry.Peer) int {
	var (
		eg         errgroup.Group
		responsive atomic.Int64
	)
	if s.cfg.Workers > 0 {
		eg.SetLimit(s.cfg.Workers)
	}
	for _, p := range peers {
		if !s.provisioned[p.ID] {
			continue
		}
		eg.Go(func() error {
			responded, err := s.syncPeer(ctx, p)
			if responded {
				responsive.Add(1)
			}
			if err != nil {
				s.logPeerError(ctx, p, err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return int(responsive.Load())
}

func (s *Scheduler) logPeerError(ctx context.Context, p registry.Peer, err error) {
	if ctx.Err() != nil {
		return
	}
	kind := "panic"
	switch {
	case errors.Is(err, ErrPeerUnresponsive):
		kind = "unresponsive"
	case errors.Is(err, ErrQueryFailure):
		kind = "query"
	case errors.Is(err, ErrSendFailure):
		kind = "send"
	}
	s.metrics.PeerError(kind)
	s.logger.Warn("peer reconciliation incomplete",
		zap.String("peer", p.ID),
		zap.String("kind", kind),
		zap.Error(err),
	)
}

// syncPeer runs exchange, scan and request for one peer while holding that
// peer's lock. responded reports whether the peer returned its last id.
func (s *Scheduler) syncPeer(ctx context.Context, p registry.Peer) (responded bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while syncing %s: %v", p.ID, r)
		}
	}()
	unlock := s.locks.lock(p.ID)
	defer unlock()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	lastID, err := s.transport.RequestLastID(rctx, p)
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPeerUnresponsive, err)
	}

	wm, err := s.marks.Get(ctx, p.ID)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrQueryFailure, err)
	}
	ranges, next, err := s.scanner.Scan(ctx, p.ID, wm.ValidatedID, lastID)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrQueryFailure, err)
	}

	batch := request.Build(p.ID, ranges, s.cfg.Policy)
	mode := s.Mode()
	sctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	attempted, sendErr := request.Send(sctx, s.transport, p, batch, mode)
	cancel()
	if attempted && sendErr == nil {
		s.metrics.Requested(len(batch.Ranges), batch.IDCount())
	}
	if attempted && batch.Throttled && s.cfg.Policy.SuspendAfterThrottle {
		s.logger.Info("request throttled, suspending consumer",
			zap.String("peer", p.ID),
			zap.Uint32("max_ids", s.cfg.Policy.MaxIDs),
		)
		s.SetMode(request.Suspend)
	}
	s.logger.Debug("peer scanned",
		zap.String("peer", p.ID),
		zap.Uint64("last_id", lastID),
		zap.Uint64("watermark", wm.ValidatedID),
		zap.Uint64("next_watermark", next),
		zap.Int("ranges", len(batch.Ranges)),
		zap.String("mode", string(mode)),
		zap.Bool("sent", attempted && sendErr == nil),
	)

	if err := s.marks.Set(ctx, p.ID, next, s.clock.Now()); err != nil {
		return true, fmt.Errorf("%w: store watermark: %w", ErrQueryFailure, err)
	}
	s.metrics.Watermark(p.ID, max(next, wm.ValidatedID))
	if sendErr != nil {
		return true, fmt.Errorf("%w: %w", ErrSendFailure, sendErr)
	}
	return true, nil
}

// SetMode switches between sending requests and bookkeeping only.
func (s *Scheduler) SetMode(m request.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Mode = m
}

func (s *Scheduler) Mode() request.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Mode
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the structured form of the last tick's summary.
func (s *Scheduler) Status() status.Status {
	return s.reporter.Current()
}

// Info returns the status line, empty while the consumer is not running.
func (s *Scheduler) Info() string {
	if !s.Running() {
		return ""
	}
	return s.reporter.Summary()
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Scheduler) setPeerCounts(known, responsive int) {
	s.mu.Lock()
	s.state.KnownPeers = known
	s.state.ResponsivePeers = responsive
	s.mu.Unlock()
}

// peerLocks serializes work per peer id.
type peerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *peerLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
