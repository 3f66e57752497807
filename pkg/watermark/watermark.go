// Package watermark records, per peer, the highest id up to which the local
// ledger is known to be complete. Stored values never move backward.
package watermark

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watermark says every id in 1..ValidatedID is present locally.
type Watermark struct {
	PeerID      string    `json:"peer_id"`
	ValidatedID uint64    `json:"validated_id"`
	ValidatedAt time.Time `json:"validated_at"`
}

// Store is safe for concurrent use. Get returns the zero Watermark for an
// unknown peer. Set ignores, and logs, a value lower than the stored one.
type Store interface {
	Get(ctx context.Context, peer string) (Watermark, error)
	Set(ctx context.Context, peer string, validatedID uint64, at time.Time) error
}

type Opt func(*options)

type options struct {
	logger *zap.Logger
}

func WithLogger(logger *zap.Logger) Opt {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Opt) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func logRegress(logger *zap.Logger, peer string, stored, requested uint64) {
	logger.Warn("ignoring watermark regression",
		zap.String("peer", peer),
		zap.Uint64("stored", stored),
		zap.Uint64("requested", requested),
	)
}

// MemStore keeps watermarks in memory.
type MemStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	marks  map[string]Watermark
}

func NewMemStore(opts ...Opt) *MemStore {
	o := buildOptions(opts)
	return &MemStore{
		logger: o.logger,
		marks:  make(map[string]Watermark),
	}
}

func (s *MemStore) Get(_ context.Context, peer string) (Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if wm, ok := s.marks[peer]; ok {
		return wm, nil
	}
	return Watermark{PeerID: peer}, nil
}

func (s *MemStore) Set(_ context.Context, peer string, validatedID uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.marks[peer]; ok && validatedID < cur.ValidatedID {
		logRegress(s.logger, peer, cur.ValidatedID, validatedID)
		return nil
	}
	s.marks[peer] = Watermark{PeerID: peer, ValidatedID: validatedID, ValidatedAt: at}
	return nil
}

// All returns a copy of every stored watermark.
func (s *MemStore) All() map[string]Watermark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Watermark, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out
}
