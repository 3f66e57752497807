package ledger

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrUnknownLedger is returned when a peer ledger was never provisioned.
var ErrUnknownLedger = errors.New("ledger: unknown ledger")

// Memory is an in-memory set of ledgers, one sorted id slice per peer.
type Memory struct {
	mu   sync.RWMutex
	rows map[string][]uint64
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string][]uint64)}
}

// EnsureLedger creates an empty ledger for peer if none exists.
func (m *Memory) EnsureLedger(_ context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[peer]; !ok {
		m.rows[peer] = nil
	}
	return nil
}

// Insert adds ids to the peer ledger. Ids already present are ignored.
func (m *Memory) Insert(_ context.Context, peer string, ids ...uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[peer]
	for _, id := range ids {
		idx, found := slices.BinarySearch(rows, id)
		if found {
			continue
		}
		rows = slices.Insert(rows, idx, id)
	}
	m.rows[peer] = rows
	return nil
}

// LastID returns the highest id held for peer, 0 when empty.
func (m *Memory) LastID(_ context.Context, peer string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rows[peer]
	if !ok {
		return 0, ErrUnknownLedger
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1], nil
}

func (m *Memory) CountInRange(_ context.Context, peer string, start, end uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rows[peer]
	if !ok {
		return 0, ErrUnknownLedger
	}
	lo, hi := bounds(rows, start, end)
	return uint64(hi - lo), nil
}

func (m *Memory) RowsInRange(_ context.Context, peer string, start, end uint64, limit int) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rows[peer]
	if !ok {
		return nil, ErrUnknownLedger
	}
	lo, hi := bounds(rows, start, end)
	if limit > 0 && hi-lo > limit {
		hi = lo + limit
	}
	return slices.Clone(rows[lo:hi]), nil
}

// bounds returns the half-open index window of rows within [start, end].
func bounds(rows []uint64, start, end uint64) (int, int) {
	if start > end {
		return 0, 0
	}
	lo, _ := slices.BinarySearch(rows, start)
	hi, found := slices.BinarySearch(rows, end)
	if found {
		hi++
	}
	return lo, hi
}
