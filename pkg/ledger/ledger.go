// Package ledger holds the local replicas of peer ledgers. A ledger is an
// append-only sequence of row ids assigned by the owning peer.
package ledger

import (
	"context"
	"fmt"
	"strconv"
)

// Range is an inclusive id range, Start <= End.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of ids covered by r.
func (r Range) Len() uint64 {
	return r.End - r.Start + 1
}

func (r Range) String() string {
	if r.Start == r.End {
		return strconv.FormatUint(r.Start, 10)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Query reads the local replica of a peer's ledger.
type Query interface {
	// CountInRange counts local rows with start <= id <= end.
	CountInRange(ctx context.Context, peer string, start, end uint64) (uint64, error)
	// RowsInRange returns at most limit ids in [start, end], ascending.
	RowsInRange(ctx context.Context, peer string, start, end uint64, limit int) ([]uint64, error)
}
