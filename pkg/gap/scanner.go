// Package gap finds the id ranges missing from a local ledger replica.
package gap

import (
	"context"
	"fmt"

	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
)

const (
	DefaultPageSize  = 100
	DefaultMaxRanges = 100
)

// Scanner walks a peer ledger page by page starting right after the
// watermark. It keeps no state between scans.
type Scanner struct {
	query     ledger.Query
	pageSize  int
	maxRanges int
}

type Opt func(*Scanner)

// WithPageSize sets how many rows are read per query.
func WithPageSize(n int) Opt {
	return func(s *Scanner) {
		s.pageSize = n
	}
}

// WithMaxRanges caps the ranges produced by one scan.
func WithMaxRanges(n int) Opt {
	return func(s *Scanner) {
		s.maxRanges = n
	}
}

func New(query ledger.Query, opts ...Opt) *Scanner {
	s := &Scanner{
		query:     query,
		pageSize:  DefaultPageSize,
		maxRanges: DefaultMaxRanges,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pageSize < 1 {
		s.pageSize = DefaultPageSize
	}
	if s.maxRanges < 1 {
		s.maxRanges = DefaultMaxRanges
	}
	return s
}

// Scan returns the ranges in (watermark, lastID] missing locally, ascending
// and never adjacent, plus the highest id up to which the ledger is
// complete. On error the watermark passed in is returned unchanged.
func (s *Scanner) Scan(ctx context.Context, peer string, watermark, lastID uint64) ([]ledger.Range, uint64, error) {
	if watermark >= lastID {
		return nil, watermark, nil
	}

	have, err := s.query.CountInRange(ctx, peer, watermark+1, lastID)
	if err != nil {
		return nil, watermark, fmt.Errorf("count rows (%d, %d]: %w", watermark, lastID, err)
	}
	if have >= lastID-watermark {
		return nil, lastID, nil
	}

	var (
		ranges   []ledger.Range
		expected = watermark + 1
		cursor   = watermark + 1
		// rows after expected are known to be absent. Stopping on the range
		// cap leaves it false: the unread tail is rescanned next tick.
		tail     = false
	)
	emit := func(start, end uint64) {
		if len(ranges) < s.maxRanges {
			ranges = append(ranges, ledger.Range{Start: start, End: end})
		}
	}

	for cursor <= lastID && len(ranges) < s.maxRanges {
		rows, err := s.query.RowsInRange(ctx, peer, cursor, lastID, s.pageSize)
		if err != nil {
			return nil, watermark, fmt.Errorf("read rows from %d: %w", cursor, err)
		}
		if len(rows) == 0 {
			tail = true
			break
		}
		for _, r := range rows {
			if r < expected {
				continue
			}
			if r > expected {
				emit(expected, r-1)
			}
			expected = r + 1
		}
		last := rows[len(rows)-1]
		if len(rows) < s.pageSize || last >= lastID {
			tail = true
			break
		}
		cursor = last + 1
	}
	if tail && expected <= lastID {
		emit(expected, lastID)
	}

	if len(ranges) == 0 {
		return nil, lastID, nil
	}
	return ranges, ranges[0].Start - 1, nil
}
