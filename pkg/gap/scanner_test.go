package gap

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
)

type countingQuery struct {
	ledger.Query
	pages int
	err   error
}

func (q *countingQuery) RowsInRange(ctx context.Context, peer string, start, end uint64, limit int) ([]uint64, error) {
	q.pages++
	if q.err != nil {
		return nil, q.err
	}
	return q.Query.RowsInRange(ctx, peer, start, end, limit)
}

func newLedger(t *testing.T, ids ...uint64) *ledger.Memory {
	t.Helper()
	m := ledger.NewMemory()
	require.NoError(t, m.EnsureLedger(context.Background(), "p"))
	require.NoError(t, m.Insert(context.Background(), "p", ids...))
	return m
}

func span(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestScan(t *testing.T) {
	for _, tc := range []struct {
		desc      string
		local     []uint64
		watermark uint64
		last      uint64
		pageSize  int
		ranges    []ledger.Range
		next      uint64
	}{
		{
			desc:  "complete",
			local: span(1, 5),
			last:  5,
			next:  5,
		},
		{
			desc:   "middle gap",
			local:  []uint64{1, 2, 3, 7, 8, 9, 10},
			last:   10,
			ranges: []ledger.Range{{4, 6}},
			next:   3,
		},
		{
			desc:   "empty local",
			last:   10,
			ranges: []ledger.Range{{1, 10}},
			next:   0,
		},
		{
			desc:     "small pages over complete ledger",
			local:    span(1, 10),
			last:     10,
			pageSize: 3,
			next:     10,
		},
		{
			desc:      "watermark at last id",
			local:     []uint64{1},
			watermark: 10,
			last:      10,
			next:      10,
		},
		{
			desc:      "watermark beyond last id",
			watermark: 12,
			last:      10,
			next:      12,
		},
		{
			desc:     "several gaps across pages",
			local:    []uint64{1, 3, 4, 8, 9, 15},
			last:     20,
			pageSize: 2,
			ranges:   []ledger.Range{{2, 2}, {5, 7}, {10, 14}, {16, 20}},
			next:     1,
		},
		{
			desc:      "gap at start after watermark",
			local:     append(span(1, 4), 9, 10),
			watermark: 4,
			last:      10,
			ranges:    []ledger.Range{{5, 8}},
			next:      4,
		},
		{
			desc:     "missing tail after full page",
			local:    span(1, 4),
			last:     8,
			pageSize: 2,
			ranges:   []ledger.Range{{5, 8}},
			next:     4,
		},
		{
			desc:     "rows beyond last id ignored",
			local:    append(span(1, 3), 12),
			last:     5,
			pageSize: 1,
			ranges:   []ledger.Range{{4, 5}},
			next:     3,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			opts := []Opt{}
			if tc.pageSize > 0 {
				opts = append(opts, WithPageSize(tc.pageSize))
			}
			s := New(newLedger(t, tc.local...), opts...)
			ranges, next, err := s.Scan(context.Background(), "p", tc.watermark, tc.last)
			require.NoError(t, err)
			require.Equal(t, tc.ranges, ranges)
			require.Equal(t, tc.next, next)
		})
	}
}

func TestScanSkipsQueriesWhenNothingToDo(t *testing.T) {
	q := &countingQuery{Query: newLedger(t, span(1, 50)...)}
	s := New(q, WithPageSize(7))

	ranges, next, err := s.Scan(context.Background(), "p", 50, 50)
	require.NoError(t, err)
	require.Empty(t, ranges)
	require.EqualValues(t, 50, next)

	ranges, next, err = s.Scan(context.Background(), "p", 10, 50)
	require.NoError(t, err)
	require.Empty(t, ranges)
	require.EqualValues(t, 50, next)
	require.Zero(t, q.pages, "complete count must not page through rows")
}

func TestScanRangeCap(t *testing.T) {
	// every even id present: one single-id gap per odd id
	var local []uint64
	for i := uint64(2); i <= 1000; i += 2 {
		local = append(local, i)
	}
	s := New(newLedger(t, local...), WithPageSize(16), WithMaxRanges(10))
	ranges, next, err := s.Scan(context.Background(), "p", 0, 1000)
	require.NoError(t, err)
	require.Len(t, ranges, 10)
	require.Equal(t, ledger.Range{Start: 1, End: 1}, ranges[0])
	require.Equal(t, ledger.Range{Start: 19, End: 19}, ranges[9])
	require.Zero(t, next)
}

func TestScanQueryFailure(t *testing.T) {
	boom := errors.New("boom")
	q := &countingQuery{Query: newLedger(t, 1, 5), err: boom}
	ranges, next, err := New(q).Scan(context.Background(), "p", 0, 10)
	require.ErrorIs(t, err, boom)
	require.Nil(t, ranges)
	require.Zero(t, next)

	_, next, err = New(ledger.NewMemory()).Scan(context.Background(), "missing", 3, 10)
	require.ErrorIs(t, err, ledger.ErrUnknownLedger)
	require.EqualValues(t, 3, next)
}

func TestScanZeroPageSizeUsesDefault(t *testing.T) {
	led := newLedger(t, 1, 2, 3, 7, 8, 9, 10)
	ranges, next, err := New(led, WithPageSize(0)).Scan(context.Background(), "p", 0, 10)
	require.NoError(t, err)
	require.Equal(t, []ledger.Range{{Start: 4, End: 6}}, ranges)
	require.EqualValues(t, 3, next)
}

func TestScanProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		last := uint64(rng.IntN(300) + 1)
		present := map[uint64]bool{}
		var local []uint64
		for id := uint64(1); id <= last+20; id++ {
			if rng.IntN(100) < 85 {
				present[id] = true
				local = append(local, id)
			}
		}
		watermark := uint64(0)
		for watermark < last && present[watermark+1] && rng.IntN(4) > 0 {
			watermark++
		}
		pageSize := rng.IntN(20) + 1
		maxRanges := rng.IntN(30) + 1

		s := New(newLedger(t, local...), WithPageSize(pageSize), WithMaxRanges(maxRanges))
		ranges, next, err := s.Scan(context.Background(), "p", watermark, last)
		require.NoError(t, err)

		// coverage: nothing between the old and new watermark is missing
		require.GreaterOrEqual(t, next, watermark)
		for id := watermark + 1; id <= next; id++ {
			require.True(t, present[id], "id %d below new watermark %d is missing", id, next)
		}
		require.LessOrEqual(t, len(ranges), maxRanges)
		for i, r := range ranges {
			require.LessOrEqual(t, r.Start, r.End)
			require.Greater(t, r.Start, watermark)
			require.LessOrEqual(t, r.End, last)
			for id := r.Start; id <= r.End; id++ {
				require.False(t, present[id], "id %d requested but present", id)
			}
			if i > 0 {
				require.Greater(t, r.Start, ranges[i-1].End+1, "ranges %v and %v overlap or touch", ranges[i-1], r)
			}
		}

		// idempotence
		again, nextAgain, err := s.Scan(context.Background(), "p", watermark, last)
		require.NoError(t, err)
		require.Equal(t, ranges, again)
		require.Equal(t, next, nextAgain)

		// page size does not change the result when the cap is not hit
		if len(ranges) < maxRanges {
			wide := New(newLedger(t, local...), WithPageSize(1000), WithMaxRanges(maxRanges))
			wr, wn, err := wide.Scan(context.Background(), "p", watermark, last)
			require.NoError(t, err)
			require.Equal(t, ranges, wr)
			require.Equal(t, next, wn)
		}
	}
}
