// Package request turns missing ranges into the file request sent to a peer.
package request

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
)

const DefaultMaxRanges = 100

// Mode controls whether requests actually leave the node.
type Mode string

const (
	// Active sends file requests to peers.
	Active Mode = "active"
	// Suspend computes requests and advances watermarks but sends nothing.
	Suspend Mode = "suspend"
)

// ParseMode accepts "active" or "suspend", case insensitive.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Active, Suspend:
		return m, nil
	default:
		return "", fmt.Errorf("unknown consumer mode %q", s)
	}
}

// Policy bounds a single request.
type Policy struct {
	// MaxRanges caps the number of ranges. Values < 1 use DefaultMaxRanges.
	MaxRanges int `mapstructure:"max-ranges"`
	// MaxIDs caps the total number of ids requested. 0 disables the cap.
	MaxIDs uint32 `mapstructure:"max-ids"`
	// SuspendAfterThrottle switches the consumer to Suspend once MaxIDs
	// truncated a request.
	SuspendAfterThrottle bool `mapstructure:"suspend-after-throttle"`
}

// Batch is the set of ranges requested from one peer in one tick.
type Batch struct {
	PeerID string
	Ranges []ledger.Range
	// Throttled is set when Policy.MaxIDs cut the request short.
	Throttled bool
}

// IDCount returns the total number of ids in the batch.
func (b Batch) IDCount() uint64 {
	var n uint64
	for _, r := range b.Ranges {
		n += r.Len()
	}
	return n
}

func (b Batch) Empty() bool {
	return len(b.Ranges) == 0
}

// Build normalizes ranges (sorted, overlapping and adjacent ranges merged)
// and applies the policy caps in order.
func Build(peer string, ranges []ledger.Range, policy Policy) Batch {
	maxRanges := policy.MaxRanges
	if maxRanges < 1 {
		maxRanges = DefaultMaxRanges
	}
	merged := normalize(ranges)
	if len(merged) > maxRanges {
		merged = merged[:maxRanges]
	}
	b := Batch{PeerID: peer, Ranges: merged}
	if policy.MaxIDs == 0 {
		return b
	}

	budget := uint64(policy.MaxIDs)
	for i, r := range merged {
		if r.Len() > budget {
			b.Throttled = true
			if budget == 0 {
				b.Ranges = merged[:i]
			} else {
				merged[i].End = r.Start + budget - 1
				b.Ranges = merged[:i+1]
			}
			break
		}
		budget -= r.Len()
	}
	return b
}

func normalize(ranges []ledger.Range) []ledger.Range {
	var out []ledger.Range
	for _, r := range ranges {
		if r.Start > r.End {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ledger.Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End+1 {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Serialize renders the wire form, e.g. "5,10-14,20".
func Serialize(b Batch) string {
	var sb strings.Builder
	for i, r := range b.Ranges {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(r.String())
	}
	return sb.String()
}

var ErrMalformed = errors.New("request: malformed range list")

// Parse reads the wire form produced by Serialize.
func Parse(s string) ([]ledger.Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []ledger.Range
	for _, tok := range strings.Split(s, ",") {
		startStr, endStr, isRange := strings.Cut(strings.TrimSpace(tok), "-")
		start, err := strconv.ParseUint(startStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token %q", ErrMalformed, tok)
		}
		end := start
		if isRange {
			if end, err = strconv.ParseUint(endStr, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: token %q", ErrMalformed, tok)
			}
			if end < start {
				return nil, fmt.Errorf("%w: token %q ends before it starts", ErrMalformed, tok)
			}
		}
		out = append(out, ledger.Range{Start: start, End: end})
	}
	return out, nil
}
