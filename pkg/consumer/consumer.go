// Package consumer keeps the local replica of every peer ledger eventually
// consistent with the peer. Each tick it asks the peers for their last id,
// scans the local replica for gaps above the stored watermark, requests the
// missing ranges and advances the watermark.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/ryandielhenn/zephyrsync/pkg/gap"
	"github.com/ryandielhenn/zephyrsync/pkg/registry"
	"github.com/ryandielhenn/zephyrsync/pkg/request"
)

var (
	// ErrMembershipUnavailable: the peer set could not be read; retried next tick.
	ErrMembershipUnavailable = errors.New("consumer: membership unavailable")
	// ErrPeerUnresponsive: the peer did not report its last id; skipped this tick.
	ErrPeerUnresponsive = errors.New("consumer: peer unresponsive")
	// ErrQueryFailure: a local read or write failed; the peer scan is abandoned this tick.
	ErrQueryFailure = errors.New("consumer: query failure")
	// ErrSendFailure: the file request was not delivered; the watermark still advances.
	ErrSendFailure = errors.New("consumer: send failure")

	errRunning = errors.New("consumer: already running")
)

// PeerRegistry supplies cluster membership.
type PeerRegistry interface {
	ListPeers(ctx context.Context) ([]registry.Peer, error)
	Version(ctx context.Context) (uint64, error)
	EnsureLedger(ctx context.Context, peer registry.Peer) error
}

// Transport talks to peers.
type Transport interface {
	RequestLastID(ctx context.Context, peer registry.Peer) (uint64, error)
	request.Sender
}

// Metrics receives reconciliation progress.
type Metrics interface {
	Tick(result string)
	Peers(registered, responsive int)
	PeerError(kind string)
	Requested(ranges int, ids uint64)
	Watermark(peer string, id uint64)
}

type noMetrics struct{}

func (noMetrics) Tick(string)              {}
func (noMetrics) Peers(int, int)           {}
func (noMetrics) PeerError(string)         {}
func (noMetrics) Requested(int, uint64)    {}
func (noMetrics) Watermark(string, uint64) {}

func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		RequestTimeout: 5 * time.Second,
		PageSize:       gap.DefaultPageSize,
		Mode:           request.Active,
		Policy: request.Policy{
			MaxRanges: request.DefaultMaxRanges,
		},
	}
}

type Config struct {
	// Interval between the start of a sleep and the next tick.
	Interval time.Duration `mapstructure:"interval"`

	// RequestTimeout bounds every single call to a peer or the registry.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// PageSize is the number of local rows read per query while scanning.
	PageSize int `mapstructure:"page-size"`

	// Workers bounds how many peers are reconciled at once. 0 means one
	// worker per peer.
	Workers int `mapstructure:"workers"`

	// Mode the consumer starts in.
	Mode request.Mode `mapstructure:"mode"`

	Policy request.Policy `mapstructure:"policy"`
}

// Phase is the scheduler's position in its loop.
type Phase uint8

const (
	Idle Phase = iota
	Polling
	Syncing
	Sleeping
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Syncing:
		return "syncing"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State is the process-wide consumer state, owned by the Scheduler.
type State struct {
	Mode            request.Mode `json:"mode"`
	KnownPeers      int          `json:"known_peers"`
	ResponsivePeers int          `json:"responsive_peers"`
}
