// Package status renders the consumer's one-line state summary.
package status

import (
	"fmt"
	"sync"
)

type Kind uint8

const (
	Idle Kind = iota
	MetadataUnavailable
	NoPeers
	Summary
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case MetadataUnavailable:
		return "metadata_unavailable"
	case NoPeers:
		return "no_peers"
	case Summary:
		return "summary"
	default:
		return "unknown"
	}
}

type Status struct {
	Kind       Kind   `json:"kind"`
	Registered int    `json:"registered"`
	Active     int    `json:"active"`
	Mode       string `json:"mode"`
}

// Format renders s for operators. It has no side effects.
func Format(s Status) string {
	switch s.Kind {
	case MetadataUnavailable:
		return "Metadata info not available"
	case NoPeers:
		return "No peer operators supporting the cluster"
	case Summary:
		return fmt.Sprintf("Registered peers: %d, Active peers: %d, Mode: %s", s.Registered, s.Active, s.Mode)
	default:
		return ""
	}
}

// Reporter holds the most recent status.
type Reporter struct {
	mu  sync.RWMutex
	cur Status
}

func (r *Reporter) Update(s Status) {
	r.mu.Lock()
	r.cur = s
	r.mu.Unlock()
}

func (r *Reporter) Current() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

func (r *Reporter) Summary() string {
	return Format(r.Current())
}
