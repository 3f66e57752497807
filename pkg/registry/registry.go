// Package registry tracks the peers that share this node's cluster.
package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrMembershipUnavailable is returned while the peer set cannot be read.
var ErrMembershipUnavailable = errors.New("registry: membership unavailable")

// Peer is a cluster member whose ledger this node replicates.
type Peer struct {
	ID   string
	Addr string
}

// Provisioner creates the local ledger for a peer. Must be idempotent.
type Provisioner interface {
	EnsureLedger(ctx context.Context, peer string) error
}

type noProvisioner struct{}

func (noProvisioner) EnsureLedger(context.Context, string) error { return nil }

// Static is a fixed peer set. SetPeers replaces it and bumps the version.
type Static struct {
	mu      sync.RWMutex
	prov    Provisioner
	peers   []Peer
	version uint64
}

func NewStatic(prov Provisioner, peers ...Peer) *Static {
	if prov == nil {
		prov = noProvisioner{}
	}
	return &Static{prov: prov, peers: sortPeers(peers), version: 1}
}

// ParsePeers reads "id=addr" pairs separated by commas.
func ParsePeers(s string) ([]Peer, error) {
	var out []Peer
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		id, addr, ok := strings.Cut(tok, "=")
		if !ok || id == "" || addr == "" {
			return nil, errors.New("registry: peer must be id=addr, got " + tok)
		}
		out = append(out, Peer{ID: id, Addr: addr})
	}
	return out, nil
}

func (s *Static) SetPeers(peers ...Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = sortPeers(peers)
	s.version++
}

func (s *Static) ListPeers(context.Context) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.peers), nil
}

func (s *Static) Version(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *Static) EnsureLedger(ctx context.Context, p Peer) error {
	return s.prov.EnsureLedger(ctx, p.ID)
}

func sortPeers(peers []Peer) []Peer {
	out := slices.Clone(peers)
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.ID, b.ID) })
	return out
}
