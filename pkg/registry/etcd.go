package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const NodesPrefix = "/zephyr/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> addr under a lease with the given ttl in
// seconds. The lease is kept alive until cancel is called.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, NodesPrefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		return 0, nil, err
	}
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Etcd is a peer set backed by the node keys in etcd. A single watcher
// goroutine keeps the cached view current; every change bumps Version.
type Etcd struct {
	logger *zap.Logger
	cli    *clientv3.Client
	self   string
	prov   Provisioner
	retry  time.Duration

	mu      sync.RWMutex
	peers   map[string]string
	version uint64
	ready   bool
}

type EtcdOpt func(*Etcd)

func WithLogger(logger *zap.Logger) EtcdOpt {
	return func(r *Etcd) {
		r.logger = logger
	}
}

// WithRetryInterval sets the pause before rebuilding a broken watch.
func WithRetryInterval(d time.Duration) EtcdOpt {
	return func(r *Etcd) {
		r.retry = d
	}
}

// NewEtcd returns a registry of every node except self.
func NewEtcd(cli *clientv3.Client, self string, prov Provisioner, opts ...EtcdOpt) *Etcd {
	if prov == nil {
		prov = noProvisioner{}
	}
	r := &Etcd{
		logger: zap.NewNop(),
		cli:    cli,
		self:   self,
		prov:   prov,
		retry:  time.Second,
		peers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the full node set and returns the etcd revision it reflects.
func (r *Etcd) Load(ctx context.Context) (int64, error) {
	resp, err := r.cli.Get(ctx, NodesPrefix, clientv3.WithPrefix())
	if err != nil {
		r.setReady(false)
		return 0, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), NodesPrefix)] = string(kv.Value)
	}
	r.mu.Lock()
	r.peers = peers
	r.version++
	r.ready = true
	r.mu.Unlock()
	return resp.Header.Revision, nil
}

// Watch keeps the cache in sync until ctx is done. A broken watch marks the
// registry unavailable until a reload succeeds.
func (r *Etcd) Watch(ctx context.Context) {
	for ctx.Err() == nil {
		rev, err := r.Load(ctx)
		if err != nil {
			r.logger.Warn("failed to load peers", zap.Error(err))
			if !r.sleep(ctx) {
				return
			}
			continue
		}
		wch := r.cli.Watch(ctx, NodesPrefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.logger.Warn("peer watch broken", zap.Error(err))
				r.setReady(false)
				break
			}
			r.apply(resp.Events)
		}
		if !r.sleep(ctx) {
			return
		}
	}
}

func (r *Etcd) apply(events []*clientv3.Event) {
	if len(events) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), NodesPrefix)
		switch ev.Type {
		case clientv3.EventTypePut:
			r.peers[id] = string(ev.Kv.Value)
		case clientv3.EventTypeDelete:
			delete(r.peers, id)
		}
	}
	r.version++
}

func (r *Etcd) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.retry):
		return true
	}
}

func (r *Etcd) setReady(ok bool) {
	r.mu.Lock()
	r.ready = ok
	r.mu.Unlock()
}

func (r *Etcd) Version(context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return 0, ErrMembershipUnavailable
	}
	return r.version, nil
}

func (r *Etcd) ListPeers(context.Context) ([]Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, ErrMembershipUnavailable
	}
	out := make([]Peer, 0, len(r.peers))
	for id, addr := range r.peers {
		if id == r.self {
			continue
		}
		out = append(out, Peer{ID: id, Addr: addr})
	}
	return sortPeers(out), nil
}

func (r *Etcd) EnsureLedger(ctx context.Context, p Peer) error {
	if err := r.prov.EnsureLedger(ctx, p.ID); err != nil {
		return fmt.Errorf("ensure ledger for %s: %w", p.ID, err)
	}
	return nil
}
