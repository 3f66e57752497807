package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	Prefix      = "/zephyr/watermarks/"
	casAttempts = 5
)

var ErrConflict = errors.New("watermark: too many concurrent updates")

// EtcdStore keeps watermarks under Prefix/<self>/<peer>. Updates are
// compare-and-swap on the key's mod revision.
type EtcdStore struct {
	logger *zap.Logger
	kv     clientv3.KV
	self   string
}

func NewEtcdStore(kv clientv3.KV, self string, opts ...Opt) *EtcdStore {
	o := buildOptions(opts)
	return &EtcdStore{logger: o.logger, kv: kv, self: self}
}

func (s *EtcdStore) key(peer string) string {
	return Prefix + s.self + "/" + peer
}

func (s *EtcdStore) Get(ctx context.Context, peer string) (Watermark, error) {
	wm, _, err := s.read(ctx, peer)
	return wm, err
}

// read returns the stored watermark and its mod revision, 0 when absent.
func (s *EtcdStore) read(ctx context.Context, peer string) (Watermark, int64, error) {
	resp, err := s.kv.Get(ctx, s.key(peer))
	if err != nil {
		return Watermark{}, 0, fmt.Errorf("get watermark %s: %w", peer, err)
	}
	if len(resp.Kvs) == 0 {
		return Watermark{PeerID: peer}, 0, nil
	}
	wm, err := decode(resp.Kvs[0].Value)
	if err != nil {
		return Watermark{}, 0, fmt.Errorf("decode watermark %s: %w", peer, err)
	}
	wm.PeerID = peer
	return wm, resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) Set(ctx context.Context, peer string, validatedID uint64, at time.Time) error {
	data, err := json.Marshal(Watermark{PeerID: peer, ValidatedID: validatedID, ValidatedAt: at.UTC()})
	if err != nil {
		return err
	}
	key := s.key(peer)
	for range casAttempts {
		cur, rev, err := s.read(ctx, peer)
		if err != nil {
			return err
		}
		if validatedID < cur.ValidatedID {
			logRegress(s.logger, peer, cur.ValidatedID, validatedID)
			return nil
		}
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		if rev == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}
		resp, err := s.kv.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
		if err != nil {
			return fmt.Errorf("store watermark %s: %w", peer, err)
		}
		if resp.Succeeded {
			return nil
		}
		s.logger.Debug("watermark changed concurrently, retrying", zap.String("peer", peer))
	}
	return ErrConflict
}

func decode(b []byte) (Watermark, error) {
	var wm Watermark
	err := json.Unmarshal(b, &wm)
	return wm, err
}
