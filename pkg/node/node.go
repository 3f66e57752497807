// Package node is the HTTP surface between cluster members: it answers the
// last-id and file-request calls made by peers' consumers and provides the
// client side of the same calls.
package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/consumer"
	"github.com/ryandielhenn/zephyrsync/pkg/ledger"
	"github.com/ryandielhenn/zephyrsync/pkg/request"
	"github.com/ryandielhenn/zephyrsync/pkg/status"
)

const (
	LastIDPath  = "/ledger/last-id"
	DeliverPath = "/ledger/deliver"
	ModePath    = "/consumer/mode"
)

// LastIDSource reports the highest id in a local ledger.
type LastIDSource interface {
	LastID(ctx context.Context, peer string) (uint64, error)
}

// Deliverer ships the requested rows of this node's ledger to requester.
type Deliverer interface {
	Deliver(ctx context.Context, requester string, ranges []ledger.Range) error
}

// ConsumerView is the local consumer as shown on /info and switched
// through /consumer/mode.
type ConsumerView interface {
	SetMode(request.Mode)
	Mode() request.Mode
	Running() bool
	Phase() consumer.Phase
	State() consumer.State
	Status() status.Status
	Info() string
}

type Node struct {
	logger    *zap.Logger
	self      string
	addr      string
	ledger    LastIDSource
	deliverer Deliverer
	consumer  ConsumerView
}

type Opt func(*Node)

func WithLogger(logger *zap.Logger) Opt {
	return func(n *Node) {
		n.logger = logger
	}
}

func WithDeliverer(d Deliverer) Opt {
	return func(n *Node) {
		n.deliverer = d
	}
}

func WithConsumer(c ConsumerView) Opt {
	return func(n *Node) {
		n.consumer = c
	}
}

// NewNode serves the ledger owned by self, read from src.
func NewNode(self, addr string, src LastIDSource, opts ...Opt) *Node {
	n := &Node{
		logger: zap.NewNop(),
		self:   self,
		addr:   addr,
		ledger: src,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.deliverer == nil {
		n.deliverer = logDeliverer{logger: n.logger}
	}
	return n
}

func (n *Node) Self() string {
	return n.self
}

func (n *Node) Addr() string {
	return n.addr
}

// logDeliverer accepts requests without shipping rows.
type logDeliverer struct {
	logger *zap.Logger
}

func (d logDeliverer) Deliver(_ context.Context, requester string, ranges []ledger.Range) error {
	d.logger.Info("file request received",
		zap.String("requester", requester),
		zap.Int("ranges", len(ranges)),
	)
	return nil
}
