package request

import (
	"context"

	"github.com/ryandielhenn/zephyrsync/pkg/registry"
)

// Sender delivers a serialized file request to a peer.
type Sender interface {
	SendFileRequest(ctx context.Context, peer registry.Peer, ranges string) error
}

// Send transmits b to peer when mode is Active and the batch is not empty.
// attempted reports whether the sender was invoked.
func Send(ctx context.Context, s Sender, peer registry.Peer, b Batch, mode Mode) (attempted bool, err error) {
	if mode != Active || b.Empty() {
		return false, nil
	}
	return true, s.SendFileRequest(ctx, peer, Serialize(b))
}
