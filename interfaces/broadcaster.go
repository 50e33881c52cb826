package interfaces

import (
	"context"

	"github.com/mezonai/posnode/consensus"
	"github.com/mezonai/posnode/p2p"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
)

// Broadcaster is everything a node gossips to its peers.
type Broadcaster interface {
	consensus.Outbound
	BroadcastTransaction(ctx context.Context, tx *transaction.Transaction) error
	BroadcastStake(ctx context.Context, anns ...*staking.Announcement) error
}

// PeerManager is the part of the transport the operator surface can drive.
type PeerManager interface {
	Connect(ctx context.Context, host string, port int) error
	PeerCount() int
	Peers() []p2p.PeerInfo
}

// StatusSource reports where consensus currently is.
type StatusSource interface {
	Status() consensus.Status
}
