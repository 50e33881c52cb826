package ledger

import (
	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/transaction"
)

const (
	DefaultBaseReward      = 50
	DefaultHalvingInterval = 210000
	maxHalvings            = 64
)

// RewardCalculator pays the proposer a halving base reward plus the fees of the block.
type RewardCalculator struct {
	BaseReward      *uint256.Int
	HalvingInterval uint64
}

func NewRewardCalculator(base uint64, halvingInterval uint64) *RewardCalculator {
	if halvingInterval == 0 {
		halvingInterval = DefaultHalvingInterval
	}
	return &RewardCalculator{
		BaseReward:      uint256.NewInt(base),
		HalvingInterval: halvingInterval,
	}
}

func DefaultRewardCalculator() *RewardCalculator {
	return NewRewardCalculator(DefaultBaseReward, DefaultHalvingInterval)
}

// BlockReward is base >> (index / interval), zero once the shift reaches 64.
func (r *RewardCalculator) BlockReward(index uint64) *uint256.Int {
	halvings := index / r.HalvingInterval
	if halvings >= maxHalvings {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Rsh(r.BaseReward, uint(halvings))
}

// TransactionFees sums the fees of non-coinbase transactions.
func TransactionFees(txs []*transaction.Transaction) *uint256.Int {
	total := uint256.NewInt(0)
	for _, tx := range txs {
		if tx.IsCoinbase() || tx.Fee == nil {
			continue
		}
		total.Add(total, tx.Fee)
	}
	return total
}

func (r *RewardCalculator) TotalReward(index uint64, txs []*transaction.Transaction) *uint256.Int {
	total := r.BlockReward(index)
	return total.Add(total, TransactionFees(txs))
}
