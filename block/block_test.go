package block

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/transaction"
	"github.com/mezonai/posnode/wallet"
)

func TestGenesisIsDeterministic(t *testing.T) {
	a := Genesis()
	b := Genesis()

	assert.Equal(t, a.BlockHash, b.BlockHash)
	assert.Equal(t, uint64(0), a.Index)
	assert.Equal(t, int64(1609459200), a.Timestamp)
	assert.Equal(t, "0", a.PreviousHash)
	assert.Equal(t, "genesis", a.Proposer)
	assert.Empty(t, a.Transactions)
	assert.True(t, a.IsGenesis())
	assert.True(t, a.HashValid())
}

func TestBlockJSONRoundTrip(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	tx := transaction.New(w.Address(), w.Address(), uint256.NewInt(3), uint256.NewInt(0))
	tx.Sign(w)

	g := Genesis()
	b := Assemble(1, 1700000000, g.BlockHash, w.Address(), []*transaction.Transaction{tx})

	data, err := jsonx.Marshal(b)
	require.NoError(t, err)

	var decoded Block
	require.NoError(t, jsonx.Unmarshal(data, &decoded))

	assert.Equal(t, b.Index, decoded.Index)
	assert.Equal(t, b.Timestamp, decoded.Timestamp)
	assert.Equal(t, b.PreviousHash, decoded.PreviousHash)
	assert.Equal(t, b.Proposer, decoded.Proposer)
	assert.Equal(t, b.Nonce, decoded.Nonce)
	assert.Equal(t, b.BlockHash, decoded.BlockHash)
	assert.Equal(t, b.BlockHash, decoded.ComputeHash())
	require.Len(t, decoded.Transactions, 1)
	assert.Equal(t, tx.ContentHash, decoded.Transactions[0].ContentHash)
}

func TestHashCoversFields(t *testing.T) {
	g := Genesis()
	b := Assemble(1, 1700000000, g.BlockHash, "proposer", nil)

	tests := []struct {
		name   string
		mutate func(b *Block)
	}{
		{"index", func(b *Block) { b.Index = 2 }},
		{"timestamp", func(b *Block) { b.Timestamp++ }},
		{"previous hash", func(b *Block) { b.PreviousHash = "ff" }},
		{"proposer", func(b *Block) { b.Proposer = "other" }},
		{"nonce", func(b *Block) { b.Nonce = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := b.Clone()
			tt.mutate(cp)
			assert.False(t, cp.HashValid())
		})
	}
}
