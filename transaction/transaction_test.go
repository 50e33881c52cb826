package transaction

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/wallet"
)

func signedTx(t *testing.T) (*Transaction, *wallet.Wallet) {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	to, err := wallet.Generate()
	require.NoError(t, err)

	tx := New(w.Address(), to.Address(), uint256.NewInt(25), uint256.NewInt(1))
	tx.Sign(w)
	return tx, w
}

func TestTransactionValidate(t *testing.T) {
	tx, _ := signedTx(t)
	require.NoError(t, tx.Validate())
	assert.True(t, tx.Verify())

	tests := []struct {
		name   string
		mutate func(tx *Transaction)
		code   errors.ErrorCode
	}{
		{"unsigned", func(tx *Transaction) { tx.Signature = "" }, errors.ErrCodeInvalidSignature},
		{"amount changed", func(tx *Transaction) { tx.Amount = uint256.NewInt(2500) }, errors.ErrCodeInvalidHash},
		{"hash forged", func(tx *Transaction) {
			tx.Amount = uint256.NewInt(2500)
			tx.ContentHash = tx.ComputeContentHash()
		}, errors.ErrCodeInvalidSignature},
		{"missing id", func(tx *Transaction) { tx.ID = "" }, errors.ErrCodeInvalidTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := tx.Clone()
			tt.mutate(cp)
			err := cp.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestCoinbaseExemptFromSignature(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)

	cb := NewCoinbase(w.Address(), uint256.NewInt(50), 7, 1700000000)
	assert.True(t, cb.IsCoinbase())
	assert.Empty(t, cb.Signature)
	assert.NoError(t, cb.Validate())

	again := NewCoinbase(w.Address(), uint256.NewInt(50), 7, 1700000000)
	assert.Equal(t, cb.ID, again.ID)
	assert.Equal(t, cb.ContentHash, again.ContentHash)
}

func TestTransactionJSONRoundTrip(t *testing.T) {
	tx, _ := signedTx(t)

	data, err := jsonx.Marshal(tx)
	require.NoError(t, err)

	var decoded Transaction
	require.NoError(t, jsonx.Unmarshal(data, &decoded))
	assert.Equal(t, tx.ID, decoded.ID)
	assert.Equal(t, tx.ContentHash, decoded.ContentHash)
	assert.True(t, tx.Amount.Eq(decoded.Amount))
	assert.NoError(t, decoded.Validate())
}
