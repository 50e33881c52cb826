package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeErrorJSON(t *testing.T) {
	err := Validation(ErrCodeInvalidSignature, "signature does not verify")
	assert.Equal(t, `{"kind":"validation_error","code":"invalid_signature","message":"signature does not verify"}`, err.Error())
}

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", Consensus(ErrCodeNotValidator, "x"), ErrConsensus, true},
		{"other kind", Consensus(ErrCodeNotValidator, "x"), ErrValidation, false},
		{"code sentinel", Validation(ErrCodeInsufficientStake, "x"), ErrInsufficientStake, true},
		{"code mismatch", Validation(ErrCodeInvalidAmount, "x"), ErrInsufficientStake, false},
		{"wrapped fmt", fmt.Errorf("ctx: %w", Sync(ErrCodeNoForkPoint, "x")), ErrSync, true},
		{"wrapped pkg", pkgerrors.Wrap(Storage(ErrCodeStoreWrite, "x"), "save"), ErrStorage, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.target))
		})
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", Network(ErrCodeDial, "refused"))
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, ErrCodeDial, CodeOf(err))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))

	var ne *NodeError
	require.True(t, As(err, &ne))
	assert.Equal(t, "refused", ne.Message)
}
