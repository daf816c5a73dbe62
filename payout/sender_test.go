package payout

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorIsIdempotentPerBatch(t *testing.T) {
	s := NewSimulator(zerolog.Nop())
	outputs := []Output{
		{DealID: 1, Address: "tb1qa", Amount: 10000},
		{DealID: 2, Address: "tb1qb", Amount: 10000},
	}

	ref1, err := s.SendBatch(context.Background(), "11112222-batch", outputs)
	require.NoError(t, err)
	require.NotEmpty(t, ref1)

	ref2, err := s.SendBatch(context.Background(), "11112222-batch", outputs)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2, "retrying a batch id must not produce a second payout")

	ref3, err := s.SendBatch(context.Background(), "33334444-batch", outputs)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref3)
}
