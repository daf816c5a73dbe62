package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Output is one (address, amount) leg of a batch payout.
type Output struct {
	DealID  int64
	Address string
	Amount  int64
}

// Sender sends one batch of payouts. Implementations must be idempotent
// per batch id: sending the same id twice must not double-pay.
type Sender interface {
	SendBatch(ctx context.Context, batchID string, outputs []Output) (payoutRef string, err error)
}

// Simulator is the stand-in wallet used on testnet and in tests. It
// fabricates a deterministic payout reference per batch id and remembers
// sent batches so a retried send returns the original reference.
type Simulator struct {
	log zerolog.Logger

	mu   sync.Mutex
	sent map[string]string
}

// NewSimulator creates a simulated payout sender.
func NewSimulator(log zerolog.Logger) *Simulator {
	return &Simulator{
		log:  log.With().Str("component", "payout").Logger(),
		sent: make(map[string]string),
	}
}

// SendBatch simulates a batched on-chain send.
func (s *Simulator) SendBatch(ctx context.Context, batchID string, outputs []Output) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.sent[batchID]; ok {
		s.log.Info().Str("batch", batchID).Str("ref", ref).Msg("batch already sent, returning prior reference")
		return ref, nil
	}

	var total int64
	for _, out := range outputs {
		total += out.Amount
	}
	ref := fmt.Sprintf("batch_%s_%d", batchID[:8], len(outputs))
	s.sent[batchID] = ref

	s.log.Info().
		Str("batch", batchID).
		Int("outputs", len(outputs)).
		Int64("total_sats", total).
		Str("ref", ref).
		Msg("simulated batch payout sent")
	return ref, nil
}
