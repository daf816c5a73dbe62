package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/satswap/p2p-swap-bot/config"
	"github.com/satswap/p2p-swap-bot/models"
	"github.com/satswap/p2p-swap-bot/payout"
)

// batchSweep is one tick of the settlement scheduler. Recovery comes
// first: a batch left pending by a crash between send and completion is
// retried before any new batch forms, and the sender's idempotency by
// batch id makes the retry safe.
func (e *Engine) batchSweep(ctx context.Context) {
	pending, err := e.store.PendingBatch()
	if err != nil {
		e.log.Error().Err(err).Msg("batch sweep: pending lookup failed")
		return
	}
	if pending != nil {
		e.flushBatch(ctx, pending)
		return
	}

	queued, err := e.store.DealsByStatus(models.DealReadyForBatch)
	if err != nil {
		e.log.Error().Err(err).Msg("batch sweep: queue lookup failed")
		return
	}
	members := make([]*models.Deal, 0, len(queued))
	for _, d := range queued {
		if d.BatchID == "" {
			members = append(members, d)
		}
	}
	members = e.flushSet(members, e.now())
	if len(members) == 0 {
		return
	}

	ids := make([]int64, len(members))
	for i, d := range members {
		ids[i] = d.ID
	}
	batch := &models.Batch{
		ID:        uuid.New().String(),
		Status:    models.BatchPending,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateBatch(batch, ids); err != nil {
		// Somebody mutated a member under us; next tick re-evaluates.
		e.log.Warn().Err(err).Msg("batch sweep: batch creation lost a race")
		return
	}
	e.log.Info().Str("batch", batch.ID).Int("members", len(ids)).Msg("batch formed")

	e.flushBatch(ctx, batch)
}

// flushSet applies the configured flush policy to the queue snapshot and
// returns the deals that ride the next batch, or nil for no flush.
func (e *Engine) flushSet(members []*models.Deal, now time.Time) []*models.Deal {
	if len(members) == 0 {
		return nil
	}

	switch e.cfg.BatchPolicy {
	case config.BatchPolicyHourly:
		// Flush on the hour. Only deals queued before the cutoff ride
		// this slot; later arrivals wait for the next one.
		if now.Minute() != 0 {
			return nil
		}
		cutoff := now.Add(-e.cfg.BatchCutoff)
		var eligible []*models.Deal
		for _, d := range members {
			if d.StageEnteredAt.Before(cutoff) {
				eligible = append(eligible, d)
			}
		}
		return eligible
	default:
		if len(members) >= e.cfg.BatchMinSize {
			return members
		}
		oldest := members[0].StageEnteredAt
		for _, d := range members[1:] {
			if d.StageEnteredAt.Before(oldest) {
				oldest = d.StageEnteredAt
			}
		}
		if now.Sub(oldest) >= e.cfg.BatchMaxWait {
			return members
		}
		return nil
	}
}

// flushBatch sends one batch payout and settles its members. The payout
// reference only reaches the members through the transactional
// completion, so a crash at any point leaves a retryable pending batch.
func (e *Engine) flushBatch(ctx context.Context, batch *models.Batch) {
	members, err := e.store.BatchMembers(batch.ID)
	if err != nil {
		e.log.Error().Str("batch", batch.ID).Err(err).Msg("batch flush: member lookup failed")
		return
	}
	if len(members) == 0 {
		e.log.Error().Str("batch", batch.ID).Msg("batch flush: pending batch has no members")
		return
	}

	// Group outputs by tier so equal amounts sit together in the
	// transaction.
	sort.Slice(members, func(i, j int) bool {
		if members[i].AmountSats != members[j].AmountSats {
			return members[i].AmountSats < members[j].AmountSats
		}
		return members[i].ID < members[j].ID
	})
	outputs := make([]payout.Output, len(members))
	for i, d := range members {
		outputs[i] = payout.Output{
			DealID:  d.ID,
			Address: d.SellerAddress,
			Amount:  d.AmountSats,
		}
	}

	cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
	ref, err := e.payout.SendBatch(cctx, batch.ID, outputs)
	cancel()
	if err != nil {
		// Batch stays pending; members stay stamped. Next tick retries
		// with the same batch id.
		e.log.Error().Str("batch", batch.ID).Err(err).Msg("batch payout failed")
		return
	}

	if err := e.store.CompleteBatch(batch.ID, ref, e.now()); err != nil {
		e.log.Error().Str("batch", batch.ID).Err(err).Msg("batch completion failed")
		return
	}
	e.log.Info().Str("batch", batch.ID).Str("payout", ref).
		Int("members", len(members)).Msg("batch sent")

	notes := make([]Notification, 0, 2*len(members))
	for _, d := range members {
		d.Status = models.DealCompleted
		d.PayoutRef = ref
		e.recordCompletion(d)
		notes = append(notes, gateNotes(d, EventBatchSent, "")...)
	}
	e.dispatch(ctx, notes)
}
