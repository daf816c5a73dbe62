package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/models"
)

// Run starts the background loops and blocks until ctx is done. Each
// loop is a plain ticker; every tick re-reads persistent state, so a
// missed or doubled tick changes nothing.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info().
		Dur("confirmation_poll", e.cfg.ConfirmationPoll).
		Dur("settlement_poll", e.cfg.SettlementPoll).
		Dur("timeout_sweep", e.cfg.TimeoutSweep).
		Dur("batch_poll", e.cfg.BatchPoll).
		Msg("engine loops starting")

	go e.loop(ctx, e.cfg.ConfirmationPoll, e.confirmationSweep)
	go e.loop(ctx, e.cfg.SettlementPoll, e.settlementSweep)
	go e.loop(ctx, e.cfg.TimeoutSweep, e.timeoutSweep)
	go e.loop(ctx, e.cfg.TimeoutSweep, e.offerExpirySweep)
	go e.loop(ctx, e.cfg.RelayRetryEvery/4, e.privacySweep)
	go e.loop(ctx, e.cfg.BatchPoll, e.batchSweep)

	<-ctx.Done()
	e.log.Info().Msg("engine loops stopping")
}

func (e *Engine) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// confirmationSweep polls the chain oracle for every deal with a
// submitted txid. Confirmation counts only move forward; the threshold
// transition also enforces the exact-amount rule.
func (e *Engine) confirmationSweep(ctx context.Context) {
	deals, err := e.store.DealsByStatus(models.DealBitcoinSent)
	if err != nil {
		e.log.Error().Err(err).Msg("confirmation sweep: query failed")
		return
	}

	for _, deal := range deals {
		cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
		conf, err := e.chain.Confirmations(cctx, deal.DepositAddress, deal.BitcoinTxid)
		cancel()
		if err != nil {
			// Oracle unavailable is not zero confirmations: keep what we
			// know and try again next tick.
			e.log.Warn().Int64("deal", deal.ID).Err(err).Msg("chain oracle unavailable")
			continue
		}
		if !conf.Found {
			continue
		}
		if conf.MatchedAmount != deal.AmountSats {
			e.log.Warn().Int64("deal", deal.ID).
				Int64("paid", conf.MatchedAmount).Int64("expected", deal.AmountSats).
				Msg("deposit amount mismatch, holding deal")
			continue
		}

		if conf.Confirmations >= e.cfg.RequiredConfirmations {
			if _, err := e.Apply(ctx, deal.ID, Event{
				Type:          EventConfirmed,
				Confirmations: conf.Confirmations,
			}); err != nil {
				e.log.Error().Int64("deal", deal.ID).Err(err).Msg("confirm transition failed")
			}
			continue
		}

		// Record progress below the threshold; not a status change.
		if conf.Confirmations > deal.Confirmations {
			deal.Confirmations = conf.Confirmations
			if err := e.store.SaveDeal(deal); err != nil && !errors.Is(err, db.ErrStale) {
				e.log.Error().Int64("deal", deal.ID).Err(err).Msg("confirmation save failed")
			}
		}
	}
}

// settlementSweep asks the Lightning oracle whether revealed invoices
// were paid. Only a positive settled answer advances a deal.
func (e *Engine) settlementSweep(ctx context.Context) {
	deals, err := e.store.DealsByStatus(models.DealAwaitingPayment)
	if err != nil {
		e.log.Error().Err(err).Msg("settlement sweep: query failed")
		return
	}

	for _, deal := range deals {
		cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
		settled, err := e.ln.IsSettled(cctx, deal.PaymentHash)
		cancel()
		if err != nil {
			e.log.Warn().Int64("deal", deal.ID).Err(err).Msg("lightning oracle unavailable")
			continue
		}
		if !settled {
			continue
		}
		if _, err := e.Apply(ctx, deal.ID, Event{Type: EventSettled}); err != nil {
			e.log.Error().Int64("deal", deal.ID).Err(err).Msg("settle transition failed")
		}
	}
}

// timeoutSweep fires the stage timeout for every overdue deal. The
// transition inside Apply re-checks the deadline against fresh state,
// so a deal that advanced since the query is untouched.
func (e *Engine) timeoutSweep(ctx context.Context) {
	deals, err := e.store.DealsPastDeadline(e.now())
	if err != nil {
		e.log.Error().Err(err).Msg("timeout sweep: query failed")
		return
	}
	for _, deal := range deals {
		if _, err := e.Apply(ctx, deal.ID, Event{Type: EventTimeout}); err != nil {
			e.log.Error().Int64("deal", deal.ID).Err(err).Msg("timeout transition failed")
		}
	}
}

// offerExpirySweep expires every offer past its fixed visibility
// deadline, taken or not. A deal running on a taken offer is untouched;
// once it ends the offer is already expired and never returns to the
// channel. The listing-closed notice is held back while a deal is live
// so the seller isn't told their offer "expired" mid-swap.
func (e *Engine) offerExpirySweep(ctx context.Context) {
	now := e.now()
	offers, err := e.store.OffersPastVisibility(now)
	if err != nil {
		e.log.Error().Err(err).Msg("offer expiry sweep: query failed")
		return
	}
	for _, offer := range offers {
		notify := true
		if offer.Status == models.OfferTaken {
			live, err := e.store.NonTerminalDealForOffer(offer.ID)
			if err != nil {
				e.log.Error().Int64("offer", offer.ID).Err(err).Msg("offer expiry: deal lookup failed")
				continue
			}
			notify = live == nil
		}
		offer.Status = models.OfferExpired
		if err := e.store.SaveOffer(offer); err != nil {
			if errors.Is(err, db.ErrStale) {
				continue
			}
			e.log.Error().Int64("offer", offer.ID).Err(err).Msg("offer expiry save failed")
			continue
		}
		e.log.Info().Int64("offer", offer.ID).Msg("offer expired")
		if !notify {
			continue
		}
		e.dispatch(ctx, []Notification{{
			Recipient: offer.UserID,
			Kind:      KindOfferExpired,
			OfferID:   offer.ID,
			Amount:    offer.AmountSats,
		}})
	}
}
