package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/satswap/p2p-swap-bot/lnproxy"
	"github.com/satswap/p2p-swap-bot/models"
)

// attemptWrap runs one privacy-relay attempt for a deal. A successful
// wrap resolves privacy; a refusal or outage records a failed attempt
// and schedules the next one. Either way the outcome flows through
// Apply so a concurrent resolution wins cleanly.
func (e *Engine) attemptWrap(ctx context.Context, dealID int64) {
	deal, err := e.store.GetDeal(dealID)
	if err != nil {
		e.log.Error().Int64("deal", dealID).Err(err).Msg("wrap attempt: load failed")
		return
	}
	if deal == nil || deal.Status != models.DealInvoiceReceived || deal.Privacy.Resolved() {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
	wrapped, err := e.relay.Wrap(cctx, deal.LightningInvoice)
	cancel()

	if err != nil {
		if errors.Is(err, lnproxy.ErrWrapFailed) {
			e.log.Info().Int64("deal", dealID).Int("attempts", deal.RelayAttempts+1).
				Msg("relay rejected invoice")
		} else {
			e.log.Warn().Int64("deal", dealID).Err(err).Msg("relay unreachable")
		}
		if _, err := e.Apply(ctx, dealID, Event{Type: EventRelayFailed}); err != nil {
			e.log.Error().Int64("deal", dealID).Err(err).Msg("wrap attempt: record failure")
		}
		return
	}

	res, err := e.Apply(ctx, dealID, Event{Type: EventPrivacyResolved, Wrapped: wrapped})
	if err != nil {
		e.log.Error().Int64("deal", dealID).Err(err).Msg("wrap attempt: record success")
		return
	}
	if res.Applied {
		e.log.Info().Int64("deal", dealID).Int("attempts", deal.RelayAttempts+1).
			Msg("invoice wrapped")
	}
}

// privacySweep drives the retry loop: re-attempt wraps that are due and
// expire deals whose relay window has closed without resolution.
func (e *Engine) privacySweep(ctx context.Context) {
	now := e.now()

	deals, err := e.store.DealsByStatus(models.DealInvoiceReceived)
	if err != nil {
		e.log.Error().Err(err).Msg("privacy sweep: query failed")
		return
	}

	for _, deal := range deals {
		if deal.Privacy.Resolved() {
			continue
		}
		if !now.Before(deal.RelayDeadline) {
			if _, err := e.Apply(ctx, deal.ID, Event{Type: EventRelayExhausted}); err != nil {
				e.log.Error().Int64("deal", deal.ID).Err(err).Msg("privacy sweep: exhaust failed")
			}
			continue
		}
		// Retries continue only for buyers who chose them; a buyer still
		// on the choice prompt keeps the prompt until the window closes.
		if deal.Privacy != models.PrivacyRetrying {
			continue
		}
		if now.Before(deal.RelayNextAt) {
			continue
		}
		e.attemptWrap(ctx, deal.ID)
	}
}
