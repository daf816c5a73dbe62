package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/models"
)

// EventType enumerates everything that can move a deal.
type EventType string

const (
	// EventAccept is the taker accepting a pending deal.
	EventAccept EventType = "accept"
	// EventCancel is an explicit user cancel, allowed only while pending.
	EventCancel EventType = "cancel"
	// EventTxid is the buyer reporting the deposit transaction.
	EventTxid EventType = "txid"
	// EventConfirmed is the confirmation oracle reaching the threshold.
	EventConfirmed EventType = "confirmed"
	// EventInvoice is the buyer submitting a Lightning invoice.
	EventInvoice EventType = "invoice"
	// EventRelayFailed is a failed privacy-relay attempt.
	EventRelayFailed EventType = "relay_failed"
	// EventChooseRetry is the buyer electing to keep retrying the relay.
	EventChooseRetry EventType = "choose_retry"
	// EventPrivacyResolved is the relay producing a wrapped invoice.
	EventPrivacyResolved EventType = "privacy_resolved"
	// EventForceReveal is the buyer short-circuiting the relay.
	EventForceReveal EventType = "force_reveal"
	// EventAddress is the seller submitting a payout address.
	EventAddress EventType = "address"
	// EventSettled is the settlement oracle confirming the Lightning leg.
	EventSettled EventType = "settled"
	// EventTimeout is the sweep firing the current stage's deadline.
	EventTimeout EventType = "timeout"
	// EventRelayExhausted is the privacy retry window closing.
	EventRelayExhausted EventType = "relay_exhausted"
	// EventBatchSent is synthesized per member after a batch completes;
	// it never passes through Apply (the batch transition is the one
	// multi-deal operation and commits through the store transaction).
	EventBatchSent EventType = "batch_sent"
)

// Event carries an EventType plus the external facts backing it. Facts
// are validated before Apply; Apply only re-checks guards that depend on
// deal state.
type Event struct {
	Type EventType

	Txid          string
	Confirmations int
	Invoice       string
	PaymentHash   string
	Wrapped       string
	Address       string
	Reason        string
}

// Result reports what Apply did. Applied == false means the event was a
// no-op: guard unmet, state already advanced, or a lost version race.
// No notifications are owed for a no-op.
type Result struct {
	Applied bool
	Deal    *models.Deal
}

// Apply is the single mutator of deal status. It loads the deal, checks
// the transition guard, writes the new state under the version check, and
// only then dispatches the transition's notifications — so a racing loop
// and command cannot both notify.
func (e *Engine) Apply(ctx context.Context, dealID int64, ev Event) (Result, error) {
	deal, err := e.store.GetDeal(dealID)
	if err != nil {
		return Result{}, err
	}
	if deal == nil {
		return Result{}, errors.Errorf("deal %d not found", dealID)
	}
	if deal.Status.Terminal() {
		return Result{Applied: false, Deal: deal}, nil
	}

	releaseOffer, ok := e.transition(deal, ev)
	if !ok {
		return Result{Applied: false, Deal: deal}, nil
	}

	if err := e.store.SaveDeal(deal); err != nil {
		if errors.Is(err, db.ErrStale) {
			e.log.Debug().Int64("deal", deal.ID).Str("event", string(ev.Type)).
				Msg("lost transition race, dropping as no-op")
			current, gerr := e.store.GetDeal(dealID)
			if gerr != nil {
				return Result{}, gerr
			}
			return Result{Applied: false, Deal: current}, nil
		}
		return Result{}, err
	}

	// Offer reactivation must be visible before anyone can /take again;
	// it happens before notifications go out.
	if releaseOffer {
		if err := e.reactivateOffer(deal.OfferID, e.now()); err != nil {
			e.log.Error().Int64("offer", deal.OfferID).Err(err).
				Msg("failed to reactivate offer after deal release")
		}
	}

	e.log.Info().
		Int64("deal", deal.ID).
		Str("event", string(ev.Type)).
		Str("status", string(deal.Status)).
		Msg("transition applied")

	reason := ev.Reason
	if reason == "" {
		reason = deal.TimeoutReason
	}
	e.dispatch(ctx, gateNotes(deal, ev.Type, reason))
	return Result{Applied: true, Deal: deal}, nil
}

// transition mutates the deal in memory per the canonical table and
// reports whether the offer must be released. It performs no I/O.
func (e *Engine) transition(deal *models.Deal, ev Event) (releaseOffer, ok bool) {
	now := e.now()

	switch ev.Type {
	case EventAccept:
		if deal.Status != models.DealPending || !now.Before(deal.StageDeadline) {
			return false, false
		}
		e.enterStage(deal, models.DealAccepted, now)
		return false, true

	case EventCancel:
		// Explicit cancels exist only before any money moved.
		if deal.Status != models.DealPending {
			return false, false
		}
		deal.TimeoutReason = ev.Reason
		e.enterStage(deal, models.DealCancelled, now)
		return true, true

	case EventTxid:
		switch deal.Status {
		case models.DealAccepted:
			deal.BitcoinTxid = ev.Txid
			e.enterStage(deal, models.DealBitcoinSent, now)
			return false, true
		case models.DealBitcoinSent:
			// A replacement txid is a different transaction: counting
			// starts over for it. The stage deadline does not move.
			deal.BitcoinTxid = ev.Txid
			deal.Confirmations = 0
			return false, true
		}
		return false, false

	case EventConfirmed:
		if deal.Status != models.DealBitcoinSent || ev.Confirmations < e.cfg.RequiredConfirmations {
			return false, false
		}
		if ev.Confirmations > deal.Confirmations {
			deal.Confirmations = ev.Confirmations
		}
		e.enterStage(deal, models.DealBitcoinConfirmed, now)
		return false, true

	case EventInvoice:
		if deal.Status != models.DealBitcoinConfirmed {
			return false, false
		}
		deal.LightningInvoice = ev.Invoice
		deal.PaymentHash = ev.PaymentHash
		deal.Privacy = models.PrivacyNone
		deal.RelayAttempts = 0
		deal.RelayNextAt = now
		deal.RelayDeadline = now.Add(e.cfg.RelayRetryWindow)
		e.enterStage(deal, models.DealInvoiceReceived, now)
		return false, true

	case EventRelayFailed:
		if deal.Status != models.DealInvoiceReceived || deal.Privacy.Resolved() {
			return false, false
		}
		deal.RelayAttempts++
		deal.RelayNextAt = now.Add(e.cfg.RelayRetryEvery)
		if deal.Privacy == models.PrivacyNone {
			deal.Privacy = models.PrivacyPendingChoice
		}
		return false, true

	case EventChooseRetry:
		if deal.Status != models.DealInvoiceReceived || deal.Privacy != models.PrivacyPendingChoice {
			return false, false
		}
		deal.Privacy = models.PrivacyRetrying
		deal.RelayNextAt = now.Add(e.cfg.RelayRetryEvery)
		return false, true

	case EventPrivacyResolved, EventForceReveal:
		// Fires only when both facts hold: privacy resolved AND the
		// deposit already confirmed. The earlier fact alone never
		// notifies the seller.
		if deal.Status != models.DealInvoiceReceived || deal.Privacy.Resolved() {
			return false, false
		}
		if deal.Confirmations < e.cfg.RequiredConfirmations {
			return false, false
		}
		if ev.Type == EventForceReveal {
			deal.Privacy = models.PrivacyForced
		} else {
			deal.Privacy = models.PrivacyWrapped
			deal.WrappedInvoice = ev.Wrapped
		}
		e.enterStage(deal, models.DealAwaitingAddress, now)
		return false, true

	case EventAddress:
		if deal.Status != models.DealAwaitingAddress {
			return false, false
		}
		deal.SellerAddress = ev.Address
		e.enterStage(deal, models.DealAwaitingPayment, now)
		return false, true

	case EventSettled:
		if deal.Status != models.DealAwaitingPayment {
			return false, false
		}
		e.enterStage(deal, models.DealReadyForBatch, now)
		return false, true

	case EventRelayExhausted:
		if deal.Status != models.DealInvoiceReceived || deal.Privacy.Resolved() {
			return false, false
		}
		if now.Before(deal.RelayDeadline) {
			return false, false
		}
		deal.TimeoutReason = "privacy relay retries exhausted"
		e.enterStage(deal, models.DealCancelled, now)
		return false, true

	case EventTimeout:
		return e.timeoutTransition(deal, ev)
	}
	return false, false
}

// timeoutTransition applies the stage-appropriate timeout action. The
// status change removes the deal from the sweep's match set, so a
// deadline fires exactly once.
func (e *Engine) timeoutTransition(deal *models.Deal, ev Event) (releaseOffer, ok bool) {
	now := e.now()
	if now.Before(deal.StageDeadline) {
		return false, false
	}

	reason := ev.Reason
	switch deal.Status {
	case models.DealPending:
		if reason == "" {
			reason = "accept timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealCancelled, now)
		return true, true

	case models.DealAccepted:
		if reason == "" {
			reason = "txid timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealCancelled, now)
		return true, true

	case models.DealBitcoinSent:
		// Funds may be in flight: expire with a manual-refund notice,
		// never a silent cancel, and never reactivate the offer.
		if reason == "" {
			reason = "bitcoin confirmation timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealExpired, now)
		return false, true

	case models.DealBitcoinConfirmed:
		if reason == "" {
			reason = "lightning invoice timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealCancelled, now)
		return false, true

	case models.DealInvoiceReceived:
		if reason == "" {
			reason = "privacy relay timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealCancelled, now)
		return false, true

	case models.DealAwaitingAddress:
		if reason == "" {
			reason = "bitcoin address timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealCancelled, now)
		return false, true

	case models.DealAwaitingPayment:
		if reason == "" {
			reason = "lightning payment timeout"
		}
		deal.TimeoutReason = reason
		e.enterStage(deal, models.DealCancelled, now)
		return false, true
	}

	// ready_for_batch has no timeout row: the batch scheduler owns it.
	return false, false
}

// recordCompletion bumps both parties' stats once a deal completes.
func (e *Engine) recordCompletion(deal *models.Deal) {
	for _, id := range []int64{deal.SellerID, deal.BuyerID} {
		if err := e.store.RecordCompletedDeal(id, deal.AmountSats); err != nil {
			e.log.Error().Int64("user", id).Err(err).Msg("failed to record completed deal")
		}
	}
}
