package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/models"
)

// CreateOffer lists a new offer at a fixed amount tier. The visibility
// deadline is fixed here and never moves again.
func (e *Engine) CreateOffer(userID int64, direction models.OfferDirection, amountSats int64) (*models.Offer, error) {
	if _, ok := e.DepositAddress(amountSats); !ok {
		return nil, Validationf("amount %d sats is not a supported tier", amountSats)
	}
	offer, err := e.store.CreateOffer(userID, direction, amountSats, e.now(), e.cfg.OfferVisibility)
	if err != nil {
		return nil, err
	}
	e.log.Info().Int64("offer", offer.ID).Int64("user", userID).
		Str("direction", string(direction)).Int64("amount", amountSats).
		Msg("offer created")
	return offer, nil
}

// WithdrawOffer takes the owner's own listing down. Only an active
// offer can be withdrawn; once taken, the deal decides its fate.
func (e *Engine) WithdrawOffer(offerID, userID int64) (*models.Offer, error) {
	offer, err := e.store.GetOffer(offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil || offer.UserID != userID {
		return nil, Validationf("offer #%d not found or not yours", offerID)
	}
	if offer.Status != models.OfferActive {
		return nil, Validationf("offer #%d is no longer active", offerID)
	}
	offer.Status = models.OfferWithdrawn
	if err := e.store.SaveOffer(offer); err != nil {
		if errors.Is(err, db.ErrStale) {
			return nil, Validationf("offer #%d was just taken, it can no longer be withdrawn", offerID)
		}
		return nil, err
	}
	e.log.Info().Int64("offer", offer.ID).Int64("user", userID).Msg("offer withdrawn")
	return offer, nil
}

// TakeOffer matches a taker against an active offer and opens a pending
// deal. Exactly one non-terminal deal can reference an offer: the offer's
// versioned save arbitrates concurrent takers.
func (e *Engine) TakeOffer(ctx context.Context, offerID, takerID int64) (*models.Deal, error) {
	now := e.now()

	offer, err := e.store.GetOffer(offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil || offer.Status != models.OfferActive {
		return nil, Validationf("offer #%d not found or already taken", offerID)
	}
	if offer.UserID == takerID {
		return nil, Validationf("cannot take your own offer")
	}
	if !now.Before(offer.VisibilityDeadline) {
		return nil, Validationf("offer #%d has expired", offerID)
	}
	if offer.Direction != models.DirectionSwapOut {
		return nil, Validationf("swap in offers cannot be taken yet")
	}

	depositAddress, ok := e.DepositAddress(offer.AmountSats)
	if !ok {
		return nil, errors.Errorf("no settlement address configured for tier %d", offer.AmountSats)
	}

	if live, err := e.store.NonTerminalDealForOffer(offerID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, Validationf("offer #%d is already in a deal", offerID)
	}

	offer.Status = models.OfferTaken
	offer.TakenBy = takerID
	offer.TakenAt = now
	if err := e.store.SaveOffer(offer); err != nil {
		if errors.Is(err, db.ErrStale) {
			return nil, Validationf("offer #%d was just taken by someone else", offerID)
		}
		return nil, err
	}

	deal := &models.Deal{
		OfferID:        offer.ID,
		SellerID:       offer.UserID,
		BuyerID:        takerID,
		AmountSats:     offer.AmountSats,
		Status:         models.DealPending,
		StageEnteredAt: now,
		StageDeadline:  e.stageDeadline(models.DealPending, now),
		DepositAddress: depositAddress,
		CreatedAt:      now,
	}
	if _, err := e.store.CreateDeal(deal); err != nil {
		return nil, err
	}

	e.log.Info().Int64("deal", deal.ID).Int64("offer", offer.ID).
		Int64("buyer", takerID).Int64("seller", offer.UserID).
		Msg("deal opened")

	e.dispatch(ctx, []Notification{{
		Recipient: takerID,
		Kind:      KindDealStarted,
		DealID:    deal.ID,
		OfferID:   offer.ID,
		Amount:    deal.AmountSats,
		Deadline:  deal.StageDeadline,
	}})
	return deal, nil
}

// AcceptDeal is the taker committing to a pending deal. The accept
// transition reveals the fixed deposit address.
func (e *Engine) AcceptDeal(ctx context.Context, dealID, userID int64) (*models.Deal, error) {
	deal, err := e.store.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil || deal.BuyerID != userID {
		return nil, Validationf("deal #%d not found or not yours", dealID)
	}
	res, err := e.Apply(ctx, dealID, Event{Type: EventAccept})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("deal #%d can no longer be accepted", dealID)
	}
	return res.Deal, nil
}

// CancelDeal is the taker's explicit cancel, allowed only while pending.
func (e *Engine) CancelDeal(ctx context.Context, dealID, userID int64) (*models.Deal, error) {
	deal, err := e.store.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil || deal.BuyerID != userID {
		return nil, Validationf("deal #%d not found or not yours", dealID)
	}
	res, err := e.Apply(ctx, dealID, Event{Type: EventCancel, Reason: "user cancelled"})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("deal #%d can no longer be cancelled", dealID)
	}
	return res.Deal, nil
}

// SubmitTxid records the buyer's deposit transaction. Shape is checked
// here; the exact-amount rule is enforced against the oracle when it can
// already see the transaction, and again by the confirmation loop before
// any advance.
func (e *Engine) SubmitTxid(ctx context.Context, userID int64, txid string) (*models.Deal, error) {
	if !validTxid(txid) {
		return nil, Validationf("invalid transaction id format")
	}

	deal, err := e.store.ActiveDealForBuyer(userID, models.DealAccepted, models.DealBitcoinSent)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, Validationf("no active deal waiting for a Bitcoin deposit")
	}

	cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
	conf, err := e.chain.Confirmations(cctx, deal.DepositAddress, txid)
	cancel()
	switch {
	case err != nil:
		// Oracle unavailable: no new information. The confirmation loop
		// enforces the amount before the deal can advance.
		e.log.Warn().Int64("deal", deal.ID).Err(err).Msg("chain oracle unavailable at txid submission")
	case conf.Found && conf.MatchedAmount != deal.AmountSats:
		return nil, Validationf("transaction pays %d sats, expected exactly %d", conf.MatchedAmount, deal.AmountSats)
	}

	res, err := e.Apply(ctx, deal.ID, Event{Type: EventTxid, Txid: txid})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("deal #%d is not expecting a txid right now", deal.ID)
	}
	return res.Deal, nil
}

// SubmitInvoice records the buyer's Lightning invoice and immediately
// runs the first privacy-relay attempt.
func (e *Engine) SubmitInvoice(ctx context.Context, userID int64, invoice string) (*models.Deal, error) {
	if !validInvoiceFormat(invoice) {
		return nil, Validationf("invalid Lightning invoice format")
	}

	deal, err := e.store.ActiveDealForBuyer(userID, models.DealBitcoinConfirmed)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, Validationf("no deal waiting for a Lightning invoice")
	}

	cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
	decoded, err := e.ln.DecodeInvoice(cctx, invoice)
	cancel()
	if err != nil {
		return nil, Validationf("could not verify the invoice right now, please try again")
	}
	if decoded.AmountSats != deal.AmountSats {
		return nil, Validationf("invoice is for %d sats, expected exactly %d", decoded.AmountSats, deal.AmountSats)
	}

	res, err := e.Apply(ctx, deal.ID, Event{
		Type:        EventInvoice,
		Invoice:     invoice,
		PaymentHash: decoded.PaymentHash,
	})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("deal #%d is not expecting an invoice right now", deal.ID)
	}

	// First wrap attempt, synchronous with submission.
	e.attemptWrap(ctx, res.Deal.ID)

	current, err := e.store.GetDeal(res.Deal.ID)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// SubmitAddress records the seller's payout address. Its transition is
// the one that finally reveals the invoice to her.
func (e *Engine) SubmitAddress(ctx context.Context, userID int64, address string) (*models.Deal, error) {
	if !validAddress(address, e.cfg.Network) {
		return nil, Validationf("invalid Bitcoin address format")
	}

	deal, err := e.store.ActiveDealForSeller(userID, models.DealAwaitingAddress)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, Validationf("no deal waiting for a Bitcoin address")
	}

	res, err := e.Apply(ctx, deal.ID, Event{Type: EventAddress, Address: address})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("deal #%d is not expecting an address right now", deal.ID)
	}

	// Remember as the seller's preferred payout address.
	if err := e.store.SetUserAddress(userID, address); err != nil {
		e.log.Error().Int64("user", userID).Err(err).Msg("failed to store preferred address")
	}
	return res.Deal, nil
}

// ForceReveal is the buyer's escape hatch: stop wrapping, hand the
// original invoice to the flow. Allowed any time before resolution.
func (e *Engine) ForceReveal(ctx context.Context, userID int64) (*models.Deal, error) {
	deal, err := e.store.ActiveDealForBuyer(userID, models.DealInvoiceReceived)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, Validationf("no deal with a pending privacy wrap")
	}
	res, err := e.Apply(ctx, deal.ID, Event{Type: EventForceReveal})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("privacy already resolved for deal #%d", deal.ID)
	}
	return res.Deal, nil
}

// ChooseRetry is the buyer electing the 20-minute relay retry loop.
func (e *Engine) ChooseRetry(ctx context.Context, userID int64) (*models.Deal, error) {
	deal, err := e.store.ActiveDealForBuyer(userID, models.DealInvoiceReceived)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, Validationf("no deal with a pending privacy wrap")
	}
	res, err := e.Apply(ctx, deal.ID, Event{Type: EventChooseRetry})
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, Validationf("nothing to retry for deal #%d", deal.ID)
	}
	return res.Deal, nil
}

// RequeueDeal re-arms the current stage deadline of a stuck deal. It is
// an operator command: it never rewinds status, only buys time.
func (e *Engine) RequeueDeal(dealID int64) (*models.Deal, error) {
	deal, err := e.store.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, Validationf("deal #%d not found", dealID)
	}
	if deal.Status.Terminal() {
		return nil, Validationf("deal #%d is terminal", dealID)
	}
	now := e.now()
	deal.StageDeadline = e.stageDeadline(deal.Status, now)
	if deal.Status == models.DealInvoiceReceived {
		deal.RelayDeadline = deal.StageDeadline
	}
	if err := e.store.SaveDeal(deal); err != nil {
		return nil, err
	}
	e.log.Info().Int64("deal", deal.ID).Time("deadline", deal.StageDeadline).
		Msg("stage deadline re-armed by operator")
	return deal, nil
}
