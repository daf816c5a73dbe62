package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/satswap/p2p-swap-bot/chain"
	"github.com/satswap/p2p-swap-bot/config"
	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/lightning"
	"github.com/satswap/p2p-swap-bot/models"
	"github.com/satswap/p2p-swap-bot/payout"
)

// adapterTimeout bounds every call to an external oracle or relay so a
// stalled upstream cannot stall a loop iteration.
const adapterTimeout = 15 * time.Second

// ChainOracle answers "how confirmed is this deposit" from the chain.
type ChainOracle interface {
	Confirmations(ctx context.Context, address, txid string) (chain.Confirmation, error)
}

// LightningOracle decodes invoices and answers settlement queries.
type LightningOracle interface {
	DecodeInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error)
	IsSettled(ctx context.Context, paymentHash string) (bool, error)
}

// PrivacyRelay wraps a Lightning invoice to hide the issuing node.
type PrivacyRelay interface {
	Wrap(ctx context.Context, invoice string) (string, error)
}

// Notifier delivers one outbound message. The engine calls it at most once
// per (deal, transition); delivery retries live behind this interface's
// caller, not inside transitions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Engine owns the deal/offer state machine. Every status change in the
// system flows through Apply, whether triggered by a Telegram command or
// by a background loop, so races collapse into idempotent no-ops.
type Engine struct {
	store    *db.Database
	cfg      *config.Config
	chain    ChainOracle
	ln       LightningOracle
	relay    PrivacyRelay
	payout   payout.Sender
	notifier Notifier
	log      zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates the swap engine.
func New(store *db.Database, cfg *config.Config, chainOracle ChainOracle, ln LightningOracle,
	relay PrivacyRelay, sender payout.Sender, notifier Notifier, log zerolog.Logger) *Engine {

	return &Engine{
		store:    store,
		cfg:      cfg,
		chain:    chainOracle,
		ln:       ln,
		relay:    relay,
		payout:   sender,
		notifier: notifier,
		log:      log.With().Str("component", "engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DepositAddress returns the fixed settlement address for an amount tier.
func (e *Engine) DepositAddress(amountSats int64) (string, bool) {
	addr, ok := e.cfg.TierAddresses[amountSats]
	return addr, ok && addr != ""
}

// stageDeadline derives the deadline a deal carries while sitting in the
// given status. Terminal statuses return the zero time.
func (e *Engine) stageDeadline(status models.DealStatus, now time.Time) time.Time {
	switch status {
	case models.DealPending:
		return now.Add(e.cfg.AcceptTimeout)
	case models.DealAccepted:
		return now.Add(e.cfg.TxidTimeout)
	case models.DealBitcoinSent:
		return now.Add(e.cfg.ConfirmTimeout)
	case models.DealBitcoinConfirmed:
		return now.Add(e.cfg.InvoiceTimeout)
	case models.DealInvoiceReceived:
		// Governed by the relay retry window; the sweep and the privacy
		// loop share this deadline.
		return now.Add(e.cfg.RelayRetryWindow)
	case models.DealAwaitingAddress:
		return now.Add(e.cfg.AddressTimeout)
	case models.DealAwaitingPayment:
		return now.Add(e.cfg.PaymentTimeout)
	case models.DealReadyForBatch:
		// Informational: the expected latest flush time. The sweep never
		// times a queued deal out; the batch scheduler owns it.
		return now.Add(e.cfg.BatchMaxWait)
	}
	return time.Time{}
}

// enterStage moves a deal into a status and stamps the stage clock.
func (e *Engine) enterStage(deal *models.Deal, status models.DealStatus, now time.Time) {
	deal.Status = status
	deal.StageEnteredAt = now
	deal.StageDeadline = e.stageDeadline(status, now)
}

// dispatch delivers the notifications of one applied transition. Delivery
// is retried with backoff; a final failure is logged and dropped rather
// than failing the transition, which is already durable by then.
func (e *Engine) dispatch(ctx context.Context, notes []Notification) {
	if e.notifier == nil {
		return
	}
	for _, n := range notes {
		n := n
		backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := e.notifier.Notify(ctx, n); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			e.log.Error().
				Int64("deal", n.DealID).
				Str("kind", string(n.Kind)).
				Int64("recipient", n.Recipient).
				Err(err).
				Msg("notification delivery failed")
		}
	}
}

// reactivateOffer puts a released offer back in the channel, unless its
// visibility window has already closed, in which case it expires. The
// visibility deadline is never extended.
func (e *Engine) reactivateOffer(offerID int64, now time.Time) error {
	offer, err := e.store.GetOffer(offerID)
	if err != nil {
		return err
	}
	if offer == nil || offer.Status != models.OfferTaken {
		return nil
	}
	if !now.Before(offer.VisibilityDeadline) {
		offer.Status = models.OfferExpired
	} else {
		offer.Status = models.OfferActive
	}
	offer.TakenBy = 0
	offer.TakenAt = time.Time{}
	if err := e.store.SaveOffer(offer); err != nil {
		if errors.Is(err, db.ErrStale) {
			return nil
		}
		return err
	}
	return nil
}
