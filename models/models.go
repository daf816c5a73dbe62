package models

import (
	"time"
)

// OfferDirection distinguishes the two swap directions an offer can advertise.
type OfferDirection string

const (
	// DirectionSwapOut sells Lightning sats for on-chain Bitcoin.
	DirectionSwapOut OfferDirection = "swapout"
	// DirectionSwapIn sells on-chain Bitcoin for Lightning sats.
	DirectionSwapIn OfferDirection = "swapin"
)

// OfferStatus represents the status of an offer
type OfferStatus string

const (
	// OfferActive indicates an offer listed in the channel, waiting for a taker
	OfferActive OfferStatus = "active"
	// OfferTaken indicates an offer currently locked into a deal
	OfferTaken OfferStatus = "taken"
	// OfferExpired indicates an offer past its 48h visibility window
	OfferExpired OfferStatus = "expired"
	// OfferWithdrawn indicates an offer withdrawn by its owner
	OfferWithdrawn OfferStatus = "withdrawn"
)

// DealStatus represents the status of a deal
type DealStatus string

const (
	// DealPending waits for the taker to accept or cancel
	DealPending DealStatus = "pending"
	// DealAccepted waits for the buyer's deposit txid
	DealAccepted DealStatus = "accepted"
	// DealBitcoinSent waits for on-chain confirmations of the deposit
	DealBitcoinSent DealStatus = "bitcoin_sent"
	// DealBitcoinConfirmed waits for the buyer's Lightning invoice
	DealBitcoinConfirmed DealStatus = "bitcoin_confirmed"
	// DealInvoiceReceived holds the invoice while the privacy wrap resolves
	DealInvoiceReceived DealStatus = "lightning_invoice_received"
	// DealAwaitingAddress waits for the seller's payout address
	DealAwaitingAddress DealStatus = "awaiting_bitcoin_address"
	// DealAwaitingPayment waits for the seller to settle the invoice
	DealAwaitingPayment DealStatus = "address_provided_awaiting_payment"
	// DealReadyForBatch is queued for the next payout batch
	DealReadyForBatch DealStatus = "ready_for_batch"
	// DealCompleted is terminal: payout sent
	DealCompleted DealStatus = "completed"
	// DealCancelled is terminal
	DealCancelled DealStatus = "cancelled"
	// DealExpired is terminal: funds were on-chain, manual refund applies
	DealExpired DealStatus = "expired"
	// DealDisputed is reserved; no transitions target it yet
	DealDisputed DealStatus = "disputed"
)

// Terminal reports whether a deal status admits no further transitions.
func (s DealStatus) Terminal() bool {
	switch s {
	case DealCompleted, DealCancelled, DealExpired, DealDisputed:
		return true
	}
	return false
}

// PrivacyState tracks the invoice-wrapping sub-state of a deal while it is
// in the lightning_invoice_received status.
type PrivacyState string

const (
	// PrivacyNone means no invoice has been submitted yet
	PrivacyNone PrivacyState = ""
	// PrivacyPendingChoice means the first wrap attempt failed and the buyer
	// has not yet picked reveal-now or keep-retrying
	PrivacyPendingChoice PrivacyState = "pending_choice"
	// PrivacyRetrying means the buyer chose to keep retrying the relay
	PrivacyRetrying PrivacyState = "retrying"
	// PrivacyWrapped means the relay produced a wrapped invoice
	PrivacyWrapped PrivacyState = "wrapped"
	// PrivacyForced means the buyer chose to reveal the original invoice
	PrivacyForced PrivacyState = "forced"
)

// Resolved reports whether the privacy workflow has settled on an invoice
// that may be shown to the seller.
func (s PrivacyState) Resolved() bool {
	return s == PrivacyWrapped || s == PrivacyForced
}

// BatchStatus represents the status of a payout batch
type BatchStatus string

const (
	// BatchPending means the payout call has not succeeded yet
	BatchPending BatchStatus = "pending"
	// BatchSent means the payout call succeeded and members completed
	BatchSent BatchStatus = "sent"
)

// User is a Telegram user known to the bot. Created on first contact,
// never deleted.
type User struct {
	TelegramID     int64
	Username       string
	FirstName      string
	BitcoinAddress string // preferred payout address
	Reputation     float64
	TotalDeals     int
	TotalVolume    int64 // sats
	CreatedAt      time.Time
	LastActive     time.Time
}

// Offer is a standing intent to swap at a fixed amount tier.
//
// VisibilityDeadline is fixed at creation (created_at + 48h) and never
// reset: a deal taking the offer off the channel does not extend it.
type Offer struct {
	ID                 int64
	UserID             int64
	Direction          OfferDirection
	AmountSats         int64
	Status             OfferStatus
	TakenBy            int64
	TakenAt            time.Time
	CreatedAt          time.Time
	VisibilityDeadline time.Time
	Version            int64
}

// Deal is one matched execution of an offer between a seller and a buyer.
// In a swapout the seller gives Lightning and receives on-chain Bitcoin.
type Deal struct {
	ID         int64
	OfferID    int64
	SellerID   int64
	BuyerID    int64
	AmountSats int64

	Status         DealStatus
	StageEnteredAt time.Time
	StageDeadline  time.Time
	TimeoutReason  string

	// Buyer's on-chain deposit to the fixed per-tier address.
	DepositAddress string
	BitcoinTxid    string
	Confirmations  int

	// Buyer's Lightning side.
	LightningInvoice string
	PaymentHash      string

	// Privacy relay sub-state.
	Privacy        PrivacyState
	WrappedInvoice string
	RelayAttempts  int
	RelayNextAt    time.Time
	RelayDeadline  time.Time

	// Seller's payout side.
	SellerAddress string
	BatchID       string
	PayoutRef     string

	CreatedAt   time.Time
	CompletedAt time.Time
	Version     int64
}

// SettledInvoice returns the invoice the seller is expected to pay once the
// privacy workflow has resolved: the wrapped one when available, otherwise
// the original (forced reveal).
func (d *Deal) SettledInvoice() string {
	if d.Privacy == PrivacyWrapped && d.WrappedInvoice != "" {
		return d.WrappedInvoice
	}
	return d.LightningInvoice
}

// Batch groups ready deals into one outbound payout. The ID doubles as the
// idempotency key for the payout sender, so a retried send cannot double-pay.
type Batch struct {
	ID        string
	Status    BatchStatus
	CreatedAt time.Time
	SentAt    time.Time
	PayoutRef string
}
