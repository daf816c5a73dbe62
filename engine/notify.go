package engine

import (
	"time"

	"github.com/satswap/p2p-swap-bot/models"
)

// MessageKind names one user-facing message the engine can owe a party.
// The renderer on the transport side maps kinds to text; the engine only
// decides who is owed what, and when.
type MessageKind string

const (
	// KindDealStarted prompts the taker to accept or cancel.
	KindDealStarted MessageKind = "deal_started"
	// KindDepositInstructions reveals the fixed deposit address to the buyer.
	KindDepositInstructions MessageKind = "deposit_instructions"
	// KindTxidReceived acknowledges the buyer's txid report.
	KindTxidReceived MessageKind = "txid_received"
	// KindBitcoinConfirmed asks the buyer for a Lightning invoice.
	KindBitcoinConfirmed MessageKind = "bitcoin_confirmed"
	// KindInvoiceAccepted acknowledges the buyer's invoice while the
	// privacy wrap is attempted. The seller hears nothing yet.
	KindInvoiceAccepted MessageKind = "invoice_accepted"
	// KindRelayChoice asks the buyer to pick reveal-now or keep-retrying.
	KindRelayChoice MessageKind = "relay_choice"
	// KindAddressRequest is the seller's first notification of this phase:
	// submit a payout address. It never carries the invoice.
	KindAddressRequest MessageKind = "address_request"
	// KindPrivacyResolved tells the buyer the wrap outcome.
	KindPrivacyResolved MessageKind = "privacy_resolved"
	// KindInvoiceReveal hands the seller the invoice to pay. This is the
	// only kind authorized to carry invoice text.
	KindInvoiceReveal MessageKind = "invoice_reveal"
	// KindPaymentVerified tells both parties the Lightning leg settled.
	KindPaymentVerified MessageKind = "payment_verified"
	// KindBatchSent closes the deal with the payout reference.
	KindBatchSent MessageKind = "batch_sent"
	// KindDealCancelled names the cancellation reason to a party.
	KindDealCancelled MessageKind = "deal_cancelled"
	// KindExpiredRefund is the manual-refund notice after an on-chain
	// deposit could not be confirmed in time.
	KindExpiredRefund MessageKind = "expired_refund"
	// KindRelayExhausted is the refund-pending notice after privacy
	// retries ran out.
	KindRelayExhausted MessageKind = "relay_exhausted"
	// KindOfferExpired tells an owner their offer left the channel.
	KindOfferExpired MessageKind = "offer_expired"
)

// Notification is one message owed to one party. Fields are populated per
// kind: secret material (deposit address, invoice text) only appears on
// the kind authorized to reveal it.
type Notification struct {
	Recipient int64
	Kind      MessageKind
	DealID    int64
	OfferID   int64
	Amount    int64
	Address   string
	Txid      string
	Invoice   string
	BatchRef  string
	Reason    string
	Deadline  time.Time
}

// gateNotes is the notification gate: a pure function of the deal after a
// transition and the event that caused it, returning the exact set of
// messages that transition owes. Called once per applied transition.
func gateNotes(deal *models.Deal, ev EventType, reason string) []Notification {
	base := func(recipient int64, kind MessageKind) Notification {
		return Notification{
			Recipient: recipient,
			Kind:      kind,
			DealID:    deal.ID,
			OfferID:   deal.OfferID,
			Amount:    deal.AmountSats,
			Deadline:  deal.StageDeadline,
			Reason:    reason,
		}
	}

	switch ev {
	case EventAccept:
		n := base(deal.BuyerID, KindDepositInstructions)
		n.Address = deal.DepositAddress
		return []Notification{n}

	case EventTxid:
		return []Notification{base(deal.BuyerID, KindTxidReceived)}

	case EventConfirmed:
		return []Notification{base(deal.BuyerID, KindBitcoinConfirmed)}

	case EventInvoice:
		return []Notification{base(deal.BuyerID, KindInvoiceAccepted)}

	case EventRelayFailed:
		if deal.Privacy == models.PrivacyPendingChoice {
			return []Notification{base(deal.BuyerID, KindRelayChoice)}
		}
		return nil

	case EventChooseRetry:
		return nil

	case EventPrivacyResolved, EventForceReveal:
		// Both facts now hold: the seller learns for the first time that
		// an address is owed. No invoice yet.
		return []Notification{
			base(deal.SellerID, KindAddressRequest),
			base(deal.BuyerID, KindPrivacyResolved),
		}

	case EventAddress:
		// Now and only now the invoice reaches the seller.
		n := base(deal.SellerID, KindInvoiceReveal)
		n.Invoice = deal.SettledInvoice()
		n.Address = deal.SellerAddress
		return []Notification{n}

	case EventSettled:
		return []Notification{
			base(deal.SellerID, KindPaymentVerified),
			base(deal.BuyerID, KindPaymentVerified),
		}

	case EventBatchSent:
		seller := base(deal.SellerID, KindBatchSent)
		seller.BatchRef = deal.PayoutRef
		seller.Address = deal.SellerAddress
		buyer := base(deal.BuyerID, KindBatchSent)
		buyer.BatchRef = deal.PayoutRef
		return []Notification{seller, buyer}

	case EventCancel, EventTimeout:
		if deal.Status == models.DealExpired {
			n := base(deal.BuyerID, KindExpiredRefund)
			n.Txid = deal.BitcoinTxid
			return []Notification{n, base(deal.SellerID, KindDealCancelled)}
		}
		return []Notification{
			base(deal.BuyerID, KindDealCancelled),
			base(deal.SellerID, KindDealCancelled),
		}

	case EventRelayExhausted:
		return []Notification{
			base(deal.BuyerID, KindRelayExhausted),
			base(deal.SellerID, KindRelayExhausted),
		}
	}
	return nil
}
