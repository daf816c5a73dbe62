package bot

import (
	"fmt"
	"time"

	"github.com/satswap/p2p-swap-bot/engine"
	"github.com/satswap/p2p-swap-bot/models"
)

// renderNote turns an engine notification into user-facing Markdown. The
// engine decides who learns what and when; this is presentation only.
func renderNote(n engine.Notification) string {
	switch n.Kind {
	case engine.KindDealStarted:
		return fmt.Sprintf(
			"🤝 *Deal #%d opened*\n\n🔹 Amount: %s sats\n🔹 Accept before: %s\n\nAccept to get the deposit address, or cancel to release the offer.",
			n.DealID, formatSats(n.Amount), n.Deadline.Format(time.RFC822))

	case engine.KindDepositInstructions:
		return fmt.Sprintf(
			"✅ *Deal #%d accepted*\n\nSend *exactly %s sats* on-chain to:\n\n`%s`\n\nThen report the transaction with `/txid <transaction_id>` before %s.\n\n⚠️ The amount must match to the satoshi. Overpayments and underpayments cannot be processed.",
			n.DealID, formatSats(n.Amount), n.Address, n.Deadline.Format(time.RFC822))

	case engine.KindTxidReceived:
		return fmt.Sprintf(
			"👀 *Deal #%d: transaction received*\n\nWatching for confirmations. I'll ping you when the deposit is confirmed.",
			n.DealID)

	case engine.KindBitcoinConfirmed:
		return fmt.Sprintf(
			"⛓ *Deal #%d: deposit confirmed*\n\nNow send a Lightning invoice for *exactly %s sats* with `/invoice <invoice>` before %s.",
			n.DealID, formatSats(n.Amount), n.Deadline.Format(time.RFC822))

	case engine.KindInvoiceAccepted:
		return fmt.Sprintf(
			"⚡ *Deal #%d: invoice accepted*\n\nWrapping it through the privacy relay so the payer never sees your node. One moment…",
			n.DealID)

	case engine.KindRelayChoice:
		return fmt.Sprintf(
			"🔒 *Deal #%d: privacy relay unavailable*\n\nThe relay could not wrap your invoice just now. You can keep retrying every 20 minutes, or reveal the original invoice to the seller and move on.",
			n.DealID)

	case engine.KindAddressRequest:
		return fmt.Sprintf(
			"🏦 *Deal #%d: payout time*\n\nThe buyer's deposit is confirmed. Submit the Bitcoin address for your %s sats with `/address <address>` before %s.",
			n.DealID, formatSats(n.Amount), n.Deadline.Format(time.RFC822))

	case engine.KindPrivacyResolved:
		return fmt.Sprintf(
			"🔐 *Deal #%d: privacy settled*\n\nYour invoice is on its way to the seller. You'll hear from me when it's paid.",
			n.DealID)

	case engine.KindInvoiceReveal:
		return fmt.Sprintf(
			"⚡ *Deal #%d: pay this invoice*\n\nPay *exactly %s sats*:\n\n`%s`\n\nYour bitcoin goes to `%s` in the next payout batch once the payment settles. Deadline: %s.",
			n.DealID, formatSats(n.Amount), n.Invoice, n.Address, n.Deadline.Format(time.RFC822))

	case engine.KindPaymentVerified:
		return fmt.Sprintf(
			"✅ *Deal #%d: Lightning payment verified*\n\nThe swap is queued for the next payout batch.",
			n.DealID)

	case engine.KindBatchSent:
		if n.Address != "" {
			return fmt.Sprintf(
				"🎉 *Deal #%d complete*\n\n%s sats sent to `%s`.\n🔹 Payout: `%s`\n\nThanks for swapping!",
				n.DealID, formatSats(n.Amount), n.Address, n.BatchRef)
		}
		return fmt.Sprintf(
			"🎉 *Deal #%d complete*\n\nThe payout batch went out (ref `%s`). Thanks for swapping!",
			n.DealID, n.BatchRef)

	case engine.KindDealCancelled:
		reason := n.Reason
		if reason == "" {
			reason = "cancelled"
		}
		return fmt.Sprintf("❌ *Deal #%d cancelled*\n\nReason: %s.", n.DealID, reason)

	case engine.KindExpiredRefund:
		return fmt.Sprintf(
			"⏰ *Deal #%d expired*\n\nYour deposit (`%s`) did not reach enough confirmations in time. An operator will arrange a manual refund — nothing further is needed from you.",
			n.DealID, n.Txid)

	case engine.KindRelayExhausted:
		return fmt.Sprintf(
			"🔒 *Deal #%d cancelled*\n\nThe privacy relay stayed unavailable for the whole retry window and no invoice was revealed. A refund of the on-chain deposit will be arranged.",
			n.DealID)

	case engine.KindOfferExpired:
		return fmt.Sprintf(
			"🕐 *Offer #%d expired*\n\nYour %s sats offer left the channel after 48 hours. List it again any time.",
			n.OfferID, formatSats(n.Amount))
	}
	return ""
}

// timeLeft renders the time until a deadline, floored to minutes.
func timeLeft(deadline time.Time) string {
	d := time.Until(deadline)
	if d <= 0 {
		return "no time"
	}
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

// formatSats renders an amount with thousands separators.
func formatSats(amount int64) string {
	s := fmt.Sprintf("%d", amount)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}

func directionLabel(d models.OfferDirection) string {
	if d == models.DirectionSwapIn {
		return "Swap in (on-chain → Lightning)"
	}
	return "Swap out (Lightning → on-chain)"
}

func offerEmoji(s models.OfferStatus) string {
	switch s {
	case models.OfferActive:
		return "🟢"
	case models.OfferTaken:
		return "🤝"
	case models.OfferExpired:
		return "🕐"
	default:
		return "❌"
	}
}

func dealEmoji(s models.DealStatus) string {
	switch s {
	case models.DealCompleted:
		return "✅"
	case models.DealCancelled, models.DealExpired:
		return "❌"
	case models.DealDisputed:
		return "⚠️"
	default:
		return "⏳"
	}
}

// stageLabel is the human name for a deal status.
func stageLabel(s models.DealStatus) string {
	switch s {
	case models.DealPending:
		return "waiting for accept"
	case models.DealAccepted:
		return "waiting for deposit"
	case models.DealBitcoinSent:
		return "waiting for confirmations"
	case models.DealBitcoinConfirmed:
		return "waiting for invoice"
	case models.DealInvoiceReceived:
		return "wrapping invoice"
	case models.DealAwaitingAddress:
		return "waiting for payout address"
	case models.DealAwaitingPayment:
		return "waiting for Lightning payment"
	case models.DealReadyForBatch:
		return "queued for payout"
	case models.DealCompleted:
		return "completed"
	case models.DealCancelled:
		return "cancelled"
	case models.DealExpired:
		return "expired"
	case models.DealDisputed:
		return "disputed"
	}
	return string(s)
}
