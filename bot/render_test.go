package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/satswap/p2p-swap-bot/engine"
)

func TestFormatSats(t *testing.T) {
	assert.Equal(t, "100", formatSats(100))
	assert.Equal(t, "10,000", formatSats(10000))
	assert.Equal(t, "100,000", formatSats(100000))
	assert.Equal(t, "1,234,567", formatSats(1234567))
}

func TestRenderCoversEveryKind(t *testing.T) {
	kinds := []engine.MessageKind{
		engine.KindDealStarted, engine.KindDepositInstructions, engine.KindTxidReceived,
		engine.KindBitcoinConfirmed, engine.KindInvoiceAccepted, engine.KindRelayChoice,
		engine.KindAddressRequest, engine.KindPrivacyResolved, engine.KindInvoiceReveal,
		engine.KindPaymentVerified, engine.KindBatchSent, engine.KindDealCancelled,
		engine.KindExpiredRefund, engine.KindRelayExhausted, engine.KindOfferExpired,
	}
	for _, kind := range kinds {
		n := engine.Notification{
			Kind: kind, DealID: 7, OfferID: 3, Amount: 10000,
			Address: "tb1qaddress", Invoice: "lntb1invoice", Txid: "txid",
			BatchRef: "ref", Deadline: time.Now(),
		}
		assert.NotEmpty(t, renderNote(n), "kind %s renders nothing", kind)
	}
}

func TestAddressRequestTextCarriesNoInvoice(t *testing.T) {
	// The gate never sets Invoice on an address request; the renderer must
	// not invent one from other fields either.
	n := engine.Notification{
		Kind: engine.KindAddressRequest, DealID: 7, Amount: 10000,
		Deadline: time.Now(),
	}
	text := renderNote(n)
	assert.NotContains(t, strings.ToLower(text), "lntb")
	assert.NotContains(t, strings.ToLower(text), "lnbc")
}

func TestInvoiceRevealShowsInvoice(t *testing.T) {
	n := engine.Notification{
		Kind: engine.KindInvoiceReveal, DealID: 7, Amount: 10000,
		Invoice: "lntb100u1wrapped", Address: "tb1qseller", Deadline: time.Now(),
	}
	text := renderNote(n)
	assert.Contains(t, text, "lntb100u1wrapped")
	assert.Contains(t, text, "tb1qseller")
}
