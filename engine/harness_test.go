package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/satswap/p2p-swap-bot/chain"
	"github.com/satswap/p2p-swap-bot/config"
	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/lightning"
	"github.com/satswap/p2p-swap-bot/models"
	"github.com/satswap/p2p-swap-bot/payout"
)

const (
	tierAddr10k  = "tb1q7cyrfmck2ffu2ud3rn5l5a8yv6f0chkp0zpemf"
	tierAddr100k = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	sellerAddr   = "tb1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3q0sl5k7"
	testTxid     = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	testInvoice  = "lntb100u1pn2s39xpp5testinvoicepaymenthashxxxxxxxxxxxxxxxxxxxxxxxx"
	wrapInvoice  = "lntb100u1pw4ppedxxwrappedinvoicexxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	testHash     = "9f2a1c7e5b3d8a6f4e2c0b9d7a5f3e1c8b6d4a2f0e9c7b5a3d1f8e6c4b2a0d9e"
)

type fakeChain struct {
	mu   sync.Mutex
	conf chain.Confirmation
	err  error
}

func (f *fakeChain) Confirmations(_ context.Context, _, _ string) (chain.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conf, f.err
}

func (f *fakeChain) set(conf chain.Confirmation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conf, f.err = conf, err
}

type fakeLN struct {
	invoice   *lightning.Invoice
	decodeErr error
	settled   bool
	settleErr error
}

func (f *fakeLN) DecodeInvoice(_ context.Context, _ string) (*lightning.Invoice, error) {
	return f.invoice, f.decodeErr
}

func (f *fakeLN) IsSettled(_ context.Context, _ string) (bool, error) {
	return f.settled, f.settleErr
}

type fakeRelay struct {
	mu      sync.Mutex
	wrapped string
	err     error
	calls   int
}

func (f *fakeRelay) Wrap(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.wrapped, nil
}

func (f *fakeRelay) set(wrapped string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrapped, f.err = wrapped, err
}

type fakeSender struct {
	mu       sync.Mutex
	failures int
	calls    []string
	outputs  [][]payout.Output
}

func (f *fakeSender) SendBatch(_ context.Context, batchID string, outputs []payout.Output) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, batchID)
	f.outputs = append(f.outputs, outputs)
	if f.failures > 0 {
		f.failures--
		return "", errors.New("payout backend down")
	}
	return "ref_" + batchID[:8], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeNotifier) byKind(kind MessageKind) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, n := range f.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeNotifier) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = nil
}

type harness struct {
	engine   *Engine
	store    *db.Database
	cfg      *config.Config
	chain    *fakeChain
	ln       *fakeLN
	relay    *fakeRelay
	sender   *fakeSender
	notifier *fakeNotifier
	now      time.Time
}

func testConfig() *config.Config {
	return &config.Config{
		Network: "testnet",
		TierAddresses: map[int64]string{
			10000:  tierAddr10k,
			100000: tierAddr100k,
		},
		OfferVisibility: 48 * time.Hour,
		AcceptTimeout:   30 * time.Minute,
		TxidTimeout:     30 * time.Minute,
		ConfirmTimeout:  48 * time.Hour,
		InvoiceTimeout:  2 * time.Hour,
		AddressTimeout:  2 * time.Hour,
		PaymentTimeout:  2 * time.Hour,

		RequiredConfirmations: 3,

		RelayRetryEvery:  20 * time.Minute,
		RelayRetryWindow: 2 * time.Hour,

		BatchPolicy:  config.BatchPolicyCountOrAge,
		BatchMinSize: 3,
		BatchMaxWait: 60 * time.Minute,
		BatchCutoff:  10 * time.Minute,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := db.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		cfg:      testConfig(),
		chain:    &fakeChain{},
		ln:       &fakeLN{},
		relay:    &fakeRelay{wrapped: wrapInvoice},
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
		now:      time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC),
	}
	h.engine = New(store, h.cfg, h.chain, h.ln, h.relay, h.sender, h.notifier, zerolog.Nop())
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// openDeal runs TakeOffer for a fresh seller/buyer pair and returns the
// pending deal.
func (h *harness) openDeal(t *testing.T, sellerID, buyerID, amount int64) *models.Deal {
	t.Helper()

	require.NoError(t, h.store.RegisterUser(sellerID, "seller", "Sell"))
	require.NoError(t, h.store.RegisterUser(buyerID, "buyer", "Buy"))

	offer, err := h.engine.CreateOffer(sellerID, models.DirectionSwapOut, amount)
	require.NoError(t, err)

	deal, err := h.engine.TakeOffer(context.Background(), offer.ID, buyerID)
	require.NoError(t, err)
	return deal
}

// dealAt runs a deal forward to the given status along the happy path.
func (h *harness) dealAt(t *testing.T, sellerID, buyerID, amount int64, status models.DealStatus) *models.Deal {
	t.Helper()
	ctx := context.Background()

	deal := h.openDeal(t, sellerID, buyerID, amount)
	if status == models.DealPending {
		return deal
	}

	deal, err := h.engine.AcceptDeal(ctx, deal.ID, buyerID)
	require.NoError(t, err)
	if status == models.DealAccepted {
		return deal
	}

	h.chain.set(chain.Confirmation{}, nil)
	deal, err = h.engine.SubmitTxid(ctx, buyerID, testTxid)
	require.NoError(t, err)
	if status == models.DealBitcoinSent {
		return deal
	}

	h.chain.set(chain.Confirmation{Found: true, Confirmations: 3, MatchedAmount: amount}, nil)
	h.engine.confirmationSweep(ctx)
	deal = h.reload(t, deal.ID)
	require.Equal(t, models.DealBitcoinConfirmed, deal.Status)
	if status == models.DealBitcoinConfirmed {
		return deal
	}

	h.ln.invoice = &lightning.Invoice{PaymentHash: testHash, AmountSats: amount}
	deal, err = h.engine.SubmitInvoice(ctx, buyerID, testInvoice)
	require.NoError(t, err)
	if status == models.DealInvoiceReceived || status == models.DealAwaitingAddress {
		// With the default relay fake the wrap succeeds immediately,
		// so invoice_received is already awaiting_address.
		return deal
	}

	deal, err = h.engine.SubmitAddress(ctx, sellerID, sellerAddr)
	require.NoError(t, err)
	if status == models.DealAwaitingPayment {
		return deal
	}

	h.ln.settled = true
	h.engine.settlementSweep(ctx)
	deal = h.reload(t, deal.ID)
	require.Equal(t, models.DealReadyForBatch, deal.Status)
	return deal
}

func (h *harness) reload(t *testing.T, dealID int64) *models.Deal {
	t.Helper()
	deal, err := h.store.GetDeal(dealID)
	require.NoError(t, err)
	require.NotNil(t, deal)
	return deal
}
