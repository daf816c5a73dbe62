package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/satswap/p2p-swap-bot/config"
	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/engine"
	"github.com/satswap/p2p-swap-bot/models"
)

// Callback prefixes
const (
	cbTier       = "tier:"
	cbTake       = "take:"
	cbAcceptDeal = "accept_deal:"
	cbCancelDeal = "cancel_deal:"
	cbRetryRelay = "retry_relay"
	cbRevealNow  = "reveal_now"
)

// Bot is the Telegram front end: commands and buttons go in, engine
// notifications come back out through Notify.
type Bot struct {
	teleBot  *telebot.Bot
	database *db.Database
	engine   *engine.Engine
	config   *config.Config
	log      zerolog.Logger
}

// NewBot creates a new Bot instance
func NewBot(cfg *config.Config, database *db.Database, log zerolog.Logger) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %v", err)
	}

	return &Bot{
		teleBot:  tb,
		database: database,
		config:   cfg,
		log:      log.With().Str("component", "bot").Logger(),
	}, nil
}

// AttachEngine wires the swap engine in after construction. The engine
// needs the bot as its notifier, so the two are linked in two steps.
func (b *Bot) AttachEngine(e *engine.Engine) {
	b.engine = e
}

// Notify implements engine.Notifier: render the message for its kind and
// deliver it to the party that is owed it.
func (b *Bot) Notify(_ context.Context, n engine.Notification) error {
	text := renderNote(n)
	if text == "" {
		return nil
	}

	opts := []interface{}{telebot.ModeMarkdown}
	if menu := noteMenu(n); menu != nil {
		opts = append(opts, menu)
	}

	_, err := b.teleBot.Send(telebot.ChatID(n.Recipient), text, opts...)
	if err != nil {
		return fmt.Errorf("failed to deliver %s to %d: %v", n.Kind, n.Recipient, err)
	}
	return nil
}

// noteMenu attaches inline buttons to the kinds that expect a choice.
func noteMenu(n engine.Notification) *telebot.ReplyMarkup {
	switch n.Kind {
	case engine.KindDealStarted:
		menu := &telebot.ReplyMarkup{}
		menu.InlineKeyboard = [][]telebot.InlineButton{{
			{Unique: fmt.Sprintf("%s%d", cbAcceptDeal, n.DealID), Text: "✅ Accept"},
			{Unique: fmt.Sprintf("%s%d", cbCancelDeal, n.DealID), Text: "❌ Cancel"},
		}}
		return menu
	case engine.KindRelayChoice:
		menu := &telebot.ReplyMarkup{}
		menu.InlineKeyboard = [][]telebot.InlineButton{{
			{Unique: cbRetryRelay, Text: "🔁 Keep retrying"},
			{Unique: cbRevealNow, Text: "👁 Reveal my invoice"},
		}}
		return menu
	}
	return nil
}

// reply sends plain feedback on a command. Validation problems carry
// their own user-facing text; anything else gets a generic apology.
func (b *Bot) reply(to *telebot.User, err error, okMsg string) {
	if err == nil {
		if okMsg != "" {
			b.teleBot.Send(to, okMsg, telebot.ModeMarkdown)
		}
		return
	}
	if engine.IsValidation(err) {
		b.teleBot.Send(to, "⚠️ "+err.Error())
		return
	}
	b.log.Error().Int64("user", int64(to.ID)).Err(err).Msg("command failed")
	b.teleBot.Send(to, "Something went wrong, please try again later.")
}

// registerUser upserts the sender so every command works without an
// explicit signup step.
func (b *Bot) registerUser(u *telebot.User) {
	if err := b.database.RegisterUser(int64(u.ID), u.Username, u.FirstName); err != nil {
		b.log.Error().Int64("user", int64(u.ID)).Err(err).Msg("failed to register user")
	}
}

// sendWelcome greets a new user and shows the tier buttons.
func (b *Bot) sendWelcome(m *telebot.Message) {
	menu := &telebot.ReplyMarkup{}
	var row []telebot.InlineButton
	for _, tier := range b.config.Tiers() {
		row = append(row, telebot.InlineButton{
			Unique: fmt.Sprintf("%s%d", cbTier, tier),
			Text:   fmt.Sprintf("⚡ %s sats", formatSats(tier)),
		})
	}
	menu.InlineKeyboard = [][]telebot.InlineButton{row}

	welcome := "Welcome to the swap desk! ⚡️🔗\n\n" +
		"Offer to swap Lightning sats for on-chain bitcoin, or take " +
		"someone else's offer from the channel.\n\n" +
		"Pick a tier to list a swap out offer, or see /help."
	b.teleBot.Send(m.Sender, welcome, menu)
}

// createOffer lists a new offer and posts it to the offers channel.
func (b *Bot) createOffer(m *telebot.Message, direction models.OfferDirection, amountSats int64) {
	b.registerUser(m.Sender)

	offer, err := b.engine.CreateOffer(int64(m.Sender.ID), direction, amountSats)
	if err != nil {
		b.reply(m.Sender, err, "")
		return
	}

	b.reply(m.Sender, nil, fmt.Sprintf(
		"✅ *Offer #%d listed*\n\n🔹 %s\n🔹 Amount: %s sats\n🔹 Visible until: %s",
		offer.ID, directionLabel(offer.Direction), formatSats(offer.AmountSats),
		offer.VisibilityDeadline.Format(time.RFC822)))

	b.postOfferToChannel(offer)
}

// postOfferToChannel announces a new offer in the public channel. The
// owner stays anonymous: takers go through the bot, never to the user.
func (b *Bot) postOfferToChannel(offer *models.Offer) {
	if b.config.OffersChannelID == 0 {
		return
	}

	text := fmt.Sprintf(
		"📣 *New %s offer*\n\n🔹 Amount: %s sats\n🔹 Offer #%d\n\nTake it with the button below or send `/take %d` to the bot.",
		directionLabel(offer.Direction), formatSats(offer.AmountSats), offer.ID, offer.ID)

	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{{
		{Unique: fmt.Sprintf("%s%d", cbTake, offer.ID), Text: "🤝 Take this offer"},
	}}

	_, err := b.teleBot.Send(telebot.ChatID(b.config.OffersChannelID), text, menu, telebot.ModeMarkdown)
	if err != nil {
		b.log.Error().Int64("offer", offer.ID).Err(err).Msg("failed to post offer to channel")
	}
}

// takeOffer opens a deal against an offer on behalf of the taker.
func (b *Bot) takeOffer(u *telebot.User, offerID int64) {
	b.registerUser(u)

	deal, err := b.engine.TakeOffer(context.Background(), offerID, int64(u.ID))
	if err != nil {
		b.reply(u, err, "")
		return
	}
	// The accept/cancel prompt arrives as a KindDealStarted notification.
	b.log.Info().Int64("deal", deal.ID).Int64("taker", int64(u.ID)).Msg("offer taken via bot")
}

// withdrawOffer takes down one of the sender's own listings.
func (b *Bot) withdrawOffer(m *telebot.Message, offerID int64) {
	offer, err := b.engine.WithdrawOffer(offerID, int64(m.Sender.ID))
	if err != nil {
		b.reply(m.Sender, err, "")
		return
	}
	b.reply(m.Sender, nil, fmt.Sprintf("🗑 Offer #%d withdrawn.", offer.ID))
}

// showProfile displays the sender's stats.
func (b *Bot) showProfile(m *telebot.Message) {
	b.registerUser(m.Sender)

	user, err := b.database.GetUser(int64(m.Sender.ID))
	if err != nil || user == nil {
		b.reply(m.Sender, err, "")
		return
	}

	address := user.BitcoinAddress
	if address == "" {
		address = "not set"
	}
	text := fmt.Sprintf(
		"👤 *Your profile*\n\n"+
			"🔹 Reputation: %.1f ⭐\n"+
			"🔹 Completed swaps: %d\n"+
			"🔹 Total volume: %s sats\n"+
			"🔹 Payout address: `%s`\n"+
			"🔹 Member since: %s",
		user.Reputation, user.TotalDeals, formatSats(user.TotalVolume),
		address, user.CreatedAt.Format("Jan 2006"))
	b.teleBot.Send(m.Sender, text, telebot.ModeMarkdown)
}

// listOffers shows the sender's own offers.
func (b *Bot) listOffers(m *telebot.Message) {
	offers, err := b.database.OffersByUser(int64(m.Sender.ID))
	if err != nil {
		b.reply(m.Sender, err, "")
		return
	}
	if len(offers) == 0 {
		b.teleBot.Send(m.Sender, "No offers yet. Use /swapout to list one.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 *Your offers:*\n\n")
	for i, o := range offers {
		if i >= 10 {
			sb.WriteString(fmt.Sprintf("…and %d more.\n", len(offers)-i))
			break
		}
		sb.WriteString(fmt.Sprintf("%s *Offer #%d* — %s sats, %s, listed %s\n",
			offerEmoji(o.Status), o.ID, formatSats(o.AmountSats),
			o.Status, o.CreatedAt.Format(time.RFC822)))
	}
	b.teleBot.Send(m.Sender, sb.String(), telebot.ModeMarkdown)
}

// listDeals shows the sender's deals, both sides.
func (b *Bot) listDeals(m *telebot.Message) {
	deals, err := b.database.DealsForUser(int64(m.Sender.ID))
	if err != nil {
		b.reply(m.Sender, err, "")
		return
	}
	if len(deals) == 0 {
		b.teleBot.Send(m.Sender, "No deals yet. Browse the offers channel to take one.")
		return
	}

	var sb strings.Builder
	sb.WriteString("🤝 *Your deals:*\n\n")
	for i, d := range deals {
		if i >= 10 {
			sb.WriteString(fmt.Sprintf("…and %d more.\n", len(deals)-i))
			break
		}
		role := "buyer"
		if int64(m.Sender.ID) == d.SellerID {
			role = "seller"
		}
		remaining := ""
		if !d.Status.Terminal() && !d.StageDeadline.IsZero() {
			remaining = fmt.Sprintf(", %s left", timeLeft(d.StageDeadline))
		}
		sb.WriteString(fmt.Sprintf("%s *Deal #%d* — %s sats, %s%s, you are the %s\n",
			dealEmoji(d.Status), d.ID, formatSats(d.AmountSats), stageLabel(d.Status), remaining, role))
	}
	b.teleBot.Send(m.Sender, sb.String(), telebot.ModeMarkdown)
}

// showHelp displays help information
func (b *Bot) showHelp(m *telebot.Message) {
	helpText := `*Swap desk commands*

/swapout - List an offer to swap Lightning sats for on-chain bitcoin
/swapin - List a swap in offer (coming soon)
/offers - Your offers
/withdraw <offer_id> - Take down one of your offers
/deals - Your deals
/take <offer_id> - Take an offer from the channel
/txid <txid> - Report your Bitcoin deposit transaction
/invoice <invoice> - Submit your Lightning invoice
/address <address> - Submit your payout address
/reveal - Stop privacy retries and reveal your invoice
/retry - Keep retrying the privacy relay
/cancel <deal_id> - Cancel a pending deal
/profile - Your stats

*How a swap out works:*
1. A seller lists sats at a fixed tier
2. You take the offer and accept the deal
3. You deposit bitcoin on-chain and report the txid
4. After confirmations, you send a Lightning invoice
5. The seller pays it (wrapped for your privacy) and gets
   the bitcoin in the next payout batch

Amounts are exact: deposit and invoice must match the tier to the satoshi.`

	b.teleBot.Send(m.Sender, helpText, telebot.ModeMarkdown)
}

// requeue is the operator command to re-arm a stuck deal's deadline.
func (b *Bot) requeue(m *telebot.Message, dealID int64) {
	if int64(m.Sender.ID) != b.config.AdminID {
		b.teleBot.Send(m.Sender, "Unknown command.")
		return
	}
	deal, err := b.engine.RequeueDeal(dealID)
	if err != nil {
		b.reply(m.Sender, err, "")
		return
	}
	b.reply(m.Sender, nil, fmt.Sprintf(
		"🔧 Deal #%d deadline re-armed, now %s (stage %s).",
		deal.ID, deal.StageDeadline.Format(time.RFC822), stageLabel(deal.Status)))
}

func parseID(arg string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	return id, err == nil && id > 0
}

// Start starts the bot and registers command handlers
func (b *Bot) Start() {
	ack := func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
	}

	b.teleBot.Handle(telebot.OnCallback, func(c *telebot.Callback) {
		data := strings.TrimSpace(c.Data)
		// Unique-button callbacks arrive with a \f prefix.
		data = strings.TrimPrefix(data, "\f")
		ack(c)

		switch {
		case strings.HasPrefix(data, cbTier):
			if tier, ok := parseID(strings.TrimPrefix(data, cbTier)); ok {
				b.createOffer(&telebot.Message{Sender: c.Sender}, models.DirectionSwapOut, tier)
			}
		case strings.HasPrefix(data, cbTake):
			if offerID, ok := parseID(strings.TrimPrefix(data, cbTake)); ok {
				b.takeOffer(c.Sender, offerID)
			}
		case strings.HasPrefix(data, cbAcceptDeal):
			if dealID, ok := parseID(strings.TrimPrefix(data, cbAcceptDeal)); ok {
				_, err := b.engine.AcceptDeal(context.Background(), dealID, int64(c.Sender.ID))
				b.reply(c.Sender, err, "")
			}
		case strings.HasPrefix(data, cbCancelDeal):
			if dealID, ok := parseID(strings.TrimPrefix(data, cbCancelDeal)); ok {
				_, err := b.engine.CancelDeal(context.Background(), dealID, int64(c.Sender.ID))
				b.reply(c.Sender, err, "")
			}
		case data == cbRetryRelay:
			_, err := b.engine.ChooseRetry(context.Background(), int64(c.Sender.ID))
			b.reply(c.Sender, err, "🔁 Got it, retrying the privacy relay every 20 minutes.")
		case data == cbRevealNow:
			_, err := b.engine.ForceReveal(context.Background(), int64(c.Sender.ID))
			b.reply(c.Sender, err, "")
		}
	})

	b.teleBot.Handle("/start", func(m *telebot.Message) {
		b.registerUser(m.Sender)
		b.sendWelcome(m)
	})

	b.teleBot.Handle("/help", func(m *telebot.Message) {
		b.showHelp(m)
	})

	b.teleBot.Handle("/profile", func(m *telebot.Message) {
		b.showProfile(m)
	})

	b.teleBot.Handle("/swapout", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.sendWelcome(m)
			return
		}
		amount, ok := parseID(args[1])
		if !ok {
			b.teleBot.Send(m.Sender, "Usage: /swapout <amount_sats>")
			return
		}
		b.createOffer(m, models.DirectionSwapOut, amount)
	})

	b.teleBot.Handle("/swapin", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /swapin <amount_sats>")
			return
		}
		amount, ok := parseID(args[1])
		if !ok {
			b.teleBot.Send(m.Sender, "Usage: /swapin <amount_sats>")
			return
		}
		// Accepted and listed, but not yet matchable.
		b.createOffer(m, models.DirectionSwapIn, amount)
	})

	b.teleBot.Handle("/offers", func(m *telebot.Message) {
		b.listOffers(m)
	})

	b.teleBot.Handle("/deals", func(m *telebot.Message) {
		b.listDeals(m)
	})

	b.teleBot.Handle("/take", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /take <offer_id>")
			return
		}
		offerID, ok := parseID(args[1])
		if !ok {
			b.teleBot.Send(m.Sender, "Usage: /take <offer_id>")
			return
		}
		b.takeOffer(m.Sender, offerID)
	})

	b.teleBot.Handle("/withdraw", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /withdraw <offer_id>")
			return
		}
		offerID, ok := parseID(args[1])
		if !ok {
			b.teleBot.Send(m.Sender, "Usage: /withdraw <offer_id>")
			return
		}
		b.withdrawOffer(m, offerID)
	})

	b.teleBot.Handle("/txid", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /txid <transaction_id>")
			return
		}
		_, err := b.engine.SubmitTxid(context.Background(), int64(m.Sender.ID), args[1])
		b.reply(m.Sender, err, "")
	})

	b.teleBot.Handle("/invoice", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /invoice <lightning_invoice>")
			return
		}
		_, err := b.engine.SubmitInvoice(context.Background(), int64(m.Sender.ID), args[1])
		b.reply(m.Sender, err, "")
	})

	b.teleBot.Handle("/address", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /address <bitcoin_address>")
			return
		}
		_, err := b.engine.SubmitAddress(context.Background(), int64(m.Sender.ID), args[1])
		b.reply(m.Sender, err, "")
	})

	b.teleBot.Handle("/reveal", func(m *telebot.Message) {
		_, err := b.engine.ForceReveal(context.Background(), int64(m.Sender.ID))
		b.reply(m.Sender, err, "")
	})

	b.teleBot.Handle("/retry", func(m *telebot.Message) {
		_, err := b.engine.ChooseRetry(context.Background(), int64(m.Sender.ID))
		b.reply(m.Sender, err, "🔁 Got it, retrying the privacy relay every 20 minutes.")
	})

	b.teleBot.Handle("/cancel", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /cancel <deal_id>")
			return
		}
		dealID, ok := parseID(args[1])
		if !ok {
			b.teleBot.Send(m.Sender, "Usage: /cancel <deal_id>")
			return
		}
		_, err := b.engine.CancelDeal(context.Background(), dealID, int64(m.Sender.ID))
		b.reply(m.Sender, err, "")
	})

	b.teleBot.Handle("/requeue", func(m *telebot.Message) {
		args := strings.Fields(m.Text)
		if len(args) != 2 {
			b.teleBot.Send(m.Sender, "Usage: /requeue <deal_id>")
			return
		}
		dealID, ok := parseID(args[1])
		if !ok {
			b.teleBot.Send(m.Sender, "Usage: /requeue <deal_id>")
			return
		}
		b.requeue(m, dealID)
	})

	b.teleBot.Handle(telebot.OnText, func(m *telebot.Message) {
		if !strings.HasPrefix(m.Text, "/") {
			b.sendWelcome(m)
		}
	})

	b.log.Info().Msg("bot started and ready to accept commands")
	b.teleBot.Start()
}

// Stop shuts the long poller down.
func (b *Bot) Stop() {
	b.teleBot.Stop()
}
