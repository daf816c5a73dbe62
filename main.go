package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/satswap/p2p-swap-bot/bot"
	"github.com/satswap/p2p-swap-bot/chain"
	"github.com/satswap/p2p-swap-bot/config"
	"github.com/satswap/p2p-swap-bot/db"
	"github.com/satswap/p2p-swap-bot/engine"
	"github.com/satswap/p2p-swap-bot/lightning"
	"github.com/satswap/p2p-swap-bot/lnproxy"
	"github.com/satswap/p2p-swap-bot/payout"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.NewConfig()

	database, err := db.NewDatabase(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	chainClient := chain.NewClient(cfg.EsploraURL)
	lnClient := lightning.NewClient(cfg.LNDRestURL, cfg.LNDMacaroon)
	relay := lnproxy.NewClient(cfg.LNProxyURL)
	sender := payout.NewSimulator(log)

	telegramBot, err := bot.NewBot(cfg, database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize bot")
	}

	eng := engine.New(database, cfg, chainClient, lnClient, relay, sender, telegramBot, log)
	telegramBot.AttachEngine(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		cancel()
		telegramBot.Stop()
	}()

	go eng.Run(ctx)

	log.Info().Str("network", cfg.Network).Msg("swap bot started")
	telegramBot.Start()
}
