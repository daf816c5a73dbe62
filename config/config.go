package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BatchPolicy selects how the settlement scheduler decides to flush.
type BatchPolicy string

const (
	// BatchPolicyCountOrAge flushes at 3 queued deals or 60 minutes of queue
	// age, whichever comes first.
	BatchPolicyCountOrAge BatchPolicy = "count_or_age"
	// BatchPolicyHourly flushes on the hour with a 10-minute cutoff: deals
	// queued after :50 roll over to the next slot.
	BatchPolicyHourly BatchPolicy = "hourly"
)

// Config holds the application configuration
type Config struct {
	TelegramToken   string
	OffersChannelID int64
	AdminID         int64

	DBPath string

	Network      string // "testnet" or "mainnet"
	EsploraURL   string
	LNDRestURL   string
	LNDMacaroon  string // hex-encoded macaroon for the Grpc-Metadata header
	LNProxyURL   string

	// Fixed settlement addresses, one per supported amount tier. The engine
	// never derives addresses at runtime.
	TierAddresses map[int64]string

	// Per-stage deadlines.
	OfferVisibility time.Duration
	AcceptTimeout   time.Duration
	TxidTimeout     time.Duration
	ConfirmTimeout  time.Duration
	InvoiceTimeout  time.Duration
	AddressTimeout  time.Duration
	PaymentTimeout  time.Duration

	RequiredConfirmations int

	// Background loop cadences.
	ConfirmationPoll time.Duration
	SettlementPoll   time.Duration
	TimeoutSweep     time.Duration
	RelayRetryEvery  time.Duration
	RelayRetryWindow time.Duration
	BatchPoll        time.Duration

	// Batch scheduling.
	BatchPolicy   BatchPolicy
	BatchMinSize  int
	BatchMaxWait  time.Duration
	BatchCutoff   time.Duration // hourly policy: cutoff before the hour
}

// NewConfig creates a new configuration from environment variables
func NewConfig() *Config {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: .env file not found, using default values")
	}

	cfg := &Config{
		TelegramToken:   getEnv("TELEGRAM_BOT_TOKEN", "YOUR_TELEGRAM_BOT_TOKEN"),
		OffersChannelID: getEnvInt64("OFFERS_CHANNEL_ID", 0),
		AdminID:         getEnvInt64("ADMIN_TELEGRAM_ID", 0),

		DBPath: getEnv("DB_PATH", "./p2pswap.db"),

		Network:     getEnv("BITCOIN_NETWORK", "testnet"),
		LNDRestURL:  getEnv("LND_REST_URL", "https://localhost:8080"),
		LNDMacaroon: getEnv("LND_MACAROON_HEX", ""),
		LNProxyURL:  getEnv("LNPROXY_URL", "https://lnproxy.lnemail.net"),

		OfferVisibility: getEnvDuration("OFFER_VISIBILITY", 48*time.Hour),
		AcceptTimeout:   getEnvDuration("ACCEPT_TIMEOUT", 30*time.Minute),
		TxidTimeout:     getEnvDuration("TXID_TIMEOUT", 30*time.Minute),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", 48*time.Hour),
		InvoiceTimeout:  getEnvDuration("INVOICE_TIMEOUT", 2*time.Hour),
		AddressTimeout:  getEnvDuration("ADDRESS_TIMEOUT", 2*time.Hour),
		PaymentTimeout:  getEnvDuration("PAYMENT_TIMEOUT", 2*time.Hour),

		RequiredConfirmations: getEnvInt("REQUIRED_CONFIRMATIONS", 3),

		ConfirmationPoll: getEnvDuration("CONFIRMATION_POLL", 10*time.Minute),
		SettlementPoll:   getEnvDuration("SETTLEMENT_POLL", 30*time.Second),
		TimeoutSweep:     getEnvDuration("TIMEOUT_SWEEP", 5*time.Minute),
		RelayRetryEvery:  getEnvDuration("RELAY_RETRY_EVERY", 20*time.Minute),
		RelayRetryWindow: getEnvDuration("RELAY_RETRY_WINDOW", 2*time.Hour),
		BatchPoll:        getEnvDuration("BATCH_POLL", time.Minute),

		BatchPolicy:  BatchPolicy(getEnv("BATCH_POLICY", string(BatchPolicyCountOrAge))),
		BatchMinSize: getEnvInt("BATCH_MIN_SIZE", 3),
		BatchMaxWait: getEnvDuration("BATCH_MAX_WAIT", 60*time.Minute),
		BatchCutoff:  getEnvDuration("BATCH_CUTOFF", 10*time.Minute),
	}

	if cfg.Network == "testnet" {
		cfg.EsploraURL = getEnv("ESPLORA_URL", "https://blockstream.info/testnet/api")
	} else {
		cfg.EsploraURL = getEnv("ESPLORA_URL", "https://blockstream.info/api")
	}

	cfg.TierAddresses = map[int64]string{
		10000:  getEnv("BITCOIN_ADDRESS_10K", ""),
		100000: getEnv("BITCOIN_ADDRESS_100K", ""),
	}

	return cfg
}

// Tiers returns the supported amount tiers in ascending order.
func (c *Config) Tiers() []int64 {
	tiers := make([]int64, 0, len(c.TierAddresses))
	for amount := range c.TierAddresses {
		tiers = append(tiers, amount)
	}
	for i := 0; i < len(tiers); i++ {
		for j := i + 1; j < len(tiers); j++ {
			if tiers[j] < tiers[i] {
				tiers[i], tiers[j] = tiers[j], tiers[i]
			}
		}
	}
	return tiers
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default", key, value)
		return defaultValue
	}
	return n
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default", key, value)
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default", key, value)
		return defaultValue
	}
	return d
}
