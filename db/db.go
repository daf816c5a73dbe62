package db

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/satswap/p2p-swap-bot/models"
)

// ErrStale is returned by versioned saves when another writer updated the
// row first. Callers treat it as a lost race: reload and re-decide, or
// drop the transition as a no-op.
var ErrStale = errors.New("db: stale entity version")

// Database wraps the SQL database connection
type Database struct {
	db *sql.DB
}

// NewDatabase initializes the database connection and schema
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Serialize writers; sqlite handles one writer at a time anyway and the
	// versioned saves below make lost updates detectable.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			telegram_id INTEGER PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			bitcoin_address TEXT DEFAULT '',
			reputation REAL DEFAULT 5.0,
			total_deals INTEGER DEFAULT 0,
			total_volume INTEGER DEFAULT 0,
			created_at TIMESTAMP,
			last_active TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS offers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			amount_sats INTEGER NOT NULL,
			status TEXT NOT NULL,
			taken_by INTEGER DEFAULT 0,
			taken_at TIMESTAMP,
			created_at TIMESTAMP,
			visibility_deadline TIMESTAMP,
			version INTEGER DEFAULT 1,
			FOREIGN KEY(user_id) REFERENCES users(telegram_id)
		);
		CREATE TABLE IF NOT EXISTS deals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			offer_id INTEGER NOT NULL,
			seller_id INTEGER NOT NULL,
			buyer_id INTEGER NOT NULL,
			amount_sats INTEGER NOT NULL,
			status TEXT NOT NULL,
			stage_entered_at TIMESTAMP,
			stage_deadline TIMESTAMP,
			timeout_reason TEXT DEFAULT '',
			deposit_address TEXT DEFAULT '',
			bitcoin_txid TEXT DEFAULT '',
			confirmations INTEGER DEFAULT 0,
			lightning_invoice TEXT DEFAULT '',
			payment_hash TEXT DEFAULT '',
			privacy TEXT DEFAULT '',
			wrapped_invoice TEXT DEFAULT '',
			relay_attempts INTEGER DEFAULT 0,
			relay_next_at TIMESTAMP,
			relay_deadline TIMESTAMP,
			seller_address TEXT DEFAULT '',
			batch_id TEXT DEFAULT '',
			payout_ref TEXT DEFAULT '',
			created_at TIMESTAMP,
			completed_at TIMESTAMP,
			version INTEGER DEFAULT 1,
			FOREIGN KEY(offer_id) REFERENCES offers(id)
		);
		CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TIMESTAMP,
			sent_at TIMESTAMP,
			payout_ref TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
		CREATE INDEX IF NOT EXISTS idx_deals_deadline ON deals(stage_deadline);
		CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status);
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Database{db: db}, nil
}

// --- users ---

// RegisterUser inserts the user on first contact and refreshes the
// username and last-active timestamp on later ones.
func (d *Database) RegisterUser(telegramID int64, username, firstName string) error {
	now := time.Now().UTC()
	_, err := d.db.Exec(
		`INSERT INTO users (telegram_id, username, first_name, reputation, created_at, last_active)
		 VALUES (?, ?, ?, 5.0, ?, ?)
		 ON CONFLICT(telegram_id) DO UPDATE SET username = ?, first_name = ?, last_active = ?`,
		telegramID, username, firstName, now, now,
		username, firstName, now,
	)
	return errors.Wrap(err, "failed to register user")
}

// GetUser fetches a user by Telegram ID.
func (d *Database) GetUser(telegramID int64) (*models.User, error) {
	row := d.db.QueryRow(
		`SELECT telegram_id, username, first_name, bitcoin_address, reputation,
		        total_deals, total_volume, created_at, last_active
		 FROM users WHERE telegram_id = ?`, telegramID)

	var u models.User
	err := row.Scan(&u.TelegramID, &u.Username, &u.FirstName, &u.BitcoinAddress,
		&u.Reputation, &u.TotalDeals, &u.TotalVolume, &u.CreatedAt, &u.LastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch user")
	}
	return &u, nil
}

// RecordCompletedDeal bumps both counters a finished deal contributes to.
func (d *Database) RecordCompletedDeal(telegramID, amountSats int64) error {
	_, err := d.db.Exec(
		`UPDATE users SET total_deals = total_deals + 1, total_volume = total_volume + ?
		 WHERE telegram_id = ?`, amountSats, telegramID)
	return errors.Wrap(err, "failed to record completed deal")
}

// SetUserAddress stores the user's preferred payout address.
func (d *Database) SetUserAddress(telegramID int64, address string) error {
	_, err := d.db.Exec(`UPDATE users SET bitcoin_address = ? WHERE telegram_id = ?`,
		address, telegramID)
	return errors.Wrap(err, "failed to set user address")
}

// --- offers ---

// CreateOffer inserts a new active offer and returns it with its ID.
func (d *Database) CreateOffer(userID int64, direction models.OfferDirection, amountSats int64, now time.Time, visibility time.Duration) (*models.Offer, error) {
	deadline := now.Add(visibility)
	res, err := d.db.Exec(
		`INSERT INTO offers (user_id, direction, amount_sats, status, created_at, visibility_deadline, version)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		userID, direction, amountSats, models.OfferActive, now, deadline)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create offer")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read offer id")
	}
	return &models.Offer{
		ID:                 id,
		UserID:             userID,
		Direction:          direction,
		AmountSats:         amountSats,
		Status:             models.OfferActive,
		CreatedAt:          now,
		VisibilityDeadline: deadline,
		Version:            1,
	}, nil
}

func scanOffer(row interface{ Scan(...any) error }) (*models.Offer, error) {
	var o models.Offer
	var takenAt sql.NullTime
	err := row.Scan(&o.ID, &o.UserID, &o.Direction, &o.AmountSats, &o.Status,
		&o.TakenBy, &takenAt, &o.CreatedAt, &o.VisibilityDeadline, &o.Version)
	if err != nil {
		return nil, err
	}
	if takenAt.Valid {
		o.TakenAt = takenAt.Time
	}
	return &o, nil
}

const offerColumns = `id, user_id, direction, amount_sats, status, taken_by, taken_at,
	created_at, visibility_deadline, version`

// GetOffer fetches one offer by ID.
func (d *Database) GetOffer(id int64) (*models.Offer, error) {
	o, err := scanOffer(d.db.QueryRow(
		`SELECT `+offerColumns+` FROM offers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch offer")
	}
	return o, nil
}

// SaveOffer writes the offer back, guarded by its version. The in-memory
// version is bumped on success.
func (d *Database) SaveOffer(o *models.Offer) error {
	var takenAt any
	if !o.TakenAt.IsZero() {
		takenAt = o.TakenAt
	}
	res, err := d.db.Exec(
		`UPDATE offers SET status = ?, taken_by = ?, taken_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		o.Status, o.TakenBy, takenAt, o.ID, o.Version)
	if err != nil {
		return errors.Wrap(err, "failed to save offer")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check offer save")
	}
	if n == 0 {
		return ErrStale
	}
	o.Version++
	return nil
}

// OffersByUser returns all offers created by a user, newest first.
func (d *Database) OffersByUser(userID int64) ([]*models.Offer, error) {
	rows, err := d.db.Query(
		`SELECT `+offerColumns+` FROM offers WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch offers")
	}
	defer rows.Close()
	return collectOffers(rows)
}

// ActiveOffers returns channel-visible offers, oldest first.
func (d *Database) ActiveOffers() ([]*models.Offer, error) {
	rows, err := d.db.Query(
		`SELECT `+offerColumns+` FROM offers WHERE status = ? ORDER BY created_at ASC`,
		models.OfferActive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch active offers")
	}
	defer rows.Close()
	return collectOffers(rows)
}

// OffersPastVisibility returns active or taken offers whose visibility
// deadline has passed.
func (d *Database) OffersPastVisibility(now time.Time) ([]*models.Offer, error) {
	rows, err := d.db.Query(
		`SELECT `+offerColumns+` FROM offers
		 WHERE status IN (?, ?) AND visibility_deadline <= ?`,
		models.OfferActive, models.OfferTaken, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch expired offers")
	}
	defer rows.Close()
	return collectOffers(rows)
}

func collectOffers(rows *sql.Rows) ([]*models.Offer, error) {
	var offers []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan offer")
		}
		offers = append(offers, o)
	}
	return offers, errors.Wrap(rows.Err(), "offer rows")
}

// --- deals ---

const dealColumns = `id, offer_id, seller_id, buyer_id, amount_sats, status,
	stage_entered_at, stage_deadline, timeout_reason, deposit_address, bitcoin_txid,
	confirmations, lightning_invoice, payment_hash, privacy, wrapped_invoice,
	relay_attempts, relay_next_at, relay_deadline, seller_address, batch_id,
	payout_ref, created_at, completed_at, version`

// CreateDeal inserts a new pending deal and returns its ID.
func (d *Database) CreateDeal(deal *models.Deal) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO deals (offer_id, seller_id, buyer_id, amount_sats, status,
		   stage_entered_at, stage_deadline, deposit_address, created_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		deal.OfferID, deal.SellerID, deal.BuyerID, deal.AmountSats, deal.Status,
		deal.StageEnteredAt, deal.StageDeadline, deal.DepositAddress, deal.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create deal")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read deal id")
	}
	deal.ID = id
	deal.Version = 1
	return id, nil
}

func scanDeal(row interface{ Scan(...any) error }) (*models.Deal, error) {
	var deal models.Deal
	var relayNext, relayDeadline, completedAt sql.NullTime
	err := row.Scan(&deal.ID, &deal.OfferID, &deal.SellerID, &deal.BuyerID,
		&deal.AmountSats, &deal.Status, &deal.StageEnteredAt, &deal.StageDeadline,
		&deal.TimeoutReason, &deal.DepositAddress, &deal.BitcoinTxid,
		&deal.Confirmations, &deal.LightningInvoice, &deal.PaymentHash,
		&deal.Privacy, &deal.WrappedInvoice, &deal.RelayAttempts,
		&relayNext, &relayDeadline, &deal.SellerAddress, &deal.BatchID,
		&deal.PayoutRef, &deal.CreatedAt, &completedAt, &deal.Version)
	if err != nil {
		return nil, err
	}
	if relayNext.Valid {
		deal.RelayNextAt = relayNext.Time
	}
	if relayDeadline.Valid {
		deal.RelayDeadline = relayDeadline.Time
	}
	if completedAt.Valid {
		deal.CompletedAt = completedAt.Time
	}
	return &deal, nil
}

// GetDeal fetches one deal by ID.
func (d *Database) GetDeal(id int64) (*models.Deal, error) {
	deal, err := scanDeal(d.db.QueryRow(
		`SELECT `+dealColumns+` FROM deals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch deal")
	}
	return deal, nil
}

// SaveDeal writes the deal back, guarded by its version. ErrStale means a
// concurrent writer won; the caller must reload before retrying.
func (d *Database) SaveDeal(deal *models.Deal) error {
	var relayNext, relayDeadline, completedAt any
	if !deal.RelayNextAt.IsZero() {
		relayNext = deal.RelayNextAt
	}
	if !deal.RelayDeadline.IsZero() {
		relayDeadline = deal.RelayDeadline
	}
	if !deal.CompletedAt.IsZero() {
		completedAt = deal.CompletedAt
	}
	res, err := d.db.Exec(
		`UPDATE deals SET status = ?, stage_entered_at = ?, stage_deadline = ?,
		   timeout_reason = ?, deposit_address = ?, bitcoin_txid = ?, confirmations = ?,
		   lightning_invoice = ?, payment_hash = ?, privacy = ?, wrapped_invoice = ?,
		   relay_attempts = ?, relay_next_at = ?, relay_deadline = ?, seller_address = ?,
		   batch_id = ?, payout_ref = ?, completed_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		deal.Status, deal.StageEnteredAt, deal.StageDeadline,
		deal.TimeoutReason, deal.DepositAddress, deal.BitcoinTxid, deal.Confirmations,
		deal.LightningInvoice, deal.PaymentHash, deal.Privacy, deal.WrappedInvoice,
		deal.RelayAttempts, relayNext, relayDeadline, deal.SellerAddress,
		deal.BatchID, deal.PayoutRef, completedAt,
		deal.ID, deal.Version)
	if err != nil {
		return errors.Wrap(err, "failed to save deal")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check deal save")
	}
	if n == 0 {
		return ErrStale
	}
	deal.Version++
	return nil
}

// DealsByStatus returns all deals in the given statuses, oldest first.
func (d *Database) DealsByStatus(statuses ...models.DealStatus) ([]*models.Deal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + dealColumns + ` FROM deals WHERE status IN (?`
	args := []any{statuses[0]}
	for _, s := range statuses[1:] {
		query += `, ?`
		args = append(args, s)
	}
	query += `) ORDER BY created_at ASC`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch deals by status")
	}
	defer rows.Close()
	return collectDeals(rows)
}

// DealsPastDeadline returns non-terminal deals whose stage deadline has
// passed. The timeout sweep is the only caller.
func (d *Database) DealsPastDeadline(now time.Time) ([]*models.Deal, error) {
	rows, err := d.db.Query(
		`SELECT `+dealColumns+` FROM deals
		 WHERE stage_deadline <= ? AND status NOT IN (?, ?, ?, ?)`,
		now, models.DealCompleted, models.DealCancelled, models.DealExpired, models.DealDisputed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch overdue deals")
	}
	defer rows.Close()
	return collectDeals(rows)
}

// ActiveDealForBuyer returns the buyer's single deal in one of the given
// statuses, or nil. Command handlers use it to locate the deal a
// /txid-style submission refers to.
func (d *Database) ActiveDealForBuyer(buyerID int64, statuses ...models.DealStatus) (*models.Deal, error) {
	deals, err := d.DealsByStatus(statuses...)
	if err != nil {
		return nil, err
	}
	for _, deal := range deals {
		if deal.BuyerID == buyerID {
			return deal, nil
		}
	}
	return nil, nil
}

// ActiveDealForSeller is the seller-side counterpart of ActiveDealForBuyer.
func (d *Database) ActiveDealForSeller(sellerID int64, statuses ...models.DealStatus) (*models.Deal, error) {
	deals, err := d.DealsByStatus(statuses...)
	if err != nil {
		return nil, err
	}
	for _, deal := range deals {
		if deal.SellerID == sellerID {
			return deal, nil
		}
	}
	return nil, nil
}

// DealsForUser returns every deal the user participates in, oldest first.
func (d *Database) DealsForUser(userID int64) ([]*models.Deal, error) {
	rows, err := d.db.Query(
		`SELECT `+dealColumns+` FROM deals
		 WHERE seller_id = ? OR buyer_id = ? ORDER BY created_at ASC`, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch user deals")
	}
	defer rows.Close()
	return collectDeals(rows)
}

// NonTerminalDealForOffer returns the live deal referencing an offer, if
// any. At most one exists at a time.
func (d *Database) NonTerminalDealForOffer(offerID int64) (*models.Deal, error) {
	deal, err := scanDeal(d.db.QueryRow(
		`SELECT `+dealColumns+` FROM deals
		 WHERE offer_id = ? AND status NOT IN (?, ?, ?, ?) LIMIT 1`,
		offerID, models.DealCompleted, models.DealCancelled, models.DealExpired, models.DealDisputed))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch deal for offer")
	}
	return deal, nil
}

func collectDeals(rows *sql.Rows) ([]*models.Deal, error) {
	var deals []*models.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan deal")
		}
		deals = append(deals, deal)
	}
	return deals, errors.Wrap(rows.Err(), "deal rows")
}

// --- batches ---

// CreateBatch records a new pending batch and stamps its members in one
// transaction, so a member cannot be claimed by two batches.
func (d *Database) CreateBatch(batch *models.Batch, memberIDs []int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin batch tx")
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO batches (id, status, created_at) VALUES (?, ?, ?)`,
		batch.ID, batch.Status, batch.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert batch")
	}
	for _, id := range memberIDs {
		res, err := tx.Exec(
			`UPDATE deals SET batch_id = ?, version = version + 1
			 WHERE id = ? AND status = ? AND batch_id = ''`,
			batch.ID, id, models.DealReadyForBatch)
		if err != nil {
			return errors.Wrap(err, "failed to stamp batch member")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to check batch member")
		}
		if n == 0 {
			return ErrStale
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit batch")
}

// PendingBatch returns the oldest unsent batch, or nil.
func (d *Database) PendingBatch() (*models.Batch, error) {
	row := d.db.QueryRow(
		`SELECT id, status, created_at, sent_at, payout_ref FROM batches
		 WHERE status = ? ORDER BY created_at ASC LIMIT 1`, models.BatchPending)
	var b models.Batch
	var sentAt sql.NullTime
	err := row.Scan(&b.ID, &b.Status, &b.CreatedAt, &sentAt, &b.PayoutRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch pending batch")
	}
	if sentAt.Valid {
		b.SentAt = sentAt.Time
	}
	return &b, nil
}

// BatchMembers returns the deals stamped with the given batch id.
func (d *Database) BatchMembers(batchID string) ([]*models.Deal, error) {
	rows, err := d.db.Query(
		`SELECT `+dealColumns+` FROM deals WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch batch members")
	}
	defer rows.Close()
	return collectDeals(rows)
}

// CompleteBatch marks the batch sent and every member completed in one
// transaction: after it commits either all members are completed with
// their payout reference, or none are.
func (d *Database) CompleteBatch(batchID, payoutRef string, now time.Time) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin complete tx")
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE batches SET status = ?, sent_at = ?, payout_ref = ?
		 WHERE id = ? AND status = ?`,
		models.BatchSent, now, payoutRef, batchID, models.BatchPending)
	if err != nil {
		return errors.Wrap(err, "failed to mark batch sent")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check batch update")
	}
	if n == 0 {
		return ErrStale
	}

	_, err = tx.Exec(
		`UPDATE deals SET status = ?, payout_ref = ?, completed_at = ?,
		   version = version + 1
		 WHERE batch_id = ? AND status = ?`,
		models.DealCompleted, payoutRef, now, batchID, models.DealReadyForBatch)
	if err != nil {
		return errors.Wrap(err, "failed to complete batch members")
	}
	return errors.Wrap(tx.Commit(), "failed to commit batch completion")
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}
