package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			lifetime_analyses_used INTEGER NOT NULL DEFAULT 0,
			preferred_locale TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS account_usage_archive (
			email TEXT PRIMARY KEY,
			lifetime_analyses_used INTEGER NOT NULL DEFAULT 0,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			account_id TEXT UNIQUE NOT NULL,
			plan TEXT NOT NULL,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			current_period_start TIMESTAMPTZ NOT NULL,
			current_period_end TIMESTAMPTZ NOT NULL,
			analyses_used_this_cycle INTEGER NOT NULL DEFAULT 0,
			addon_analyses_remaining INTEGER NOT NULL DEFAULT 0,
			addon_packs_this_cycle INTEGER NOT NULL DEFAULT 0,
			cancel_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_sub ON subscriptions(stripe_subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_cust ON subscriptions(stripe_customer_id)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			plan TEXT NOT NULL,
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'usd',
			analyses_granted INTEGER NOT NULL DEFAULT 0,
			analyses_used INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			status TEXT NOT NULL DEFAULT 'succeeded',
			stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_account ON purchases(account_id)`,
		`CREATE TABLE IF NOT EXISTS payment_records (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'usd',
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			stripe_invoice_id TEXT NOT NULL DEFAULT '',
			stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
			stripe_charge_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			receipt_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_records_intent
			ON payment_records(stripe_payment_intent_id, status) WHERE stripe_payment_intent_id <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_records_invoice
			ON payment_records(stripe_invoice_id, status) WHERE stripe_invoice_id <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_records_charge
			ON payment_records(stripe_charge_id, status) WHERE stripe_charge_id <> ''`,
		`CREATE TABLE IF NOT EXISTS pending_results (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_results_account ON pending_results(account_id)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_account ON analyses(account_id)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			rating INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) EnsureAccount(ctx context.Context, a *Account) error {
	var archived int
	err := s.db.QueryRowContext(ctx,
		`SELECT lifetime_analyses_used FROM account_usage_archive WHERE email = $1`, a.Email).
		Scan(&archived)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check usage archive: %w", err)
	}
	if archived > a.LifetimeAnalysesUsed {
		a.LifetimeAnalysesUsed = archived
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, is_admin, lifetime_analyses_used, preferred_locale, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET email = EXCLUDED.email, is_admin = EXCLUDED.is_admin`,
		a.ID, a.Email, a.PasswordHash, a.IsAdmin, a.LifetimeAnalysesUsed, a.PreferredLocale, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.getAccountWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.getAccountWhere(ctx, "email = $1", email)
}

func (s *PostgresStore) getAccountWhere(ctx context.Context, where string, arg any) (*Account, error) {
	a := &Account{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, is_admin, lifetime_analyses_used, preferred_locale, created_at
		 FROM accounts WHERE `+where, arg).
		Scan(&a.ID, &a.Email, &a.PasswordHash, &a.IsAdmin, &a.LifetimeAnalysesUsed, &a.PreferredLocale, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, is_admin, lifetime_analyses_used, preferred_locale, created_at
		 FROM accounts ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Email, &a.IsAdmin, &a.LifetimeAnalysesUsed, &a.PreferredLocale, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) SetPreferredLocale(ctx context.Context, id, locale string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET preferred_locale = $1 WHERE id = $2`, locale, id)
	if err != nil {
		return fmt.Errorf("set preferred locale: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementLifetimeUsed(ctx context.Context, id string, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET lifetime_analyses_used = lifetime_analyses_used + 1
		 WHERE id = $1 AND lifetime_analyses_used < $2`, id, limit)
	if err != nil {
		return false, fmt.Errorf("increment lifetime used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete account: %w", err)
	}
	defer tx.Rollback()

	var email string
	var used int
	err = tx.QueryRowContext(ctx,
		`SELECT email, lifetime_analyses_used FROM accounts WHERE id = $1`, id).Scan(&email, &used)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account for delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_usage_archive (email, lifetime_analyses_used, archived_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT(email) DO UPDATE SET
		   lifetime_analyses_used = GREATEST(account_usage_archive.lifetime_analyses_used, EXCLUDED.lifetime_analyses_used),
		   archived_at = EXCLUDED.archived_at`,
		email, used, time.Now()); err != nil {
		return fmt.Errorf("archive usage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_results WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("delete pending results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	return tx.Commit()
}

// --- Subscriptions ---

func (s *PostgresStore) getSubscriptionWhere(ctx context.Context, where string, arg any) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, arg)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, accountID string) (*Subscription, error) {
	return s.getSubscriptionWhere(ctx, `account_id = $1`, accountID)
}

func (s *PostgresStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error) {
	if stripeSubID == "" {
		return nil, nil
	}
	return s.getSubscriptionWhere(ctx, `stripe_subscription_id = $1`, stripeSubID)
}

func (s *PostgresStore) GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	if customerID == "" {
		return nil, nil
	}
	return s.getSubscriptionWhere(ctx, `stripe_customer_id = $1`, customerID)
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	var cancelAt sql.NullTime
	if sub.CancelAt != nil {
		cancelAt = sql.NullTime{Time: *sub.CancelAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, account_id, plan, stripe_customer_id, stripe_subscription_id,
			status, current_period_start, current_period_end, analyses_used_this_cycle,
			addon_analyses_remaining, addon_packs_this_cycle, cancel_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT(account_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			analyses_used_this_cycle = EXCLUDED.analyses_used_this_cycle,
			addon_analyses_remaining = EXCLUDED.addon_analyses_remaining,
			addon_packs_this_cycle = EXCLUDED.addon_packs_this_cycle,
			cancel_at = EXCLUDED.cancel_at,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.AccountID, sub.Plan, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.AnalysesUsedThisCycle,
		sub.AddonAnalysesRemaining, sub.AddonPacksThisCycle, cancelAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, stripeSubID, status string, cancelAt *time.Time) error {
	var nt sql.NullTime
	if cancelAt != nil {
		nt = sql.NullTime{Time: *cancelAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $1, cancel_at = $2, updated_at = $3
		 WHERE stripe_subscription_id = $4`,
		status, nt, time.Now(), stripeSubID)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetCycle(ctx context.Context, stripeSubID string, start, end *time.Time) error {
	now := time.Now()
	var err error
	if start != nil && end != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET
				analyses_used_this_cycle = 0,
				addon_analyses_remaining = 0,
				addon_packs_this_cycle = 0,
				status = $1,
				current_period_start = $2,
				current_period_end = $3,
				updated_at = $4
			 WHERE stripe_subscription_id = $5`,
			StatusActive, *start, *end, now, stripeSubID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET
				analyses_used_this_cycle = 0,
				addon_analyses_remaining = 0,
				addon_packs_this_cycle = 0,
				status = $1,
				updated_at = $2
			 WHERE stripe_subscription_id = $3`,
			StatusActive, now, stripeSubID)
	}
	if err != nil {
		return fmt.Errorf("reset cycle: %w", err)
	}
	return nil
}

func (s *PostgresStore) DowngradeToFree(ctx context.Context, stripeSubID, freePlan string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
			plan = $1,
			stripe_subscription_id = '',
			status = $2,
			analyses_used_this_cycle = 0,
			addon_analyses_remaining = 0,
			addon_packs_this_cycle = 0,
			cancel_at = NULL,
			updated_at = $3
		 WHERE stripe_subscription_id = $4`,
		freePlan, StatusCanceled, time.Now(), stripeSubID)
	if err != nil {
		return fmt.Errorf("downgrade subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementCycleUsage(ctx context.Context, accountID string, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET analyses_used_this_cycle = analyses_used_this_cycle + 1, updated_at = $1
		 WHERE account_id = $2 AND analyses_used_this_cycle < $3`,
		time.Now(), accountID, limit)
	if err != nil {
		return false, fmt.Errorf("increment cycle usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ConsumeAddonCredit(ctx context.Context, accountID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET addon_analyses_remaining = addon_analyses_remaining - 1, updated_at = $1
		 WHERE account_id = $2 AND addon_analyses_remaining > 0`,
		time.Now(), accountID)
	if err != nil {
		return false, fmt.Errorf("consume addon credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) AddAddonPack(ctx context.Context, accountID string, credits int) error {
	return pgAddAddonPack(ctx, s.db, accountID, credits)
}

func pgAddAddonPack(ctx context.Context, q execQuerier, accountID string, credits int) error {
	_, err := q.ExecContext(ctx,
		`UPDATE subscriptions SET
			addon_analyses_remaining = addon_analyses_remaining + $1,
			addon_packs_this_cycle = addon_packs_this_cycle + 1,
			updated_at = $2
		 WHERE account_id = $3`,
		credits, time.Now(), accountID)
	if err != nil {
		return fmt.Errorf("add addon pack: %w", err)
	}
	return nil
}

// --- Purchases ---

func (s *PostgresStore) CreatePurchase(ctx context.Context, p *Purchase) error {
	return pgCreatePurchase(ctx, s.db, p)
}

func pgCreatePurchase(ctx context.Context, q execQuerier, p *Purchase) error {
	var expires sql.NullTime
	if p.ExpiresAt != nil {
		expires = sql.NullTime{Time: *p.ExpiresAt, Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO purchases (id, account_id, plan, amount_cents, currency, analyses_granted,
			analyses_used, expires_at, status, stripe_payment_intent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.AccountID, p.Plan, p.AmountCents, p.Currency, p.AnalysesGranted,
		p.AnalysesUsed, expires, p.Status, p.StripePaymentIntentID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpenPurchases(ctx context.Context, accountID string, now time.Time) ([]Purchase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, plan, amount_cents, currency, analyses_granted, analyses_used,
			expires_at, status, stripe_payment_intent_id, created_at
		 FROM purchases
		 WHERE account_id = $1 AND status = $2 AND analyses_used < analyses_granted
			AND (expires_at IS NULL OR expires_at > $3)
		 ORDER BY created_at ASC`,
		accountID, PaymentSucceeded, now)
	if err != nil {
		return nil, fmt.Errorf("list open purchases: %w", err)
	}
	defer rows.Close()

	var purchases []Purchase
	for rows.Next() {
		var p Purchase
		var expires sql.NullTime
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Plan, &p.AmountCents, &p.Currency,
			&p.AnalysesGranted, &p.AnalysesUsed, &expires, &p.Status, &p.StripePaymentIntentID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		if expires.Valid {
			p.ExpiresAt = &expires.Time
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *PostgresStore) ConsumePurchaseCredit(ctx context.Context, purchaseID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET analyses_used = analyses_used + 1
		 WHERE id = $1 AND analyses_used < analyses_granted`, purchaseID)
	if err != nil {
		return false, fmt.Errorf("consume purchase credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Payment records ---

func (s *PostgresStore) InsertPaymentIfNew(ctx context.Context, rec *PaymentRecord) (bool, error) {
	return pgInsertPaymentIfNew(ctx, s.db, rec)
}

func pgInsertPaymentIfNew(ctx context.Context, q execQuerier, rec *PaymentRecord) (bool, error) {
	keys := []struct{ col, val string }{
		{"stripe_payment_intent_id", rec.StripePaymentIntentID},
		{"stripe_invoice_id", rec.StripeInvoiceID},
		{"stripe_charge_id", rec.StripeChargeID},
	}
	for _, k := range keys {
		if k.val == "" {
			continue
		}
		// The status is part of the key: a failed attempt on an invoice must
		// not swallow the record of its eventual success.
		var exists bool
		err := q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_records WHERE `+k.col+` = $1 AND status = $2)`,
			k.val, rec.Status).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check payment record: %w", err)
		}
		if exists {
			return false, nil
		}
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO payment_records (id, account_id, amount_cents, currency, status,
			description, stripe_invoice_id, stripe_payment_intent_id, stripe_charge_id,
			failure_reason, receipt_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT DO NOTHING`,
		rec.ID, rec.AccountID, rec.AmountCents, rec.Currency, rec.Status,
		rec.Description, rec.StripeInvoiceID, rec.StripePaymentIntentID, rec.StripeChargeID,
		rec.FailureReason, rec.ReceiptURL, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) RecordOneTimePurchase(ctx context.Context, rec *PaymentRecord, p *Purchase, addonCredits int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin one-time purchase: %w", err)
	}
	defer tx.Rollback()

	inserted, err := pgInsertPaymentIfNew(ctx, tx, rec)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if err := pgCreatePurchase(ctx, tx, p); err != nil {
		return false, err
	}
	if addonCredits > 0 {
		if err := pgAddAddonPack(ctx, tx, p.AccountID, addonCredits); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *PostgresStore) ListPayments(ctx context.Context, accountID string, limit int) ([]PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount_cents, currency, status, description, stripe_invoice_id,
			stripe_payment_intent_id, stripe_charge_id, failure_reason, receipt_url, created_at
		 FROM payment_records WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var records []PaymentRecord
	for rows.Next() {
		var r PaymentRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.AmountCents, &r.Currency, &r.Status,
			&r.Description, &r.StripeInvoiceID, &r.StripePaymentIntentID, &r.StripeChargeID,
			&r.FailureReason, &r.ReceiptURL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Pending results ---

func (s *PostgresStore) CreatePendingResult(ctx context.Context, p *PendingResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_results (id, token, account_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Token, p.AccountID, string(p.Payload), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create pending result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimPendingResult(ctx context.Context, accountID, token string) (*PendingResult, error) {
	var row *sql.Row
	if token != "" {
		row = s.db.QueryRowContext(ctx,
			`DELETE FROM pending_results
			 WHERE token = $1 AND (account_id = '' OR account_id = $2)
			 RETURNING id, token, account_id, payload, created_at`,
			token, accountID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`DELETE FROM pending_results
			 WHERE id = (SELECT id FROM pending_results WHERE account_id = $1
				ORDER BY created_at DESC LIMIT 1)
			 RETURNING id, token, account_id, payload, created_at`,
			accountID)
	}

	p := &PendingResult{}
	var payload string
	err := row.Scan(&p.ID, &p.Token, &p.AccountID, &payload, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending result: %w", err)
	}
	p.Payload = []byte(payload)
	return p, nil
}

func (s *PostgresStore) PurgeExpiredPendingResults(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_results WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge pending results: %w", err)
	}
	return res.RowsAffected()
}

// --- Analyses ---

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *Analysis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, account_id, score, payload, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.AccountID, a.Score, string(a.Payload), a.Source, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, accountID string, limit, offset int) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, score, payload, source, created_at
		 FROM analyses WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []Analysis
	for rows.Next() {
		var a Analysis
		var payload string
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Score, &payload, &a.Source, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		a.Payload = []byte(payload)
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

// --- Leads and feedback ---

func (s *PostgresStore) CreateLead(ctx context.Context, l *Lead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, email, source, created_at) VALUES ($1, $2, $3, $4)`,
		l.ID, l.Email, l.Source, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, limit, offset int) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, source, created_at FROM leads
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.ID, &l.Email, &l.Source, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

func (s *PostgresStore) CreateFeedback(ctx context.Context, f *Feedback) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, account_id, rating, message, created_at) VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.AccountID, f.Rating, f.Message, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, limit, offset int) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, rating, message, created_at FROM feedback
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var items []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.AccountID, &f.Rating, &f.Message, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, account_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.Action, event.AccountID, detail, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("log audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, account_id, detail, created_at FROM audit_events
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.AccountID, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Detail = []byte(detail)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
