// Package store persists mirrored accounts, their remote followers and the
// sync watermarks in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"birdbridge/internal/model"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrAccountExists  = errors.New("store: account already exists")
	ErrWatermarkOrder = errors.New("store: last delivered post is ahead of last seen post")
)

// DB wraps the bridge's SQLite database.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		d.SetMaxOpenConns(1)
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS accounts (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  handle TEXT NOT NULL UNIQUE,
	  external_id TEXT NOT NULL DEFAULT '',
	  last_seen_post_id INTEGER NOT NULL DEFAULT 0,
	  last_delivered_post_id INTEGER NOT NULL DEFAULT 0,
	  last_sync INTEGER,
	  error_count INTEGER NOT NULL DEFAULT 0,
	  private_key TEXT NOT NULL,
	  created_at INTEGER NOT NULL,
	  CHECK (last_delivered_post_id <= last_seen_post_id)
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_last_sync ON accounts(last_sync);
	CREATE TABLE IF NOT EXISTS followers (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  actor_uri TEXT NOT NULL UNIQUE,
	  inbox TEXT NOT NULL,
	  shared_inbox TEXT NOT NULL DEFAULT '',
	  host TEXT NOT NULL,
	  gone_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS followings (
	  follower_id INTEGER NOT NULL,
	  account_id INTEGER NOT NULL,
	  created_at INTEGER NOT NULL,
	  PRIMARY KEY (follower_id, account_id)
	);
	CREATE INDEX IF NOT EXISTS idx_followings_account ON followings(account_id);
	`)
	return err
}

const accountCols = `id, handle, external_id, last_seen_post_id, last_delivered_post_id, last_sync, error_count, private_key`

type scanner interface{ Scan(dest ...any) error }

func scanAccount(s scanner) (model.Account, error) {
	var a model.Account
	var lastSync sql.NullInt64
	if err := s.Scan(&a.ID, &a.Handle, &a.ExternalID, &a.LastSeenPostID, &a.LastDeliveredPostID, &lastSync, &a.ErrorCount, &a.PrivateKey); err != nil {
		return a, err
	}
	if lastSync.Valid {
		a.LastSync = time.UnixMilli(lastSync.Int64).UTC()
	}
	return a, nil
}

// idList encodes ids for a json_each() parameter.
func idList(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// CreateAccount registers handle with its JSON private key blob.
func (d *DB) CreateAccount(ctx context.Context, handle, privateKey string) (model.Account, error) {
	handle = model.NormalizeHandle(handle)
	if handle == "" {
		return model.Account{}, errors.New("store: empty handle")
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO accounts(handle, private_key, created_at) VALUES(?,?,?)`,
		handle, privateKey, time.Now().UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.Account{}, fmt.Errorf("%w: %s", ErrAccountExists, handle)
		}
		return model.Account{}, err
	}
	return d.GetAccount(ctx, handle)
}

func (d *DB) GetAccount(ctx context.Context, handle string) (model.Account, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE handle=?`, model.NormalizeHandle(handle))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("%w: account %s", ErrNotFound, model.NormalizeHandle(handle))
	}
	return a, err
}

// DeleteAccount removes the account and its followings. Followers left
// without any following are removed too.
func (d *DB) DeleteAccount(ctx context.Context, handle string) error {
	a, err := d.GetAccount(ctx, handle)
	if err != nil {
		return err
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM followings WHERE account_id=?`, a.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, a.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM followers WHERE id NOT IN (SELECT follower_id FROM followings)`); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAccountsBySyncAge returns up to limit followed accounts, never-synced
// first then oldest sync first, skipping the ids in exclude.
func (d *DB) ListAccountsBySyncAge(ctx context.Context, limit int, exclude []int64) ([]model.Account, error) {
	rows, err := d.sql.QueryContext(ctx, `
	SELECT `+accountCols+` FROM accounts a
	WHERE EXISTS (
	  SELECT 1 FROM followings f JOIN followers r ON r.id = f.follower_id
	  WHERE f.account_id = a.id AND r.gone_at IS NULL
	)
	AND a.id NOT IN (SELECT value FROM json_each(?))
	ORDER BY a.last_sync ASC NULLS FIRST, a.id ASC
	LIMIT ?`, idList(exclude), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *DB) UpdateAccountExternalID(ctx context.Context, accountID int64, externalID string) error {
	if externalID == "" {
		return errors.New("store: empty external id")
	}
	res, err := d.sql.ExecContext(ctx, `UPDATE accounts SET external_id=? WHERE id=?`, externalID, accountID)
	if err != nil {
		return err
	}
	return affected(res, "account")
}

// UpdateAccountProgress writes the outcome of one sync pass. Watermarks never
// move backwards.
func (d *DB) UpdateAccountProgress(ctx context.Context, accountID, lastSeen, lastDelivered int64, errorCount int, syncedAt time.Time) error {
	if lastDelivered > lastSeen {
		return fmt.Errorf("%w: %d > %d", ErrWatermarkOrder, lastDelivered, lastSeen)
	}
	if syncedAt.IsZero() {
		return errors.New("store: zero sync time")
	}
	if errorCount < 0 {
		errorCount = 0
	}
	res, err := d.sql.ExecContext(ctx, `
	UPDATE accounts SET
	  last_seen_post_id = MAX(last_seen_post_id, ?),
	  last_delivered_post_id = MAX(last_delivered_post_id, ?),
	  error_count = ?,
	  last_sync = ?
	WHERE id = ?`, lastSeen, lastDelivered, errorCount, syncedAt.UnixMilli(), accountID)
	if err != nil {
		return err
	}
	return affected(res, "account")
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}

// AddFollower records that sub follows handle. Re-following clears a
// previous gone flag and refreshes the inbox addresses.
func (d *DB) AddFollower(ctx context.Context, handle string, sub model.Subscriber) (model.Subscriber, error) {
	a, err := d.GetAccount(ctx, handle)
	if err != nil {
		return sub, err
	}
	if sub.ActorURI == "" || sub.Inbox == "" {
		return sub, errors.New("store: follower needs actor and inbox")
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return sub, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO followers(actor_uri, inbox, shared_inbox, host) VALUES(?,?,?,?)
	ON CONFLICT(actor_uri) DO UPDATE SET
	  inbox=excluded.inbox, shared_inbox=excluded.shared_inbox, host=excluded.host, gone_at=NULL`,
		sub.ActorURI, sub.Inbox, sub.SharedInbox, sub.Host); err != nil {
		return sub, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT id FROM followers WHERE actor_uri=?`, sub.ActorURI).Scan(&sub.ID); err != nil {
		return sub, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO followings(follower_id, account_id, created_at) VALUES(?,?,?)`,
		sub.ID, a.ID, time.Now().UnixMilli()); err != nil {
		return sub, err
	}
	return sub, tx.Commit()
}

// RemoveFollower drops the following; the follower goes with its last one.
func (d *DB) RemoveFollower(ctx context.Context, handle, actorURI string) error {
	a, err := d.GetAccount(ctx, handle)
	if err != nil {
		return err
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `
	DELETE FROM followings WHERE account_id=? AND follower_id=(SELECT id FROM followers WHERE actor_uri=?)`, a.ID, actorURI)
	if err != nil {
		return err
	}
	if err := affected(res, "following"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
	DELETE FROM followers WHERE actor_uri=? AND id NOT IN (SELECT follower_id FROM followings)`, actorURI); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSubscribers returns the followers of accountID not flagged gone.
func (d *DB) ListSubscribers(ctx context.Context, accountID int64) ([]model.Subscriber, error) {
	rows, err := d.sql.QueryContext(ctx, `
	SELECT r.id, r.actor_uri, r.inbox, r.shared_inbox, r.host
	FROM followers r JOIN followings f ON f.follower_id = r.id
	WHERE f.account_id = ? AND r.gone_at IS NULL
	ORDER BY r.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscriber
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.ID, &s.ActorURI, &s.Inbox, &s.SharedInbox, &s.Host); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkSubscribersGone flags followers whose inbox no longer exists. They stay
// out of delivery until they follow again.
func (d *DB) MarkSubscribersGone(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.sql.ExecContext(ctx, `
	UPDATE followers SET gone_at=? WHERE gone_at IS NULL AND id IN (SELECT value FROM json_each(?))`,
		at.UnixMilli(), idList(ids))
	return err
}

func (d *DB) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

// CountFailingAccounts counts accounts whose last fetch failed.
func (d *DB) CountFailingAccounts(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE error_count > 0`).Scan(&n)
	return n, err
}

// SyncLag is how long ago the stalest followed account was synced. Accounts
// never synced yet are not counted.
func (d *DB) SyncLag(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest sql.NullInt64
	err := d.sql.QueryRowContext(ctx, `
	SELECT MIN(a.last_sync) FROM accounts a
	WHERE a.last_sync IS NOT NULL AND EXISTS (SELECT 1 FROM followings f WHERE f.account_id = a.id)`).Scan(&oldest)
	if err != nil || !oldest.Valid {
		return 0, err
	}
	lag := now.Sub(time.UnixMilli(oldest.Int64))
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}
