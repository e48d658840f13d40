package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"wxbot/internal/domain"
)

// SQLiteStore implements domain.CreditLedger using SQLite.
type SQLiteStore struct {
	db             *sql.DB
	defaultBalance int64
	logger         *slog.Logger
}

// NewSQLiteStore opens (creating if necessary) the credit database at
// dbPath. Users seen for the first time start with defaultBalance.
func NewSQLiteStore(dbPath string, defaultBalance int64, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, defaultBalance: defaultBalance, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		user_id     TEXT PRIMARY KEY,
		balance     INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS whitelist (
		user_id   TEXT PRIMARY KEY,
		added_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS usage_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		plugin      TEXT NOT NULL,
		delta       INTEGER NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_log(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ensure seeds a user with the starting balance on first sight.
func (s *SQLiteStore) ensure(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO balances (user_id, balance) VALUES (?, ?)`,
		userID, s.defaultBalance,
	)
	return err
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	if err := s.ensure(ctx, userID); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID,
	).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Deduct removes amount from the user's balance. The update is guarded
// so the balance never drops below zero; a guarded miss returns
// domain.InsufficientCreditError.
func (s *SQLiteStore) Deduct(ctx context.Context, userID string, amount int64, plugin string) error {
	if amount <= 0 {
		return nil
	}
	if err := s.ensure(ctx, userID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE balances SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND balance >= ?`,
		amount, userID, amount,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		balance, err := s.Balance(ctx, userID)
		if err != nil {
			return err
		}
		return &domain.InsufficientCreditError{UserID: userID, Balance: balance, Price: amount}
	}

	s.logUsage(ctx, userID, plugin, -amount)
	return nil
}

func (s *SQLiteStore) Add(ctx context.Context, userID string, amount int64, plugin string) error {
	if amount <= 0 {
		return nil
	}
	if err := s.ensure(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE balances SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`,
		amount, userID,
	)
	if err != nil {
		return err
	}
	s.logUsage(ctx, userID, plugin, amount)
	return nil
}

// logUsage is best effort; a failed log line never fails the credit move.
func (s *SQLiteStore) logUsage(ctx context.Context, userID, plugin string, delta int64) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (user_id, plugin, delta) VALUES (?, ?, ?)`,
		userID, plugin, delta,
	)
	if err != nil {
		s.logger.Warn("failed to record credit usage", "user", userID, "plugin", plugin, "err", err)
	}
}

func (s *SQLiteStore) IsExempt(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM whitelist WHERE user_id = ?`, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) AddExempt(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO whitelist (user_id) VALUES (?)`, userID,
	)
	return err
}

func (s *SQLiteStore) RemoveExempt(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM whitelist WHERE user_id = ?`, userID,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
