package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

// Repository implements the ports.Ledger interface using SQLite.
// The connection pool is limited to a single connection and transactions
// start in immediate mode, so balance-mutating units of work serialize at
// the store: two concurrent sufficiency checks can never both pass against
// the same stale balance.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance and initializes
// the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/brokerage.db"
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}

	// WAL for concurrent readers, immediate transactions so writers take
	// the lock up front instead of failing at commit.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Ledger store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist. Decimal values are
// stored as TEXT and parsed with shopspring/decimal on scan, so no binary
// floating point touches a balance.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		user_id INTEGER NOT NULL,
		asset TEXT NOT NULL,
		available TEXT NOT NULL DEFAULT '0',
		reserved TEXT NOT NULL DEFAULT '0',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, asset)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		asset TEXT DEFAULT NULL,
		quantity TEXT DEFAULT NULL,
		price_per_unit TEXT DEFAULT NULL,
		total_amount TEXT DEFAULT NULL,
		fiat_amount TEXT DEFAULT NULL,
		fiat_currency TEXT DEFAULT NULL,
		fee TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		order_type TEXT NOT NULL,
		side TEXT NOT NULL,
		asset TEXT NOT NULL,
		quantity TEXT NOT NULL,
		limit_price TEXT DEFAULT NULL,
		stop_price TEXT DEFAULT NULL,
		filled_quantity TEXT NOT NULL DEFAULT '0',
		avg_filled_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		time_in_force TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		filled_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS portfolios (
		user_id INTEGER NOT NULL,
		asset TEXT NOT NULL,
		total_quantity TEXT NOT NULL DEFAULT '0',
		avg_buy_price TEXT NOT NULL DEFAULT '0',
		total_invested TEXT NOT NULL DEFAULT '0',
		current_value TEXT NOT NULL DEFAULT '0',
		profit_loss TEXT NOT NULL DEFAULT '0',
		profit_loss_pct TEXT NOT NULL DEFAULT '0',
		allocation_pct TEXT NOT NULL DEFAULT '0',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, asset)
	);

	CREATE TABLE IF NOT EXISTS cryptocurrencies (
		symbol TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		current_price TEXT NOT NULL DEFAULT '0',
		change_24h TEXT NOT NULL DEFAULT '0',
		change_pct_24h TEXT NOT NULL DEFAULT '0',
		market_cap TEXT NOT NULL DEFAULT '0',
		volume_24h TEXT NOT NULL DEFAULT '0',
		circulating_supply TEXT NOT NULL DEFAULT '0',
		max_supply TEXT NOT NULL DEFAULT '0',
		rank INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS price_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		price TEXT NOT NULL,
		volume TEXT NOT NULL DEFAULT '0',
		market_cap TEXT NOT NULL DEFAULT '0',
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_asset ON transactions (user_id, asset, status);
	CREATE INDEX IF NOT EXISTS idx_orders_status_type ON orders (status, order_type);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_price_history_symbol_time ON price_history (symbol, recorded_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// InTx runs fn inside one immediate-mode transaction, rolling back on any
// error. Errors from fn are returned as-is; begin/commit failures are
// wrapped with ports.ErrPersistence.
func (r *Repository) InTx(ctx context.Context, fn func(tx ports.LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ports.ErrPersistence, err)
	}

	ltx := &ledgerTx{tx: tx, logger: r.logger}
	if err := fn(ltx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error(ctx, rbErr, "Rollback failed after unit-of-work error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w: %w", ports.ErrPersistence, err)
	}
	return nil
}

// CreateUser saves a new user and seeds a zero balance row per supported
// asset in the same transaction.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) (int64, error) {
	err := r.InTx(ctx, func(tx ports.LedgerTx) error {
		ltx := tx.(*ledgerTx)
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now().UTC()
		}
		res, err := ltx.tx.ExecContext(ctx,
			`INSERT INTO users (username, email, is_active, is_blocked, created_at) VALUES (?, ?, ?, ?, ?)`,
			user.Username, user.Email, user.IsActive, user.IsBlocked, user.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert user %s: %w", user.Username, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID for user %s: %w", user.Username, err)
		}
		user.ID = id
		for _, asset := range domain.SupportedAssets {
			if _, err := ltx.GetBalance(ctx, id, asset); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug(ctx, "User created", map[string]interface{}{"userID": user.ID, "username": user.Username})
	return user.ID, nil
}
