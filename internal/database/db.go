package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Orders table. exchange_order_id is unique per symbol for root
		// orders only; child increment rows carry the root's exchange id
		// and reference the root via parent_order_id.
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			exchange_order_id BIGINT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			filled_quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
			avg_fill_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			parent_order_id BIGINT REFERENCES orders(id),
			fill_time TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_exchange_id
			ON orders(symbol, exchange_order_id) WHERE parent_order_id IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id)`,

		// Trade pairs: one row per BUY fill increment, never aggregated.
		`CREATE TABLE IF NOT EXISTS trade_pairs (
			id BIGSERIAL PRIMARY KEY,
			buy_order_id BIGINT NOT NULL REFERENCES orders(id),
			sell_order_id BIGINT REFERENCES orders(id),
			sell_client_order_id VARCHAR(64),
			root_buy_order_id BIGINT NOT NULL REFERENCES orders(id),
			target_sell_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_pairs_buy_order ON trade_pairs(buy_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_pairs_status ON trade_pairs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_pairs_sell_order ON trade_pairs(sell_order_id)`,

		// Singleton bookkeeping row.
		`CREATE TABLE IF NOT EXISTS system_state (
			id BIGINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			status VARCHAR(20) NOT NULL DEFAULT 'INITIALIZING',
			feed_status VARCHAR(40) NOT NULL DEFAULT 'DISCONNECTED',
			last_error TEXT,
			last_processed_time TIMESTAMP,
			last_reconciliation_time TIMESTAMP,
			reconnection_attempts INT NOT NULL DEFAULT 0,
			open_order_count INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Reconciliation discrepancies are recorded, never auto-resolved.
		`CREATE TABLE IF NOT EXISTS reconciliation_warnings (
			id BIGSERIAL PRIMARY KEY,
			exchange_order_id BIGINT,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
