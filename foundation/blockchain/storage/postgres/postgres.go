// Package postgres implements the node storage on PostgreSQL. Every method is
// a single statement or a short transaction scoped to one operation.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config is the required properties to use the database.
type Config struct {
	User         string
	Password     string
	Host         string
	Name         string
	MaxIdleConns int
	MaxOpenConns int
	DisableTLS   bool
}

// Open knows how to open a database connection based on the configuration.
func Open(cfg Config) (*sqlx.DB, error) {
	sslMode := "require"
	if cfg.DisableTLS {
		sslMode = "disable"
	}

	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host,
		Path:     cfg.Name,
		RawQuery: q.Encode(),
	}

	db, err := sqlx.Open("postgres", u.String())
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	return db, nil
}

// StatusCheck returns nil if it can successfully talk to the database. It
// returns a non-nil error otherwise.
func StatusCheck(ctx context.Context, db *sqlx.DB) error {
	var pingError error
	for attempts := 1; ; attempts++ {
		pingError = db.PingContext(ctx)
		if pingError == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	const q = `SELECT true`
	var tmp bool
	return db.QueryRowContext(ctx, q).Scan(&tmp)
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db.DB, &migratepostgres.Config{
		MigrationsTable: "txrelay_migrations",
	})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}

// =============================================================================

// Postgres represents the node storage on PostgreSQL.
type Postgres struct {
	db       *sqlx.DB
	selectFn selector.Func
}

// New constructs the store, applies the migrations and seeds the genesis
// block and balances on an empty database.
func New(ctx context.Context, db *sqlx.DB, gen genesis.Genesis, strategy string) (*Postgres, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	p := Postgres{
		db:       db,
		selectFn: selectFn,
	}

	if err := p.seed(ctx, gen); err != nil {
		return nil, fmt.Errorf("seed genesis: %w", err)
	}

	return &p, nil
}

// Close closes the database connections.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// StatusCheck reports whether the database can be reached.
func (p *Postgres) StatusCheck(ctx context.Context) error {
	return StatusCheck(ctx, p.db)
}

func (p *Postgres) seed(ctx context.Context, gen genesis.Genesis) error {
	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT count(*) FROM blocks`); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		if err := insertBlock(ctx, tx, database.Genesis(gen.Date)); err != nil {
			return err
		}

		const q = `
		INSERT INTO genesis_balances (account_id, amount) VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING`

		const b = `
		INSERT INTO balances (account_id, balance) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`

		for account, amount := range gen.Balances {
			accountID, err := database.ToAccountID(account)
			if err != nil {
				return fmt.Errorf("genesis account %q: %w", account, err)
			}

			if _, err := tx.ExecContext(ctx, q, accountID, amount); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, b, accountID, amount); err != nil {
				return err
			}
		}

		return nil
	})
}

// withTx runs the function inside a transaction that is committed when the
// function returns nil.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback: %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// =============================================================================
// Blocks

type dbBlock struct {
	Body []byte `db:"body"`
}

func (b dbBlock) toBlock() (database.Block, error) {
	var block database.Block
	if err := json.Unmarshal(b.Body, &block); err != nil {
		return database.Block{}, fmt.Errorf("decode block: %w", err)
	}
	return block, nil
}

func insertBlock(ctx context.Context, tx *sqlx.Tx, block database.Block) error {
	body, err := json.Marshal(block)
	if err != nil {
		return err
	}

	const q = `
	INSERT INTO blocks (number, hash, parent_hash, proposer_id, body)
	VALUES ($1, $2, $3, $4, $5)`

	_, err = tx.ExecContext(ctx, q, block.Header.Number, block.Hash(), block.Header.ParentHash, string(block.Header.ProposerID.Canonical()), body)
	return err
}

// LatestBlock returns the current tip of the chain.
func (p *Postgres) LatestBlock(ctx context.Context) (database.Block, error) {
	const q = `SELECT body FROM blocks ORDER BY number DESC LIMIT 1`

	var row dbBlock
	if err := p.db.GetContext(ctx, &row, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Block{}, database.ErrNotFound
		}
		return database.Block{}, err
	}

	return row.toBlock()
}

// GetBlock returns the block for the specified number.
func (p *Postgres) GetBlock(ctx context.Context, num uint64) (database.Block, error) {
	const q = `SELECT body FROM blocks WHERE number = $1`

	var row dbBlock
	if err := p.db.GetContext(ctx, &row, q, num); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Block{}, database.ErrNotFound
		}
		return database.Block{}, err
	}

	return row.toBlock()
}

// PersistBlock appends the block to the chain and confirms its transactions
// in one transaction. A nonce that is already confirmed fails the block.
func (p *Postgres) PersistBlock(ctx context.Context, block database.Block) error {
	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		var next uint64
		if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(number), 0) + 1 FROM blocks`); err != nil {
			return err
		}

		if block.Header.Number != next {
			return fmt.Errorf("block is out of order, got %d, exp %d", block.Header.Number, next)
		}

		if err := insertBlock(ctx, tx, block); err != nil {
			return err
		}

		const q = `
		INSERT INTO transactions (hash, block_number, proposer_id, from_id, to_id, nonce, value, fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		for _, trx := range block.Trans {
			_, err := tx.ExecContext(ctx, q,
				database.NormalizeHash(trx.Hash),
				block.Header.Number,
				string(block.Header.ProposerID.Canonical()),
				string(trx.FromID.Canonical()),
				string(trx.ToID.Canonical()),
				trx.Nonce,
				trx.Value,
				trx.Fee,
			)
			if err != nil {
				return fmt.Errorf("confirm tx %s: %w", trx, err)
			}
		}

		return nil
	})
}

// =============================================================================
// Ledger

// IsNonceConfirmed reports whether the account and nonce is in a block.
func (p *Postgres) IsNonceConfirmed(ctx context.Context, from database.AccountID, nonce uint64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM transactions WHERE from_id = $1 AND nonce = $2)`

	var exists bool
	if err := p.db.GetContext(ctx, &exists, q, string(from.Canonical()), nonce); err != nil {
		return false, err
	}

	return exists, nil
}

// Ledger returns the confirmed totals and the pending outgoing amount for
// the account.
func (p *Postgres) Ledger(ctx context.Context, accountID database.AccountID) (database.Ledger, error) {
	const q = `
	SELECT
		(SELECT COALESCE(SUM(amount), 0) FROM genesis_balances WHERE account_id = $1) +
		(SELECT COALESCE(SUM(value), 0) FROM transactions WHERE to_id = $1) +
		(SELECT COALESCE(SUM(fee), 0) FROM transactions WHERE proposer_id = $1) AS confirmed_in,
		(SELECT COALESCE(SUM(value), 0) FROM transactions WHERE from_id = $1) AS confirmed_out,
		(SELECT COALESCE(SUM(fee), 0) FROM transactions WHERE from_id = $1) AS confirmed_fee,
		(SELECT COALESCE(SUM(value + fee), 0) FROM mempool WHERE from_id = $1) AS pending_out`

	var row struct {
		ConfirmedIn  uint64 `db:"confirmed_in"`
		ConfirmedOut uint64 `db:"confirmed_out"`
		ConfirmedFee uint64 `db:"confirmed_fee"`
		PendingOut   uint64 `db:"pending_out"`
	}

	if err := p.db.GetContext(ctx, &row, q, string(accountID.Canonical())); err != nil {
		return database.Ledger{}, err
	}

	return database.Ledger(row), nil
}

// SetBalance caches the derived balance for the account.
func (p *Postgres) SetBalance(ctx context.Context, accountID database.AccountID, balance uint64) error {
	const q = `
	INSERT INTO balances (account_id, balance) VALUES ($1, $2)
	ON CONFLICT (account_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`

	_, err := p.db.ExecContext(ctx, q, string(accountID.Canonical()), balance)
	return err
}

// Balance returns the cached derived balance for the account.
func (p *Postgres) Balance(ctx context.Context, accountID database.AccountID) (database.Balance, error) {
	const q = `SELECT balance FROM balances WHERE account_id = $1`

	accountID = accountID.Canonical()

	var balance uint64
	if err := p.db.GetContext(ctx, &balance, q, string(accountID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Balance{}, database.ErrNotFound
		}
		return database.Balance{}, err
	}

	return database.Balance{AccountID: accountID, Balance: balance}, nil
}
