package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type dbEntry struct {
	Hash       string    `db:"hash"`
	FromID     string    `db:"from_id"`
	Nonce      uint64    `db:"nonce"`
	ToID       string    `db:"to_id"`
	Value      uint64    `db:"value"`
	Fee        uint64    `db:"fee"`
	GasLimit   uint64    `db:"gas_limit"`
	GasPrice   uint64    `db:"gas_price"`
	Data       []byte    `db:"data"`
	Signature  string    `db:"signature"`
	Kind       string    `db:"kind"`
	TxHash     string    `db:"tx_hash"`
	CreatedAt  time.Time `db:"created_at"`
	Priority   uint64    `db:"priority"`
	InsertedAt time.Time `db:"inserted_at"`
}

func toDBEntry(e database.MempoolEntry) dbEntry {
	return dbEntry{
		Hash:       database.NormalizeHash(e.Tx.Hash),
		FromID:     string(e.Tx.FromID.Canonical()),
		Nonce:      e.Tx.Nonce,
		ToID:       string(e.Tx.ToID.Canonical()),
		Value:      e.Tx.Value,
		Fee:        e.Tx.Fee,
		GasLimit:   e.Tx.GasLimit,
		GasPrice:   e.Tx.GasPrice,
		Data:       e.Tx.Data,
		Signature:  e.Tx.Signature,
		Kind:       string(e.Tx.Kind),
		TxHash:     e.Tx.Hash,
		CreatedAt:  e.Tx.CreatedAt.UTC(),
		Priority:   e.Priority,
		InsertedAt: e.InsertedAt.UTC(),
	}
}

func (d dbEntry) toEntry() database.MempoolEntry {
	return database.MempoolEntry{
		Tx: database.Tx{
			Hash:      d.TxHash,
			FromID:    database.AccountID(d.FromID),
			ToID:      database.AccountID(d.ToID),
			Value:     d.Value,
			Fee:       d.Fee,
			Nonce:     d.Nonce,
			GasLimit:  d.GasLimit,
			GasPrice:  d.GasPrice,
			Data:      d.Data,
			Signature: d.Signature,
			Kind:      database.Kind(d.Kind),
			Status:    database.StatusPending,
			CreatedAt: d.CreatedAt,
		},
		Priority:   d.Priority,
		InsertedAt: d.InsertedAt,
	}
}

func toEntries(rows []dbEntry) []database.MempoolEntry {
	entries := make([]database.MempoolEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries
}

const entryColumns = `hash, from_id, nonce, to_id, value, fee, gas_limit, gas_price, data, signature, kind, tx_hash, created_at, priority, inserted_at`

// Entries returns the active entries for the account and nonce.
func (p *Postgres) Entries(ctx context.Context, from database.AccountID, nonce uint64) ([]database.MempoolEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM mempool WHERE from_id = $1 AND nonce = $2`

	var rows []dbEntry
	if err := p.db.SelectContext(ctx, &rows, q, string(from.Canonical()), nonce); err != nil {
		return nil, err
	}

	return toEntries(rows), nil
}

// ReplaceEntry removes the entries for the account and nonce of the new
// entry and inserts it in one transaction.
func (p *Postgres) ReplaceEntry(ctx context.Context, entry database.MempoolEntry) (int, error) {
	var removed int

	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		row := toDBEntry(entry)

		const c = `SELECT EXISTS (SELECT 1 FROM transactions WHERE from_id = $1 AND nonce = $2)`

		var confirmed bool
		if err := tx.GetContext(ctx, &confirmed, c, row.FromID, row.Nonce); err != nil {
			return err
		}
		if confirmed {
			return &database.ValidationError{Reason: database.ReasonNonceConfirmed}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM mempool WHERE from_id = $1 AND nonce = $2`, row.FromID, row.Nonce)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)

		const q = `
		INSERT INTO mempool (` + entryColumns + `)
		VALUES (:hash, :from_id, :nonce, :to_id, :value, :fee, :gas_limit, :gas_price, :data, :signature, :kind, :tx_hash, :created_at, :priority, :inserted_at)`

		if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
			return err
		}

		return nil
	})

	return removed, err
}

// CountPending returns the number of regular and raw pending entries.
func (p *Postgres) CountPending(ctx context.Context) (regular int, raw int, err error) {
	const q = `
	SELECT
		COUNT(*) FILTER (WHERE kind <> $1) AS regular,
		COUNT(*) FILTER (WHERE kind = $1) AS raw
	FROM mempool`

	var row struct {
		Regular int `db:"regular"`
		Raw     int `db:"raw"`
	}
	if err := p.db.GetContext(ctx, &row, q, string(database.KindRaw)); err != nil {
		return 0, 0, err
	}

	return row.Regular, row.Raw, nil
}

// QueryPending returns every pending entry in selection order.
func (p *Postgres) QueryPending(ctx context.Context) ([]database.MempoolEntry, error) {
	return p.PickBest(ctx, -1)
}

// PickBest returns up to howMany entries in selection order.
func (p *Postgres) PickBest(ctx context.Context, howMany int) ([]database.MempoolEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM mempool`

	var rows []dbEntry
	if err := p.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}

	m := make(map[database.AccountID][]database.MempoolEntry)
	for _, e := range toEntries(rows) {
		m[e.Tx.FromID] = append(m[e.Tx.FromID], e)
	}

	return p.selectFn(m, howMany), nil
}

// GetEntry returns the entry for the hash in either of its forms.
func (p *Postgres) GetEntry(ctx context.Context, hash string) (database.MempoolEntry, error) {
	const q = `SELECT ` + entryColumns + ` FROM mempool WHERE hash = $1`

	var row dbEntry
	if err := p.db.GetContext(ctx, &row, q, database.NormalizeHash(hash)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.MempoolEntry{}, database.ErrNotFound
		}
		return database.MempoolEntry{}, err
	}

	return row.toEntry(), nil
}

// DeleteByHash removes the entries with the specified hashes. Hashes match
// with or without the 0x prefix.
func (p *Postgres) DeleteByHash(ctx context.Context, hashes ...string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	norm := make([]string, len(hashes))
	for i, h := range hashes {
		norm[i] = database.NormalizeHash(h)
	}

	res, err := p.db.ExecContext(ctx, `DELETE FROM mempool WHERE hash = ANY($1)`, pq.Array(norm))
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

// PruneConfirmed removes the pending entries whose nonce is already
// confirmed for their sender.
func (p *Postgres) PruneConfirmed(ctx context.Context) (int, error) {
	const q = `
	DELETE FROM mempool m
	USING transactions t
	WHERE m.from_id = t.from_id AND m.nonce = t.nonce`

	res, err := p.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}
