package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// Peers

type dbPeer struct {
	NodeID     string       `db:"node_id"`
	Host       string       `db:"host"`
	Reputation int          `db:"reputation"`
	LatencyNS  int64        `db:"latency_ns"`
	LastSeen   sql.NullTime `db:"last_seen"`
}

func (d dbPeer) toPeer() peer.Peer {
	return peer.Peer{
		NodeID:     d.NodeID,
		Host:       d.Host,
		Reputation: d.Reputation,
		Latency:    time.Duration(d.LatencyNS),
		LastSeen:   d.LastSeen.Time,
	}
}

// AddPeer adds the peer. Existing peers are left untouched.
func (p *Postgres) AddPeer(ctx context.Context, pr peer.Peer) (bool, error) {
	const q = `
	INSERT INTO nodes (node_id, host, reputation) VALUES ($1, $2, $3)
	ON CONFLICT (node_id) DO NOTHING`

	res, err := p.db.ExecContext(ctx, q, pr.NodeID, pr.Host, peer.Clamp(pr.Reputation))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n == 1, err
}

// RemovePeer removes the peer.
func (p *Postgres) RemovePeer(ctx context.Context, nodeID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID)
	return err
}

// AdjustPeer applies the reputation delta in a single statement.
func (p *Postgres) AdjustPeer(ctx context.Context, nodeID string, delta int, latency time.Duration, now time.Time) (peer.Peer, error) {
	const q = `
	UPDATE nodes SET
		reputation = LEAST($2::int, GREATEST($3::int, reputation + $4::int)),
		latency_ns = $5,
		last_seen  = CASE WHEN $4::int > 0 THEN $6 ELSE last_seen END
	WHERE node_id = $1
	RETURNING node_id, host, reputation, latency_ns, last_seen`

	var row dbPeer
	err := p.db.GetContext(ctx, &row, q, nodeID, peer.MaxReputation, peer.MinReputation, delta, latency.Nanoseconds(), now.UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return peer.Peer{}, database.ErrNotFound
		}
		return peer.Peer{}, err
	}

	return row.toPeer(), nil
}

// QueryPeers returns the known peers.
func (p *Postgres) QueryPeers(ctx context.Context) ([]peer.Peer, error) {
	const q = `SELECT node_id, host, reputation, latency_ns, last_seen FROM nodes ORDER BY node_id`

	var rows []dbPeer
	if err := p.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}

	peers := make([]peer.Peer, len(rows))
	for i, r := range rows {
		peers[i] = r.toPeer()
	}

	return peers, nil
}

// =============================================================================
// Topology

type dbEdge struct {
	Source    string    `db:"source"`
	Target    string    `db:"target"`
	Strength  float64   `db:"strength"`
	Type      string    `db:"edge_type"`
	ExpiresAt time.Time `db:"expires_at"`
}

// UpsertEdges inserts or replaces the edges in one transaction.
func (p *Postgres) UpsertEdges(ctx context.Context, edges []database.TopologyEdge) error {
	const q = `
	INSERT INTO network_topology (source, target, strength, edge_type, expires_at)
	VALUES (:source, :target, :strength, :edge_type, :expires_at)
	ON CONFLICT (source, target) DO UPDATE SET
		strength   = EXCLUDED.strength,
		edge_type  = EXCLUDED.edge_type,
		expires_at = EXCLUDED.expires_at`

	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range edges {
			row := dbEdge{
				Source:    e.Source,
				Target:    e.Target,
				Strength:  e.Strength,
				Type:      e.Type,
				ExpiresAt: e.ExpiresAt.UTC(),
			}
			if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryEdges returns the edges that have not expired.
func (p *Postgres) QueryEdges(ctx context.Context, now time.Time) ([]database.TopologyEdge, error) {
	const q = `
	SELECT source, target, strength, edge_type, expires_at FROM network_topology
	WHERE expires_at > $1
	ORDER BY source, target`

	var rows []dbEdge
	if err := p.db.SelectContext(ctx, &rows, q, now.UTC()); err != nil {
		return nil, err
	}

	edges := make([]database.TopologyEdge, len(rows))
	for i, r := range rows {
		edges[i] = database.TopologyEdge(r)
	}

	return edges, nil
}

// =============================================================================
// Broadcast tracking

type dbTracking struct {
	TxHash      string         `db:"tx_hash"`
	SourceNode  string         `db:"source_node"`
	CurrentNode string         `db:"current_node"`
	HopCount    int            `db:"hop_count"`
	Path        pq.StringArray `db:"path"`
	Covered     pq.StringArray `db:"covered"`
	CreatedAt   time.Time      `db:"created_at"`
	ExpiresAt   time.Time      `db:"expires_at"`
}

func (d dbTracking) toRecord() database.TrackingRecord {
	return database.TrackingRecord{
		TxHash:      d.TxHash,
		SourceNode:  d.SourceNode,
		CurrentNode: d.CurrentNode,
		HopCount:    d.HopCount,
		Path:        []string(d.Path),
		Covered:     []string(d.Covered),
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

const trackingColumns = `tx_hash, source_node, current_node, hop_count, path, covered, created_at, expires_at`

// UpsertTracking inserts or replaces the tracking record for its key.
func (p *Postgres) UpsertTracking(ctx context.Context, rec database.TrackingRecord) error {
	const q = `
	INSERT INTO broadcast_tracking (` + trackingColumns + `)
	VALUES (:tx_hash, :source_node, :current_node, :hop_count, :path, :covered, :created_at, :expires_at)
	ON CONFLICT (tx_hash, source_node) DO UPDATE SET
		current_node = EXCLUDED.current_node,
		hop_count    = EXCLUDED.hop_count,
		path         = EXCLUDED.path,
		covered      = EXCLUDED.covered,
		expires_at   = EXCLUDED.expires_at`

	row := dbTracking{
		TxHash:      database.NormalizeHash(rec.TxHash),
		SourceNode:  rec.SourceNode,
		CurrentNode: rec.CurrentNode,
		HopCount:    rec.HopCount,
		Path:        pq.StringArray(nonNil(rec.Path)),
		Covered:     pq.StringArray(nonNil(rec.Covered)),
		CreatedAt:   rec.CreatedAt.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
	}

	_, err := p.db.NamedExecContext(ctx, q, row)
	return err
}

// GetTracking returns the unexpired tracking record for the key.
func (p *Postgres) GetTracking(ctx context.Context, txHash string, source string, now time.Time) (database.TrackingRecord, error) {
	const q = `
	SELECT ` + trackingColumns + ` FROM broadcast_tracking
	WHERE tx_hash = $1 AND source_node = $2 AND expires_at > $3`

	var row dbTracking
	if err := p.db.GetContext(ctx, &row, q, database.NormalizeHash(txHash), source, now.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.TrackingRecord{}, database.ErrNotFound
		}
		return database.TrackingRecord{}, err
	}

	return row.toRecord(), nil
}

// QueryTracking returns every unexpired tracking record for the transaction.
func (p *Postgres) QueryTracking(ctx context.Context, txHash string, now time.Time) ([]database.TrackingRecord, error) {
	const q = `
	SELECT ` + trackingColumns + ` FROM broadcast_tracking
	WHERE tx_hash = $1 AND expires_at > $2
	ORDER BY source_node`

	var rows []dbTracking
	if err := p.db.SelectContext(ctx, &rows, q, database.NormalizeHash(txHash), now.UTC()); err != nil {
		return nil, err
	}

	recs := make([]database.TrackingRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.toRecord()
	}

	return recs, nil
}

// PurgeTracking removes the expired tracking records and topology edges.
func (p *Postgres) PurgeTracking(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM broadcast_tracking WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}

	if _, err := p.db.ExecContext(ctx, `DELETE FROM network_topology WHERE expires_at <= $1`, now.UTC()); err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
