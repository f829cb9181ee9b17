// Package topology maintains a TTL bound snapshot of which nodes can reach
// which other nodes. The snapshot is used to pick good gossip targets.
package topology

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Storer represents the behavior required to persist topology edges.
type Storer interface {
	UpsertEdges(ctx context.Context, edges []database.TopologyEdge) error
	QueryEdges(ctx context.Context, now time.Time) ([]database.TopologyEdge, error)
}

// Querier represents the behavior required to ask a peer for the nodes it
// can reach.
type Querier interface {
	QueryTopology(ctx context.Context, p peer.Peer) ([]database.TopologyEdge, error)
}

// EventHandler defines a function that is called when events
// occur in the processing of the topology.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to construct the cache.
type Config struct {
	Directory    *peer.Directory
	Storer       Storer
	Querier      Querier
	TTL          time.Duration
	QueryTimeout time.Duration
	Concurrency  int
	EvHandler    EventHandler
}

// Status describes the outcome of a freshness check.
type Status struct {
	Fresh     bool   `json:"fresh"`
	Refreshed bool   `json:"refreshed"`
	Reason    string `json:"reason"`
	Queried   int    `json:"queried"`
	Responded int    `json:"responded"`
	Edges     int    `json:"edges"`
}

// Cache provides access to the topology snapshot.
type Cache struct {
	dir          *peer.Directory
	storer       Storer
	querier      Querier
	ttl          time.Duration
	queryTimeout time.Duration
	concurrency  int
	evHandler    EventHandler
	nowFunc      func() time.Time

	group       singleflight.Group
	mu          sync.RWMutex
	lastRefresh time.Time
}

// New constructs a topology cache.
func New(cfg Config) *Cache {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	return &Cache{
		dir:          cfg.Directory,
		storer:       cfg.Storer,
		querier:      cfg.Querier,
		ttl:          cfg.TTL,
		queryTimeout: cfg.QueryTimeout,
		concurrency:  concurrency,
		evHandler:    ev,
		nowFunc:      time.Now,
	}
}

// LastRefresh returns the time of the last completed refresh cycle.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastRefresh
}

// EnsureFresh returns immediately when the last refresh is within the TTL.
// Otherwise it runs one refresh cycle which concurrent callers share.
func (c *Cache) EnsureFresh(ctx context.Context) (Status, error) {
	if c.fresh() {
		return Status{Fresh: true, Reason: "within ttl"}, nil
	}

	return c.refreshOnce(ctx, false)
}

// Refresh runs a refresh cycle regardless of the age of the snapshot.
func (c *Cache) Refresh(ctx context.Context) (Status, error) {
	return c.refreshOnce(ctx, true)
}

func (c *Cache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return !c.lastRefresh.IsZero() && c.nowFunc().Sub(c.lastRefresh) < c.ttl
}

func (c *Cache) refreshOnce(ctx context.Context, force bool) (Status, error) {

	// The cycle is detached from the cancellation of the caller that started
	// it since other callers may be waiting on the same cycle.
	cycleCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		if !force && c.fresh() {
			return Status{Fresh: true, Reason: "refreshed by another caller"}, nil
		}
		return c.refresh(cycleCtx)
	})

	if err != nil {
		return Status{}, err
	}

	return v.(Status), nil
}

// refresh queries every active peer for its adjacency list and merges the
// responses into the store.
func (c *Cache) refresh(ctx context.Context) (Status, error) {
	c.evHandler("topology: refresh: started")
	defer c.evHandler("topology: refresh: completed")

	peers, err := c.dir.Active(ctx)
	if err != nil {
		return Status{}, err
	}

	now := c.nowFunc()
	expires := now.Add(c.ttl)
	self := c.dir.Self()

	var mu sync.Mutex
	var edges []database.TopologyEdge
	var responded int

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	for _, p := range peers {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
			defer cancel()

			reported, err := c.querier.QueryTopology(qctx, p)
			if err != nil {
				c.evHandler("topology: refresh: peer[%s]: ERROR: %s", p.NodeID, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			responded++
			edges = append(edges, database.TopologyEdge{
				Source:    self,
				Target:    p.NodeID,
				Strength:  float64(p.Reputation) / peer.MaxReputation,
				Type:      database.EdgeDirect,
				ExpiresAt: expires,
			})

			for _, e := range reported {
				if e.Source == "" || e.Target == "" || e.Source == e.Target {
					continue
				}
				edges = append(edges, database.TopologyEdge{
					Source:    e.Source,
					Target:    e.Target,
					Strength:  clampStrength(e.Strength),
					Type:      database.EdgeReported,
					ExpiresAt: expires,
				})
			}

			return nil
		})
	}

	g.Wait()

	if len(edges) > 0 {
		if err := c.storer.UpsertEdges(ctx, edges); err != nil {
			return Status{}, database.NewPersistenceError("upsert edges", err)
		}
	}

	c.mu.Lock()
	c.lastRefresh = now
	c.mu.Unlock()

	status := Status{
		Refreshed: true,
		Reason:    "stale",
		Queried:   len(peers),
		Responded: responded,
		Edges:     len(edges),
	}

	if responded == 0 {
		status.Reason = "no responsive peers, cached edges kept"
	}

	c.evHandler("topology: refresh: queried[%d] responded[%d] edges[%d]", status.Queried, status.Responded, status.Edges)

	return status, nil
}

// =============================================================================

// Edges returns the unexpired edges.
func (c *Cache) Edges(ctx context.Context) ([]database.TopologyEdge, error) {
	edges, err := c.storer.QueryEdges(ctx, c.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	return edges, nil
}

// Adjacency returns the nodes this node can reach directly. This is what a
// peer receives when it asks this node for its topology.
func (c *Cache) Adjacency(ctx context.Context) ([]database.TopologyEdge, error) {
	peers, err := c.dir.Active(ctx)
	if err != nil {
		return nil, err
	}

	self := c.dir.Self()
	expires := c.nowFunc().Add(c.ttl)

	edges := make([]database.TopologyEdge, 0, len(peers))
	for _, p := range peers {
		edges = append(edges, database.TopologyEdge{
			Source:    self,
			Target:    p.NodeID,
			Strength:  float64(p.Reputation) / peer.MaxReputation,
			Type:      database.EdgeDirect,
			ExpiresAt: expires,
		})
	}

	return edges, nil
}

// Neighbors returns the nodes the specified node is known to reach.
func (c *Cache) Neighbors(ctx context.Context, nodeID string) ([]string, error) {
	edges, err := c.Edges(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var neighbors []string
	for _, e := range edges {
		if e.Source == nodeID && !seen[e.Target] {
			seen[e.Target] = true
			neighbors = append(neighbors, e.Target)
		}
	}

	sort.Strings(neighbors)

	return neighbors, nil
}

// SelectPeersForReplica picks up to want peers from the candidates. Preferred
// peers come first, then peers ranked by their number of outgoing edges and
// the average strength of those edges. Random candidates fill the rest.
func (c *Cache) SelectPeersForReplica(ctx context.Context, candidates []peer.Peer, want int, prefer []string) ([]peer.Peer, error) {
	edges, err := c.Edges(ctx)
	if err != nil {
		return nil, err
	}

	return selectPeers(edges, candidates, want, prefer), nil
}

type rank struct {
	peer     peer.Peer
	count    int
	strength float64
}

func selectPeers(edges []database.TopologyEdge, candidates []peer.Peer, want int, prefer []string) []peer.Peer {
	if want <= 0 || len(candidates) == 0 {
		return nil
	}

	byID := make(map[string]peer.Peer, len(candidates))
	for _, p := range candidates {
		byID[p.NodeID] = p
	}

	selected := make([]peer.Peer, 0, want)
	taken := make(map[string]bool)

	take := func(p peer.Peer) {
		if len(selected) < want && !taken[p.NodeID] {
			taken[p.NodeID] = true
			selected = append(selected, p)
		}
	}

	for _, id := range prefer {
		if p, exists := byID[id]; exists {
			take(p)
		}
	}

	counts := make(map[string]int)
	sums := make(map[string]float64)
	for _, e := range edges {
		if _, exists := byID[e.Source]; exists {
			counts[e.Source]++
			sums[e.Source] += e.Strength
		}
	}

	var ranks []rank
	for id, n := range counts {
		ranks = append(ranks, rank{peer: byID[id], count: n, strength: sums[id] / float64(n)})
	}

	sort.Slice(ranks, func(i, j int) bool {
		switch {
		case ranks[i].count != ranks[j].count:
			return ranks[i].count > ranks[j].count
		case ranks[i].strength != ranks[j].strength:
			return ranks[i].strength > ranks[j].strength
		default:
			return ranks[i].peer.NodeID < ranks[j].peer.NodeID
		}
	})

	for _, r := range ranks {
		take(r.peer)
	}

	rest := make([]peer.Peer, 0, len(candidates))
	for _, p := range candidates {
		if !taken[p.NodeID] {
			rest = append(rest, p)
		}
	}

	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	for _, p := range rest {
		take(p)
	}

	return selected
}

func clampStrength(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
