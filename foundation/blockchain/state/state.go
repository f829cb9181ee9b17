// Package state is the core API for the node. It wires admission, broadcast,
// topology and block proposal together for the web and worker layers.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/admission"
	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/keylock"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/poa"
	"github.com/ardanlabs/txrelay/foundation/blockchain/proposer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/topology"
	"github.com/ardanlabs/txrelay/foundation/keystore"
	"github.com/ardanlabs/txrelay/foundation/metrics"
)

// EventHandler defines a function that is called when events
// occur in the processing of the node.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for relaying, proposing and peer maintenance.
type Worker interface {
	Shutdown()
	SignalShareTx(req broadcast.RelayRequest)
	SignalPropose()
}

// Storage represents the behavior required from the node storage.
type Storage interface {
	peer.Storer
	topology.Storer
	broadcast.Storer
	admission.Storer
	proposer.Storer

	QueryPending(ctx context.Context) ([]database.MempoolEntry, error)
	GetEntry(ctx context.Context, hash string) (database.MempoolEntry, error)
	Balance(ctx context.Context, accountID database.AccountID) (database.Balance, error)
	GetBlock(ctx context.Context, num uint64) (database.Block, error)
	PurgeTracking(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// =============================================================================

// Config represents the configuration required to start the node.
type Config struct {
	Host       string
	KnownPeers []string
	Genesis    genesis.Genesis
	Storage    Storage
	Locker     keylock.Locker
	Authority  *poa.Authority
	Keystore   *keystore.Keystore
	Metrics    *metrics.Metrics
	EvHandler  EventHandler

	Admission AdmissionConfig
	Topology  TopologyConfig
	Broadcast BroadcastConfig
	Proposer  ProposerConfig
	Network   NetworkConfig
}

// AdmissionConfig holds the admission settings.
type AdmissionConfig struct {
	LockWait       time.Duration
	StoreTimeout   time.Duration
	BumpPercent    uint64
	EnforceBalance bool
}

// TopologyConfig holds the topology cache settings.
type TopologyConfig struct {
	TTL          time.Duration
	QueryTimeout time.Duration
	Concurrency  int
}

// BroadcastConfig holds the broadcast settings.
type BroadcastConfig struct {
	BatchSize      int
	MaxConnections int
	Concurrency    int
	RetryAttempts  int
	RetryInterval  time.Duration
	PushTimeout    time.Duration
	MaxHops        int
	TrackingTTL    time.Duration
	StaleWindow    time.Duration
	MinSuccessRate float64
	BloomCapacity  uint
	SharedStore    bool
}

// ProposerConfig holds the block proposal settings.
type ProposerConfig struct {
	MinRegular    int
	MinTotal      int
	MaxPerBlock   int
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
}

// NetworkConfig holds the settings for calls to peers.
type NetworkConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// State manages the node.
type State struct {
	host      string
	genesis   genesis.Genesis
	storage   Storage
	evHandler EventHandler

	directory *peer.Directory
	topology  *topology.Cache
	admission *admission.Controller
	broadcast *broadcast.Coordinator
	proposer  *proposer.Proposer
	authority *poa.Authority
	keystore  *keystore.Keystore
	metrics   *metrics.Metrics
	client    *Client

	Worker Worker
}

// New constructs the node state and adds the known peers.
func New(cfg Config) (*State, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Authority == nil {
		return nil, errors.New("authority is required")
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	mtr := cfg.Metrics
	if mtr == nil {
		mtr = metrics.New("node")
	}

	client := NewClient(cfg.Host, cfg.Network.ConnectTimeout, cfg.Network.RequestTimeout)

	dir := peer.NewDirectory(cfg.Host, cfg.Storage)

	topo := topology.New(topology.Config{
		Directory:    dir,
		Storer:       cfg.Storage,
		Querier:      client,
		TTL:          cfg.Topology.TTL,
		QueryTimeout: cfg.Topology.QueryTimeout,
		Concurrency:  cfg.Topology.Concurrency,
		EvHandler:    topology.EventHandler(ev),
	})

	ctrl := admission.New(admission.Config{
		Storer:         cfg.Storage,
		Locker:         cfg.Locker,
		LockWait:       cfg.Admission.LockWait,
		StoreTimeout:   cfg.Admission.StoreTimeout,
		MinAmount:      cfg.Genesis.MinAmount,
		BumpPercent:    cfg.Admission.BumpPercent,
		EnforceBalance: cfg.Admission.EnforceBalance,
		EvHandler:      admission.EventHandler(ev),
	})

	coord := broadcast.New(broadcast.Config{
		Directory:      dir,
		Topology:       topo,
		Storer:         cfg.Storage,
		Sender:         client,
		Admitter:       ctrl,
		BatchSize:      cfg.Broadcast.BatchSize,
		MaxConnections: cfg.Broadcast.MaxConnections,
		Concurrency:    cfg.Broadcast.Concurrency,
		RetryAttempts:  cfg.Broadcast.RetryAttempts,
		RetryInterval:  cfg.Broadcast.RetryInterval,
		PushTimeout:    cfg.Broadcast.PushTimeout,
		MaxHops:        cfg.Broadcast.MaxHops,
		TrackingTTL:    cfg.Broadcast.TrackingTTL,
		StaleWindow:    cfg.Broadcast.StaleWindow,
		MinSuccessRate: cfg.Broadcast.MinSuccessRate,
		BloomCapacity:  cfg.Broadcast.BloomCapacity,
		SharedStore:    cfg.Broadcast.SharedStore,
		EvHandler:      broadcast.EventHandler(ev),
	})

	notifier := blockNotifier{
		directory: dir,
		client:    client,
		evHandler: ev,
	}

	prop := proposer.New(proposer.Config{
		Storer:        cfg.Storage,
		Consensus:     cfg.Authority,
		Notifier:      &notifier,
		MinRegular:    cfg.Proposer.MinRegular,
		MinTotal:      cfg.Proposer.MinTotal,
		MaxPerBlock:   cfg.Proposer.MaxPerBlock,
		StoreTimeout:  cfg.Proposer.StoreTimeout,
		NotifyTimeout: cfg.Proposer.NotifyTimeout,
		EvHandler:     proposer.EventHandler(ev),
	})

	state := State{
		host:      cfg.Host,
		genesis:   cfg.Genesis,
		storage:   cfg.Storage,
		evHandler: ev,

		directory: dir,
		topology:  topo,
		admission: ctrl,
		broadcast: coord,
		proposer:  prop,
		authority: cfg.Authority,
		keystore:  cfg.Keystore,
		metrics:   mtr,
		client:    client,
	}

	ctx := context.Background()
	for _, host := range cfg.KnownPeers {
		if _, err := dir.Add(ctx, host); err != nil {
			return nil, err
		}
	}

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &state, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {

	// Make sure the database is properly closed.
	defer func() {
		s.storage.Close()
	}()

	// Stop all background activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	return nil
}

// Host returns the node id of this node.
func (s *State) Host() string {
	return s.host
}

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// Topology returns the topology cache.
func (s *State) Topology() *topology.Cache {
	return s.topology
}

// Directory returns the peer directory.
func (s *State) Directory() *peer.Directory {
	return s.directory
}

// Client returns the client used to talk to peers.
func (s *State) Client() *Client {
	return s.client
}

// =============================================================================

// blockNotifier announces a new tip to every active peer.
type blockNotifier struct {
	directory *peer.Directory
	client    *Client
	evHandler EventHandler
}

// NotifyBlock sends the block to every active peer. It reports the last
// failure after trying every peer.
func (bn *blockNotifier) NotifyBlock(ctx context.Context, block database.Block) error {
	peers, err := bn.directory.Active(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, p := range peers {
		if err := bn.client.SendBlock(ctx, p, block); err != nil {
			bn.evHandler("state: NotifyBlock: peer[%s]: ERROR: %s", p.NodeID, err)
			lastErr = err
			continue
		}
		bn.evHandler("state: NotifyBlock: sent to peer[%s]", p.NodeID)
	}

	return lastErr
}

// StatusCheck reports whether the storage can serve requests.
func (s *State) StatusCheck(ctx context.Context) error {
	_, err := s.storage.LatestBlock(ctx)
	return err
}
