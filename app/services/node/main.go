package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ardanlabs/txrelay/app/services/node/handlers"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/keylock"
	"github.com/ardanlabs/txrelay/foundation/blockchain/keylock/redislock"
	"github.com/ardanlabs/txrelay/foundation/blockchain/poa"
	"github.com/ardanlabs/txrelay/foundation/blockchain/state"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/memory"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/postgres"
	"github.com/ardanlabs/txrelay/foundation/blockchain/worker"
	"github.com/ardanlabs/txrelay/foundation/events"
	"github.com/ardanlabs/txrelay/foundation/keystore"
	"github.com/ardanlabs/txrelay/foundation/logger"
	"github.com/ardanlabs/txrelay/foundation/metrics"
	"github.com/ardanlabs/txrelay/foundation/nameservice"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
			CORSOrigin      string        `conf:"default:*"`
		}
		State struct {
			NodeID         string   `conf:"default:0.0.0.0:9080"`
			AuthorityName  string   `conf:"default:authority"`
			Authorities    []string `conf:"default:"`
			GenesisPath    string   `conf:"default:zblock/genesis.json"`
			SelectStrategy string   `conf:"default:priority"`
			KnownPeers     []string `conf:"default:0.0.0.0:9080;0.0.0.0:9180"`
			Storage        string   `conf:"default:memory"`
			Locker         string   `conf:"default:memory"`
		}
		NameService struct {
			Folder string `conf:"default:zblock/accounts/"`
		}
		Keystore struct {
			MaxTTL time.Duration `conf:"default:15m"`
		}
		DB struct {
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,mask"`
			Host         string `conf:"default:localhost"`
			Name         string `conf:"default:postgres"`
			MaxIdleConns int    `conf:"default:2"`
			MaxOpenConns int    `conf:"default:0"`
			DisableTLS   bool   `conf:"default:true"`
		}
		Redis struct {
			Addr     string        `conf:"default:localhost:6379"`
			Password string        `conf:"default:,mask"`
			DB       int           `conf:"default:0"`
			Lease    time.Duration `conf:"default:10s"`
		}
		Admission struct {
			LockWait       time.Duration `conf:"default:2s"`
			StoreTimeout   time.Duration `conf:"default:5s"`
			BumpPercent    uint64        `conf:"default:10"`
			EnforceBalance bool          `conf:"default:false"`
		}
		Topology struct {
			TTL          time.Duration `conf:"default:5m"`
			QueryTimeout time.Duration `conf:"default:3s"`
			Concurrency  int           `conf:"default:8"`
		}
		Broadcast struct {
			BatchSize      int           `conf:"default:5"`
			MaxConnections int           `conf:"default:10"`
			Concurrency    int           `conf:"default:8"`
			RetryAttempts  int           `conf:"default:3"`
			RetryInterval  time.Duration `conf:"default:200ms"`
			PushTimeout    time.Duration `conf:"default:5s"`
			MaxHops        int           `conf:"default:3"`
			TrackingTTL    time.Duration `conf:"default:1h"`
			StaleWindow    time.Duration `conf:"default:5m"`
			MinSuccessRate float64       `conf:"default:0.5"`
			BloomCapacity  uint          `conf:"default:100000"`
		}
		Proposer struct {
			MinRegular    int           `conf:"default:5"`
			MinTotal      int           `conf:"default:10"`
			MaxPerBlock   int           `conf:"default:100"`
			StoreTimeout  time.Duration `conf:"default:10s"`
			NotifyTimeout time.Duration `conf:"default:10s"`
		}
		Network struct {
			ConnectTimeout time.Duration `conf:"default:3s"`
			RequestTimeout time.Duration `conf:"default:10s"`
		}
		Worker struct {
			ProposeInterval  time.Duration `conf:"default:12s"`
			PeerInterval     time.Duration `conf:"default:1m"`
			RebroadcastAfter time.Duration `conf:"default:30s"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "transaction relay and block proposal node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Name Service Support

	// The nameservice package provides name resolution for account addresses.
	// The names come from the file names in the zblock/accounts folder.
	ns, err := nameservice.New(cfg.NameService.Folder)
	if err != nil {
		return fmt.Errorf("unable to load account name service: %w", err)
	}

	// Logging the accounts for documentation in the logs.
	for account, name := range ns.Copy() {
		log.Infow("startup", "status", "nameservice", "name", name, "account", account)
	}

	// =========================================================================
	// Blockchain Support

	gen, err := genesis.Load(cfg.State.GenesisPath)
	if err != nil {
		return err
	}

	// Need to load the private key file for the configured authority so the
	// node can sign the blocks it proposes and get credited with fees.
	path := fmt.Sprintf("%s%s.ecdsa", cfg.NameService.Folder, cfg.State.AuthorityName)
	privateKey, err := crypto.LoadECDSA(path)
	if err != nil {
		return fmt.Errorf("unable to load private key for node: %w", err)
	}

	var authorities []database.AccountID
	for _, a := range cfg.State.Authorities {
		accountID, err := database.ToAccountID(a)
		if err != nil {
			return fmt.Errorf("authority %q: %w", a, err)
		}
		authorities = append(authorities, accountID)
	}

	// The blockchain packages accept a function of this signature to allow the
	// application to log. The viewer messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		const websocketPrefix = "viewer:"

		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		if strings.HasPrefix(s, websocketPrefix) {
			evts.Send(s)
		}
	}

	storage, err := openStorage(log, cfg.State.Storage, postgres.Config{
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Host:         cfg.DB.Host,
		Name:         cfg.DB.Name,
		MaxIdleConns: cfg.DB.MaxIdleConns,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		DisableTLS:   cfg.DB.DisableTLS,
	}, gen, cfg.State.SelectStrategy)
	if err != nil {
		return err
	}

	var locker keylock.Locker
	switch cfg.State.Locker {
	case "redis":
		log.Infow("startup", "status", "initializing redis locker", "addr", cfg.Redis.Addr)

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}

		locker = redislock.New(client, "txrelay:sender:", cfg.Redis.Lease)

	default:
		locker = keylock.New()
	}

	mtr := metrics.New("node")

	// The state value represents the blockchain node and manages the blockchain
	// storage and provides an API for application support.
	st, err := state.New(state.Config{
		Host:       cfg.State.NodeID,
		KnownPeers: cfg.State.KnownPeers,
		Genesis:    gen,
		Storage:    storage,
		Locker:     locker,
		Authority:  poa.New(privateKey, authorities...),
		Keystore:   keystore.New(cfg.NameService.Folder, cfg.Keystore.MaxTTL),
		Metrics:    mtr,
		EvHandler:  ev,
		Admission: state.AdmissionConfig{
			LockWait:       cfg.Admission.LockWait,
			StoreTimeout:   cfg.Admission.StoreTimeout,
			BumpPercent:    cfg.Admission.BumpPercent,
			EnforceBalance: cfg.Admission.EnforceBalance,
		},
		Topology: state.TopologyConfig{
			TTL:          cfg.Topology.TTL,
			QueryTimeout: cfg.Topology.QueryTimeout,
			Concurrency:  cfg.Topology.Concurrency,
		},
		Broadcast: state.BroadcastConfig{
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
			SharedStore:    cfg.State.Storage == "postgres",
		},
		Proposer: state.ProposerConfig{
			MinRegular:    cfg.Proposer.MinRegular,
			MinTotal:      cfg.Proposer.MinTotal,
			MaxPerBlock:   cfg.Proposer.MaxPerBlock,
			StoreTimeout:  cfg.Proposer.StoreTimeout,
			NotifyTimeout: cfg.Proposer.NotifyTimeout,
		},
		Network: state.NetworkConfig{
			ConnectTimeout: cfg.Network.ConnectTimeout,
			RequestTimeout: cfg.Network.RequestTimeout,
		},
	})
	if err != nil {
		storage.Close()
		return err
	}
	defer st.Shutdown()

	// The worker package implements the different workflows such as block
	// proposal, transaction sharing, and peer updates. The worker will register
	// itself with the state.
	worker.Run(st, worker.Config{
		ProposeInterval:  cfg.Worker.ProposeInterval,
		PeerInterval:     cfg.Worker.PeerInterval,
		RebroadcastAfter: cfg.Worker.RebroadcastAfter,
	}, ev)

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st, mtr)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct the mux for the public API calls.
	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		NS:       ns,
		Evts:     evts,
		Metrics:  mtr,
		Origin:   cfg.Web.CORSOrigin,
	})

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct the mux for the private API calls.
	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Metrics:  mtr,
	})

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// openStorage constructs the storage selected by kind.
func openStorage(log *zap.SugaredLogger, kind string, dbCfg postgres.Config, gen genesis.Genesis, strategy string) (state.Storage, error) {
	switch kind {
	case "postgres":
		log.Infow("startup", "status", "initializing database support", "host", dbCfg.Host)

		db, err := postgres.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to db: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := postgres.StatusCheck(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("db not ready: %w", err)
		}

		store, err := postgres.New(ctx, db, gen, strategy)
		if err != nil {
			db.Close()
			return nil, err
		}

		return store, nil

	case "memory":
		return memory.New(gen, strategy)
	}

	return nil, fmt.Errorf("unknown storage %q", kind)
}
