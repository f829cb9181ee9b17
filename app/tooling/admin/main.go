// This program performs administrative tasks for the relay node database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ardanlabs/txrelay/app/tooling/admin/commands"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/postgres"
	"github.com/ardanlabs/txrelay/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("ADMIN")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		if !errors.Is(err, commands.ErrHelp) {
			log.Errorw("startup", "ERROR", err)
		}
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {
	cfg := struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,mask"`
			Host         string `conf:"default:localhost"`
			Name         string `conf:"default:postgres"`
			MaxIdleConns int    `conf:"default:2"`
			MaxOpenConns int    `conf:"default:0"`
			DisableTLS   bool   `conf:"default:true"`
		}
		GenesisPath string `conf:"default:zblock/genesis.json"`
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "relay node administration",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	db, err := postgres.Open(postgres.Config{
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Host:         cfg.DB.Host,
		Name:         cfg.DB.Name,
		MaxIdleConns: cfg.DB.MaxIdleConns,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		DisableTLS:   cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := postgres.StatusCheck(ctx, db); err != nil {
		return fmt.Errorf("db not ready: %w", err)
	}

	// Migrations run without the store so the schema can be applied before
	// a genesis file exists.
	if cfg.Args.Num(0) == "migrate" {
		return commands.Migrate(db)
	}

	gen, err := genesis.Load(cfg.GenesisPath)
	if err != nil {
		return err
	}

	store, err := postgres.New(ctx, db, gen, selector.StrategyPriority)
	if err != nil {
		return err
	}

	return processCommands(ctx, cfg.Args, store)
}

// processCommands handles the execution of the commands specified on
// the command line.
func processCommands(ctx context.Context, args conf.Args, store *postgres.Postgres) error {
	switch args.Num(0) {
	case "blocks":
		if err := commands.Blocks(ctx, args, store); err != nil {
			return fmt.Errorf("getting blocks: %w", err)
		}
	case "peers":
		if err := commands.Peers(ctx, store); err != nil {
			return fmt.Errorf("getting peers: %w", err)
		}
	case "purge":
		if err := commands.Purge(ctx, store); err != nil {
			return fmt.Errorf("purging tracking: %w", err)
		}
	default:
		fmt.Println("migrate: apply the schema migrations")
		fmt.Println("blocks:  print the blocks, optionally from a block number")
		fmt.Println("peers:   print the known peers and their reputation")
		fmt.Println("purge:   remove the expired broadcast tracking records")
		return commands.ErrHelp
	}

	return nil
}
