// Package commands contains the functionality for the set of commands
// currently supported by the admin CLI tooling.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/postgres"
	"github.com/jmoiron/sqlx"
)

// ErrHelp provides context that help was given.
var ErrHelp = errors.New("provided help")

// Migrate applies the schema migrations.
func Migrate(db *sqlx.DB) error {
	if err := postgres.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	fmt.Println("migrations complete")
	return nil
}

// Blocks prints the blocks from the specified number to the tip.
func Blocks(ctx context.Context, args conf.Args, store *postgres.Postgres) error {
	var from uint64
	if v := args.Num(1); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block number %q: %w", v, err)
		}
		from = n
	}

	latest, err := store.LatestBlock(ctx)
	if err != nil {
		return err
	}

	for num := from; num <= latest.Header.Number; num++ {
		block, err := store.GetBlock(ctx, num)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return err
		}

		fmt.Printf("Block: %d  Hash: %s  Proposer: %s  Trans: %d\n", block.Header.Number, block.Hash(), block.Header.ProposerID, len(block.Trans))
		for _, tx := range block.Trans {
			fmt.Printf("    %s  %s\n", tx.Hash, tx)
		}
	}

	return nil
}

// Peers prints the known peers.
func Peers(ctx context.Context, store *postgres.Postgres) error {
	peers, err := store.QueryPeers(ctx)
	if err != nil {
		return err
	}

	for _, p := range peers {
		fmt.Printf("Peer: %s  Reputation: %d\n", p.Host, p.Reputation)
	}

	return nil
}

// Purge removes the expired broadcast tracking records.
func Purge(ctx context.Context, store *postgres.Postgres) error {
	purged, err := store.PurgeTracking(ctx, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("purged %d tracking records\n", purged)
	return nil
}
