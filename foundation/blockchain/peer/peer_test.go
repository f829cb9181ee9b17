package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_CRUD(t *testing.T) {
	type table struct {
		name  string
		hosts []string
	}

	tt := []table{
		{
			name:  "basic",
			hosts: []string{"host1", "host2", "host3", "self"},
		},
	}

	ctx := context.Background()

	for _, tst := range tt {
		f := func(t *testing.T) {
			dir := peer.NewDirectory("self", peer.NewPeerSet())

			for _, host := range tst.hosts {
				if _, err := dir.Add(ctx, host); err != nil {
					t.Fatalf("Test %s:\tShould be able to add peer %s: %s", tst.name, host, err)
				}
			}

			peers, err := dir.All(ctx)
			if err != nil {
				t.Fatalf("Test %s:\tShould be able to query peers: %s", tst.name, err)
			}

			if len(peers) != len(tst.hosts)-1 {
				t.Logf("Test %s:\tgot: %d", tst.name, len(peers))
				t.Logf("Test %s:\texp: %d", tst.name, len(tst.hosts)-1)
				t.Fatalf("Test %s:\tShould get back the right peers without self.", tst.name)
			}

			added, _ := dir.Add(ctx, "host1")
			if added {
				t.Fatalf("Test %s:\tShould not add an existing peer twice.", tst.name)
			}

			if err := dir.Remove(ctx, "host2"); err != nil {
				t.Fatalf("Test %s:\tShould be able to remove a peer: %s", tst.name, err)
			}

			peers, _ = dir.All(ctx)
			if len(peers) != len(tst.hosts)-2 {
				t.Logf("Test %s:\tgot: %d", tst.name, len(peers))
				t.Logf("Test %s:\texp: %d", tst.name, len(tst.hosts)-2)
				t.Fatalf("Test %s:\tShould get back the right peers after remove.", tst.name)
			}
		}

		t.Run(tst.name, f)
	}
}

func Test_Reputation(t *testing.T) {
	ctx := context.Background()
	dir := peer.NewDirectory("self", peer.NewPeerSet())
	dir.Add(ctx, "host1")

	t.Log("Given the need to keep reputation within bounds.")
	{
		var p peer.Peer
		var err error

		for range 60 {
			if p, err = dir.RecordSuccess(ctx, "host1", time.Millisecond); err != nil {
				t.Fatalf("\t%s\tShould be able to record success: %v", failed, err)
			}
		}

		if p.Reputation != peer.MaxReputation {
			t.Fatalf("\t%s\tShould cap at %d: got %d", failed, peer.MaxReputation, p.Reputation)
		}
		t.Logf("\t%s\tShould cap at %d.", success, peer.MaxReputation)

		for range 30 {
			p, _ = dir.RecordFailure(ctx, "host1", time.Second)
		}

		if p.Reputation != peer.MinReputation {
			t.Fatalf("\t%s\tShould floor at %d: got %d", failed, peer.MinReputation, p.Reputation)
		}
		t.Logf("\t%s\tShould floor at %d.", success, peer.MinReputation)

		active, _ := dir.Active(ctx)
		if len(active) != 0 {
			t.Fatalf("\t%s\tShould not report a peer without reputation as active.", failed)
		}
		t.Logf("\t%s\tShould not report a peer without reputation as active.", success)

		if _, err := dir.RecordSuccess(ctx, "unknown", 0); err == nil {
			t.Fatalf("\t%s\tShould fail for an unknown peer.", failed)
		}
		t.Logf("\t%s\tShould fail for an unknown peer.", success)
	}
}
