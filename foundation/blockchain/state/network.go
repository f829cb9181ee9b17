package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/cenkalti/backoff/v4"
)

const baseURL = "http://%s/v1/node"

// Client talks to the private api of peer nodes.
type Client struct {
	self string
	http *http.Client
}

// NewClient constructs a client for the node identified by self. The connect
// timeout bounds the dial and the request timeout bounds the whole call.
func NewClient(self string, connectTimeout time.Duration, requestTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 3 * time.Second
	}

	dialer := net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		self: self,
		http: &http.Client{
			Transport: &transport,
			Timeout:   requestTimeout,
		},
	}
}

// SendTx pushes a transaction to the peer. A rejection by the peer's api is
// permanent and is not retried.
func (c *Client) SendTx(ctx context.Context, p peer.Peer, push broadcast.Push) error {
	url := fmt.Sprintf("%s/tx/broadcast", fmt.Sprintf(baseURL, p.Host))

	var res broadcast.ReceiveResult
	if err := c.send(ctx, http.MethodPost, url, push, &res); err != nil {
		return err
	}

	return nil
}

// QueryTopology asks the peer for the nodes it can reach directly.
func (c *Client) QueryTopology(ctx context.Context, p peer.Peer) ([]database.TopologyEdge, error) {
	url := fmt.Sprintf("%s/topology", fmt.Sprintf(baseURL, p.Host))

	var edges []database.TopologyEdge
	if err := c.send(ctx, http.MethodGet, url, nil, &edges); err != nil {
		return nil, err
	}

	return edges, nil
}

// SendBlock sends a new block to the peer.
func (c *Client) SendBlock(ctx context.Context, p peer.Peer, block database.Block) error {
	url := fmt.Sprintf("%s/block/propose", fmt.Sprintf(baseURL, p.Host))

	var status struct {
		Status string `json:"status"`
	}

	if err := c.send(ctx, http.MethodPost, url, block, &status); err != nil {
		return fmt.Errorf("%s: %w", p.Host, err)
	}

	return nil
}

// RequestPeerStatus asks the peer for its status and known peers.
func (c *Client) RequestPeerStatus(ctx context.Context, p peer.Peer) (peer.PeerStatus, error) {
	url := fmt.Sprintf("%s/status", fmt.Sprintf(baseURL, p.Host))

	var ps peer.PeerStatus
	if err := c.send(ctx, http.MethodGet, url, nil, &ps); err != nil {
		return peer.PeerStatus{}, err
	}

	return ps, nil
}

// RequestAddPeer announces this node to the peer.
func (c *Client) RequestAddPeer(ctx context.Context, p peer.Peer) error {
	url := fmt.Sprintf("%s/peers", fmt.Sprintf(baseURL, p.Host))

	req := struct {
		Host string `json:"host"`
	}{
		Host: c.self,
	}

	return c.send(ctx, http.MethodPost, url, req, nil)
}

// RequestPeerMempool asks the peer for the entries in its mempool.
func (c *Client) RequestPeerMempool(ctx context.Context, p peer.Peer) ([]database.MempoolEntry, error) {
	url := fmt.Sprintf("%s/tx/list", fmt.Sprintf(baseURL, p.Host))

	var entries []database.MempoolEntry
	if err := c.send(ctx, http.MethodGet, url, nil, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// RequestPeerBlocks asks the peer for the blocks starting at the specified
// number through its latest block.
func (c *Client) RequestPeerBlocks(ctx context.Context, p peer.Peer, from uint64) ([]database.Block, error) {
	url := fmt.Sprintf("%s/block/list/%d/latest", fmt.Sprintf(baseURL, p.Host), from)

	var blocks []database.Block
	if err := c.send(ctx, http.MethodGet, url, nil, &blocks); err != nil {
		return nil, err
	}

	return blocks, nil
}

// =============================================================================

// send is a helper function to send an HTTP request to a node. Transport
// failures wrap ErrNetworkUnavailable and client errors are permanent.
func (c *Client) send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var body io.Reader
	if dataSend != nil {
		data, err := json.Marshal(dataSend)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		msg, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return err
		}

		err = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}

	return nil
}
