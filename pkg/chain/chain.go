// Package chain dials settlement-chain RPC endpoints and verifies they
// serve the chain they are configured as. A node that signs balance proofs
// bound to chain 8453 but talks to an endpoint on another chain would
// produce claims its peers reject; probing at startup surfaces the
// misconfiguration immediately.
package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nostrlink/relaygate/pkg/model"
)

// Client is a connected JSON-RPC client for one settlement chain.
type Client struct {
	RPC   *ethclient.Client
	Chain string
	ID    int64
}

// Dial connects to endpoint and confirms it serves the chain named by the
// "evm:<name>:<id>" identifier. The returned client is ready for on-chain
// reads.
func Dial(ctx context.Context, chain, endpoint string) (*Client, error) {
	want, err := model.ChainID(chain)
	if err != nil {
		return nil, err
	}

	rpc, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	got, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("querying chain id: %w", err)
	}
	if got.Int64() != want {
		rpc.Close()
		return nil, fmt.Errorf("%s: endpoint serves chain %d, want %d", chain, got.Int64(), want)
	}
	return &Client{RPC: rpc, Chain: chain, ID: want}, nil
}

// Probe dials, verifies and disconnects. Startup checks use it.
func Probe(ctx context.Context, chain, endpoint string) error {
	c, err := Dial(ctx, chain, endpoint)
	if err != nil {
		return err
	}
	c.Close()
	return nil
}

func (c *Client) Close() { c.RPC.Close() }
