package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/rpc"
)

// DefaultPollInterval is how often RPCBackend polls for a receipt.
const DefaultPollInterval = time.Second

// RPCBackend implements Caller and Transactor over a node JSON-RPC endpoint.
// Transactions are sent with eth_sendTransaction, so the node (or the wallet
// behind it) must hold the key of From.
type RPCBackend struct {
	client       *rpc.Client
	From         common.Address
	PollInterval time.Duration
}

// DialRPC connects to url and sends transactions from from.
func DialRPC(ctx context.Context, url string, from common.Address) (*RPCBackend, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial node: %w", err)
	}
	return NewRPCBackend(client, from), nil
}

// NewRPCBackend wraps an established client.
func NewRPCBackend(client *rpc.Client, from common.Address) *RPCBackend {
	return &RPCBackend{client: client, From: from, PollInterval: DefaultPollInterval}
}

type callArgs struct {
	From *common.Address `json:"from,omitempty"`
	To   common.Address  `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

func (b *RPCBackend) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	if err := b.client.CallContext(ctx, &out, "eth_call", callArgs{To: to, Data: data}, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *RPCBackend) Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	from := b.From
	var hash common.Hash
	if err := b.client.CallContext(ctx, &hash, "eth_sendTransaction", callArgs{From: &from, To: to, Data: data}); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	interval := b.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var receipt *types.Receipt
		if err := b.client.CallContext(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
			return nil, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the underlying client.
func (b *RPCBackend) Close() {
	b.client.Close()
}
