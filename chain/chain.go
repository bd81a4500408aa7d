// Package chain reads record generations from, and submits permission grants
// to, the on-chain health-record registry.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"

	"github.com/luxfi/fhevault/engine"
)

var (
	ErrReverted        = errors.New("transaction reverted")
	ErrNoGrantEvent    = errors.New("receipt has no AccessGranted event")
	ErrGenerationRange = errors.New("generation exceeds uint64")
)

// RegistryABI is the part of the registry interface the client uses.
const RegistryABI = `[
	{"type":"function","name":"dataGeneration","stateMutability":"view",
	 "inputs":[{"name":"subject","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"grantAccess","stateMutability":"nonpayable",
	 "inputs":[{"name":"subject","type":"address"},{"name":"viewer","type":"address"},{"name":"recordIndex","type":"uint256"}],
	 "outputs":[]},
	{"type":"event","name":"AccessGranted","anonymous":false,
	 "inputs":[
		{"name":"subject","type":"address","indexed":true},
		{"name":"viewer","type":"address","indexed":true},
		{"name":"recordIndex","type":"uint256","indexed":false},
		{"name":"generation","type":"uint256","indexed":false},
		{"name":"handles","type":"bytes32[]","indexed":false}]}
]`

// Grant is the outcome of a mined permission-granting transaction.
type Grant struct {
	TxHash     common.Hash
	Generation uint64
	Handles    []engine.Handle
}

// Ledger is the on-chain surface the client core depends on.
type Ledger interface {
	// Generation returns the current data generation of subject's records.
	Generation(ctx context.Context, contract, subject common.Address) (uint64, error)
	// GrantAccess lets viewer decrypt record recordIndex of subject and
	// returns the handles named by the resulting AccessGranted event.
	GrantAccess(ctx context.Context, contract, subject, viewer common.Address, recordIndex uint64) (*Grant, error)
}

// Caller executes read-only contract calls.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Transactor submits a transaction and waits for its receipt.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// Client implements Ledger with ABI-encoded calls.
type Client struct {
	abi    abi.ABI
	caller Caller
	tx     Transactor
	logger log.Logger
}

// NewClient returns a Ledger over caller and tx.
func NewClient(caller Caller, tx Transactor, logger log.Logger) (*Client, error) {
	parsed, err := ParseABI()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Client{abi: parsed, caller: caller, tx: tx, logger: logger}, nil
}

// ParseABI parses RegistryABI.
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse registry abi: %w", err)
	}
	return parsed, nil
}

func (c *Client) Generation(ctx context.Context, contract, subject common.Address) (uint64, error) {
	data, err := c.abi.Pack("dataGeneration", subject)
	if err != nil {
		return 0, fmt.Errorf("pack dataGeneration: %w", err)
	}
	out, err := c.caller.Call(ctx, contract, data)
	if err != nil {
		return 0, fmt.Errorf("call dataGeneration: %w", err)
	}
	vals, err := c.abi.Unpack("dataGeneration", out)
	if err != nil {
		return 0, fmt.Errorf("unpack dataGeneration: %w", err)
	}
	gen, ok := vals[0].(*big.Int)
	if !ok || !gen.IsUint64() {
		return 0, ErrGenerationRange
	}
	return gen.Uint64(), nil
}

func (c *Client) GrantAccess(ctx context.Context, contract, subject, viewer common.Address, recordIndex uint64) (*Grant, error) {
	data, err := c.abi.Pack("grantAccess", subject, viewer, new(big.Int).SetUint64(recordIndex))
	if err != nil {
		return nil, fmt.Errorf("pack grantAccess: %w", err)
	}
	receipt, err := c.tx.Transact(ctx, contract, data)
	if err != nil {
		return nil, fmt.Errorf("submit grantAccess: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex())
	}

	grant, err := c.ParseGrant(contract, subject, viewer, recordIndex, receipt.Logs)
	if err != nil {
		return nil, err
	}
	grant.TxHash = receipt.TxHash
	c.logger.Info("Access granted",
		"contract", contract,
		"subject", subject,
		"viewer", viewer,
		"record", recordIndex,
		"generation", grant.Generation,
		"tx", receipt.TxHash,
	)
	return grant, nil
}

// ParseGrant finds the AccessGranted event for (subject, viewer,
// recordIndex) emitted by contract among logs.
func (c *Client) ParseGrant(contract, subject, viewer common.Address, recordIndex uint64, logs []*types.Log) (*Grant, error) {
	event := c.abi.Events["AccessGranted"]
	for _, l := range logs {
		if l.Address != contract || len(l.Topics) != 3 || l.Topics[0] != event.ID {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != subject || common.BytesToAddress(l.Topics[2].Bytes()) != viewer {
			continue
		}
		vals, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack AccessGranted: %w", err)
		}
		index, _ := vals[0].(*big.Int)
		gen, _ := vals[1].(*big.Int)
		raw, _ := vals[2].([][32]byte)
		if index == nil || !index.IsUint64() || index.Uint64() != recordIndex {
			continue
		}
		if gen == nil || !gen.IsUint64() {
			return nil, ErrGenerationRange
		}
		handles := make([]engine.Handle, len(raw))
		for i, h := range raw {
			handles[i] = engine.Handle(h)
		}
		return &Grant{Generation: gen.Uint64(), Handles: handles}, nil
	}
	return nil, ErrNoGrantEvent
}
