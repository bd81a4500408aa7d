// Package chaintest provides an in-memory registry for tests and local
// development: a Ledger holding records and generations, and a Registry
// that speaks the registry ABI on top of it.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"

	"github.com/luxfi/fhevault/chain"
	"github.com/luxfi/fhevault/engine"
)

// ErrNoRecord is returned when granting access to a record that does not
// exist. It matches chain.ErrReverted, as the contract call would revert.
var ErrNoRecord = fmt.Errorf("%w: no such record", chain.ErrReverted)

// ACLSink receives every grant so the decryption service learns about it.
type ACLSink interface {
	Allow(ctx context.Context, handles []engine.Handle, accounts ...common.Address) error
}

type subjectKey struct {
	contract common.Address
	subject  common.Address
}

var _ chain.Ledger = (*Ledger)(nil)

// Ledger is an in-memory chain.Ledger.
type Ledger struct {
	sink ACLSink

	mu          sync.Mutex
	generations map[subjectKey]uint64
	records     map[subjectKey]map[uint64][]engine.Handle
	grants      int
	nonce       uint64
	failNext    error
}

// New returns an empty ledger forwarding grants to sink. A nil sink drops
// them.
func New(sink ACLSink) *Ledger {
	return &Ledger{
		sink:        sink,
		generations: make(map[subjectKey]uint64),
		records:     make(map[subjectKey]map[uint64][]engine.Handle),
	}
}

// PutRecord stores handles as record index of subject and bumps the
// subject's generation, as replacing a record does on chain. It returns the
// new generation.
func (l *Ledger) PutRecord(contract, subject common.Address, index uint64, handles []engine.Handle) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := subjectKey{contract, subject}
	if l.records[k] == nil {
		l.records[k] = make(map[uint64][]engine.Handle)
	}
	l.records[k][index] = append([]engine.Handle(nil), handles...)
	l.generations[k]++
	return l.generations[k]
}

// FailNextGrant makes the next GrantAccess fail with err.
func (l *Ledger) FailNextGrant(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// Grants returns the number of successful grants.
func (l *Ledger) Grants() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grants
}

func (l *Ledger) Generation(ctx context.Context, contract, subject common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generations[subjectKey{contract, subject}], nil
}

func (l *Ledger) GrantAccess(ctx context.Context, contract, subject, viewer common.Address, recordIndex uint64) (*chain.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if err := l.failNext; err != nil {
		l.failNext = nil
		l.mu.Unlock()
		return nil, err
	}
	k := subjectKey{contract, subject}
	handles, ok := l.records[k][recordIndex]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%d", ErrNoRecord, subject.Hex(), recordIndex)
	}
	handles = append([]engine.Handle(nil), handles...)
	gen := l.generations[k]
	l.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce)
	txHash := common.Keccak256Hash([]byte("chaintest"), buf[:])
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Allow(ctx, handles, viewer, contract); err != nil {
			return nil, fmt.Errorf("propagate grant: %w", err)
		}
	}

	l.mu.Lock()
	l.grants++
	l.mu.Unlock()
	return &chain.Grant{TxHash: txHash, Generation: gen, Handles: handles}, nil
}

var (
	_ chain.Caller     = (*Registry)(nil)
	_ chain.Transactor = (*Registry)(nil)
)

// Registry answers ABI-encoded registry calls from a Ledger.
type Registry struct {
	ledger *Ledger
	abi    abi.ABI
}

// NewRegistry wraps ledger.
func NewRegistry(ledger *Ledger) (*Registry, error) {
	parsed, err := chain.ParseABI()
	if err != nil {
		return nil, err
	}
	return &Registry{ledger: ledger, abi: parsed}, nil
}

func (r *Registry) method(data []byte, name string) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("short calldata")
	}
	m, err := r.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	if m.Name != name {
		return nil, nil, fmt.Errorf("unexpected method %s", m.Name)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("unpack %s: %w", name, err)
	}
	return m, args, nil
}

func (r *Registry) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	m, args, err := r.method(data, "dataGeneration")
	if err != nil {
		return nil, err
	}
	gen, err := r.ledger.Generation(ctx, to, args[0].(common.Address))
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(new(big.Int).SetUint64(gen))
}

// Transact executes grantAccess. A missing record yields a reverted receipt.
func (r *Registry) Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	_, args, err := r.method(data, "grantAccess")
	if err != nil {
		return nil, err
	}
	subject := args[0].(common.Address)
	viewer := args[1].(common.Address)
	index := args[2].(*big.Int)

	grant, err := r.ledger.GrantAccess(ctx, to, subject, viewer, index.Uint64())
	if errors.Is(err, ErrNoRecord) {
		return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: common.Keccak256Hash(data)}, nil
	}
	if err != nil {
		return nil, err
	}

	raw := make([][32]byte, len(grant.Handles))
	for i, h := range grant.Handles {
		raw[i] = h
	}
	event := r.abi.Events["AccessGranted"]
	payload, err := event.Inputs.NonIndexed().Pack(index, new(big.Int).SetUint64(grant.Generation), raw)
	if err != nil {
		return nil, fmt.Errorf("pack AccessGranted: %w", err)
	}
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: grant.TxHash,
		Logs: []*types.Log{{
			Address: to,
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(subject.Bytes()),
				common.BytesToHash(viewer.Bytes()),
			},
			Data:   payload,
			TxHash: grant.TxHash,
		}},
	}, nil
}
