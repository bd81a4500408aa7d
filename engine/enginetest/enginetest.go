// Package enginetest provides in-memory engine and signer doubles that count
// every call they receive.
package enginetest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/fhevault/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Engine is a plaintext-backed engine. Handles are derived from a counter.
type Engine struct {
	Domain   engine.Domain
	BitWidth int

	mu       sync.Mutex
	values   map[engine.Handle]uint64
	failures []error
	batches  [][]engine.Pair
	counter  uint64

	encryptCalls atomic.Int64
	keypairCalls atomic.Int64
	decryptCalls atomic.Int64
}

// New returns an empty engine accepting 64-bit fields.
func New() *Engine {
	return &Engine{
		Domain:   engine.Domain{ChainID: 31337, VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000d1")},
		BitWidth: 64,
		values:   make(map[engine.Handle]uint64),
	}
}

// Seed registers a handle with a plaintext and returns it.
func (e *Engine) Seed(value uint64) engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newHandleLocked(value)
}

// FailNext queues errors returned by the following BatchDecrypt calls, one
// per call.
func (e *Engine) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

func (e *Engine) newHandleLocked(value uint64) engine.Handle {
	e.counter++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.counter)
	h := engine.Handle(common.Keccak256Hash([]byte("enginetest"), buf[:]))
	e.values[h] = value
	return h
}

func (e *Engine) Encrypt(_ context.Context, contract, submitter common.Address, fields []uint64) (*engine.InputBundle, error) {
	e.encryptCalls.Add(1)
	if len(fields) == 0 {
		return nil, engine.NewError(engine.ErrEngine, "encrypt", errors.New("no fields"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	handles := make([]engine.Handle, 0, len(fields))
	for i, v := range fields {
		if e.BitWidth < 64 && v>>uint(e.BitWidth) != 0 {
			return nil, engine.NewError(engine.ErrEngine, "encrypt", fmt.Errorf("field %d exceeds %d bits", i, e.BitWidth))
		}
		handles = append(handles, e.newHandleLocked(v))
	}
	proof := crypto.Keccak256(contract[:], submitter[:])
	return &engine.InputBundle{Contract: contract, Submitter: submitter, Handles: handles, Proof: proof}, nil
}

func (e *Engine) GenerateKeypair() (*engine.Keypair, error) {
	e.keypairCalls.Add(1)
	kp := &engine.Keypair{Public: make([]byte, 32), Private: make([]byte, 32)}
	if _, err := rand.Read(kp.Public); err != nil {
		return nil, err
	}
	if _, err := rand.Read(kp.Private); err != nil {
		return nil, err
	}
	return kp, nil
}

func (e *Engine) BuildAuthorizationChallenge(publicKey []byte, contracts []common.Address, start time.Time, durationDays int) (*engine.Challenge, error) {
	return engine.BuildChallenge(e.Domain, publicKey, contracts, start, durationDays)
}

func (e *Engine) BatchDecrypt(ctx context.Context, req *engine.DecryptRequest) (map[engine.Handle]uint64, error) {
	e.decryptCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.batches = append(e.batches, append([]engine.Pair(nil), req.Pairs...))
	if len(e.failures) > 0 {
		err := e.failures[0]
		e.failures = e.failures[1:]
		return nil, err
	}

	out := make(map[engine.Handle]uint64, len(req.Pairs))
	for _, p := range req.Pairs {
		v, ok := e.values[p.Handle]
		if !ok {
			return nil, engine.NewError(engine.ErrEngine, "decrypt", fmt.Errorf("unknown handle %s", p.Handle))
		}
		out[p.Handle] = v
	}
	return out, nil
}

// EncryptCalls returns the number of Encrypt calls.
func (e *Engine) EncryptCalls() int { return int(e.encryptCalls.Load()) }

// KeypairCalls returns the number of GenerateKeypair calls.
func (e *Engine) KeypairCalls() int { return int(e.keypairCalls.Load()) }

// DecryptCalls returns the number of BatchDecrypt calls.
func (e *Engine) DecryptCalls() int { return int(e.decryptCalls.Load()) }

// Batches returns a copy of the pairs of every BatchDecrypt call so far.
func (e *Engine) Batches() [][]engine.Pair {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]engine.Pair, len(e.batches))
	copy(out, e.batches)
	return out
}
