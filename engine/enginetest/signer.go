package enginetest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync/atomic"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/fhevault/engine"
)

// ErrDeclined is returned by a Signer configured to reject.
var ErrDeclined = errors.New("user declined signature")

// Signer signs challenges with an in-memory key and counts prompts.
type Signer struct {
	key     *ecdsa.PrivateKey
	calls   atomic.Int64
	decline atomic.Bool
	// Gate, when set, blocks each signature until a value is received or
	// ctx is done.
	Gate chan struct{}
}

// NewSigner returns a signer backed by a fresh key.
func NewSigner() *Signer {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &Signer{key: key}
}

// Address is the identity the signer signs for.
func (s *Signer) Address() common.Address {
	return common.PubkeyToAddress(s.key.PublicKey)
}

// Decline makes every following prompt fail with ErrDeclined.
func (s *Signer) Decline(v bool) {
	s.decline.Store(v)
}

// Calls returns the number of signature prompts received.
func (s *Signer) Calls() int {
	return int(s.calls.Load())
}

func (s *Signer) SignTypedData(ctx context.Context, challenge *engine.Challenge, _ common.Address) ([]byte, error) {
	s.calls.Add(1)
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.decline.Load() {
		return nil, ErrDeclined
	}
	hash, err := challenge.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
