// Package signer provides engine.Signer implementations: an in-process
// secp256k1 key, a remote wallet reached over JSON-RPC and a function
// adapter.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/rpc"

	"github.com/luxfi/fhevault/engine"
)

// ErrWrongAccount is returned when asked to sign for an account the signer
// does not control.
var ErrWrongAccount = errors.New("signer does not control account")

var (
	_ engine.Signer = (*Local)(nil)
	_ engine.Signer = (*RPC)(nil)
	_ engine.Signer = Func(nil)
)

// Local signs with a private key held in memory.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocal wraps key.
func NewLocal(key *ecdsa.PrivateKey) *Local {
	return &Local{key: key, address: common.PubkeyToAddress(key.PublicKey)}
}

// LocalFromHex parses a hex private key, with or without 0x prefix.
func LocalFromHex(s string) (*Local, error) {
	key, err := crypto.HexToECDSA(trimHex(s))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewLocal(key), nil
}

// LocalFromFile loads a hex private key file.
func LocalFromFile(path string) (*Local, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return NewLocal(key), nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Address returns the account the key controls.
func (l *Local) Address() common.Address {
	return l.address
}

// SignTypedData signs the EIP-712 digest of challenge. V is 27 or 28.
func (l *Local) SignTypedData(ctx context.Context, challenge *engine.Challenge, account common.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account != l.address {
		return nil, fmt.Errorf("%w: %s", ErrWrongAccount, account.Hex())
	}
	hash, err := challenge.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, l.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Caller is the JSON-RPC surface RPC needs. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPC asks a wallet to sign through eth_signTypedData_v4.
type RPC struct {
	caller Caller
}

// NewRPC wraps an established connection.
func NewRPC(caller Caller) *RPC {
	return &RPC{caller: caller}
}

// DialRPC connects to a wallet endpoint.
func DialRPC(ctx context.Context, url string) (*RPC, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet: %w", err)
	}
	return NewRPC(client), nil
}

func (r *RPC) SignTypedData(ctx context.Context, challenge *engine.Challenge, account common.Address) ([]byte, error) {
	var sig hexutil.Bytes
	if err := r.caller.CallContext(ctx, &sig, "eth_signTypedData_v4", account, challenge.TypedData); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("eth_signTypedData_v4: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("wallet returned %d byte signature", len(sig))
	}
	return sig, nil
}

// Func adapts a function to engine.Signer.
type Func func(ctx context.Context, challenge *engine.Challenge, account common.Address) ([]byte, error)

func (f Func) SignTypedData(ctx context.Context, challenge *engine.Challenge, account common.Address) ([]byte, error) {
	return f(ctx, challenge, account)
}
