// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Package engine defines the calling contract between the client core and an
// FHE engine: encrypted input bundles, user decryption keypairs, authorization
// challenges and batch user-decryption.
//
// The engine itself (ciphertext construction, proofs, the decryption network)
// is external. Implementations live in the relayer package (remote HTTP
// relayer) and in internal/localengine (in-process development relayer).
package engine

import (
	"context"
	"time"

	"github.com/luxfi/geth/common"
)

// DefaultDurationDays is the validity window requested for new decryption
// credentials.
const DefaultDurationDays = 365

// InputBundle is the result of encrypting an ordered list of plaintext fields
// for one contract call. It is submitted to exactly one contract call.
type InputBundle struct {
	Contract  common.Address
	Submitter common.Address
	Handles   []Handle
	Proof     []byte
}

// Keypair is the asymmetric keypair a decryption result is sealed to.
type Keypair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// Pair binds a handle to the contract that holds it.
type Pair struct {
	Handle   Handle
	Contract common.Address
}

// DecryptRequest is one authorized batch user-decryption call.
type DecryptRequest struct {
	Pairs        []Pair
	Keypair      Keypair
	Signature    []byte
	Contracts    []common.Address
	Identity     common.Address
	Start        time.Time
	DurationDays int
}

// Engine is the FHE engine adapter.
type Engine interface {
	// Encrypt bundles fields into handles plus one proof bound to
	// (contract, submitter).
	Encrypt(ctx context.Context, contract, submitter common.Address, fields []uint64) (*InputBundle, error)
	// GenerateKeypair returns a fresh keypair on every call.
	GenerateKeypair() (*Keypair, error)
	// BuildAuthorizationChallenge returns the message a user signs to
	// authorize decryption of handles held by contracts.
	BuildAuthorizationChallenge(publicKey []byte, contracts []common.Address, start time.Time, durationDays int) (*Challenge, error)
	// BatchDecrypt resolves every pair of req to its plaintext.
	BatchDecrypt(ctx context.Context, req *DecryptRequest) (map[Handle]uint64, error)
}

// Signer signs authorization challenges on behalf of an account. Signing may
// involve a human and take arbitrarily long; implementations must return
// when ctx is done.
type Signer interface {
	SignTypedData(ctx context.Context, challenge *Challenge, account common.Address) ([]byte, error)
}
