// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/signer/core/apitypes"
	"github.com/luxfi/math"
)

const (
	challengePrimaryType = "UserDecryptRequestVerification"
	challengeDomainName  = "Decryption"
	challengeVersion     = "1"
)

var (
	ErrInvalidSignature = errors.New("invalid authorization signature")
	ErrNoContracts      = errors.New("authorization must cover at least one contract")
)

// Domain pins a challenge to one chain and one verifying contract.
type Domain struct {
	ChainID           int64
	VerifyingContract common.Address
}

// Challenge is the EIP-712 structured message a user signs to obtain a
// decryption credential.
type Challenge struct {
	TypedData apitypes.TypedData
}

// Hash returns the EIP-712 digest that is signed.
func (c *Challenge) Hash() ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(c.TypedData)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// BuildChallenge returns the authorization challenge for publicKey covering
// exactly contracts. Identical inputs produce identical challenges; contract
// order and case do not matter.
func BuildChallenge(domain Domain, publicKey []byte, contracts []common.Address, start time.Time, durationDays int) (*Challenge, error) {
	sorted := SortAddresses(contracts)
	if len(sorted) == 0 {
		return nil, ErrNoContracts
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("invalid duration: %d days", durationDays)
	}

	addrs := make([]interface{}, len(sorted))
	for i, a := range sorted {
		addrs[i] = strings.ToLower(a.Hex())
	}

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			challengePrimaryType: {
				{Name: "publicKey", Type: "bytes"},
				{Name: "contractAddresses", Type: "address[]"},
				{Name: "startTimestamp", Type: "uint256"},
				{Name: "durationDays", Type: "uint256"},
			},
		},
		PrimaryType: challengePrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              challengeDomainName,
			Version:           challengeVersion,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"publicKey":         hexutil.Encode(publicKey),
			"contractAddresses": addrs,
			"startTimestamp":    strconv.FormatInt(start.Unix(), 10),
			"durationDays":      strconv.Itoa(durationDays),
		},
	}
	return &Challenge{TypedData: td}, nil
}

// RecoverSigner returns the account that produced sig over challenge. Both
// 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(challenge *Challenge, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	hash, err := challenge.Hash()
	if err != nil {
		return common.Address{}, err
	}
	normalized := bytes.Clone(sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return common.PubkeyToAddress(*pub), nil
}

// SortAddresses returns a sorted copy of addrs without duplicates or zero
// addresses.
func SortAddresses(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if a == (common.Address{}) {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
