// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/luxfi/geth/common"
)

// HandleLength is the byte width of a ciphertext handle.
const HandleLength = common.HashLength

// Handle is an opaque identifier of an encrypted value. The zero handle marks
// a value that was never initialised.
type Handle common.Hash

// ComputeHandle derives the handle of a serialized ciphertext.
func ComputeHandle(ciphertext []byte) Handle {
	return Handle(common.Keccak256Hash(ciphertext))
}

// ParseHandle decodes a hex handle with or without 0x prefix.
func ParseHandle(s string) (Handle, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	if len(b) != HandleLength {
		return Handle{}, fmt.Errorf("%w: %d bytes", ErrInvalidHandle, len(b))
	}
	var h Handle
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether h is the absent-value marker.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Hex returns the 0x-prefixed lowercase encoding of h.
func (h Handle) Hex() string {
	return common.Hash(h).Hex()
}

func (h Handle) String() string {
	return h.Hex()
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
