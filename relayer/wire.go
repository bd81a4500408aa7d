package relayer

import (
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"

	"github.com/luxfi/fhevault/engine"
)

// Endpoint paths.
const (
	PathHealth      = "/health"
	PathKeyURL      = "/v1/keyurl"
	PathInputProof  = "/v1/input-proof"
	PathUserDecrypt = "/v1/user-decrypt"
	PathACLAllow    = "/v1/acl/allow"
)

// RequestIDHeader carries the client-generated id of a request.
const RequestIDHeader = "X-Request-Id"

// KeyResponse describes the network encryption key and the authorization
// domain of the relayer.
type KeyResponse struct {
	PublicKey         hexutil.Bytes  `json:"publicKey"`
	LogN              int            `json:"logN"`
	Q                 uint64         `json:"q"`
	BitWidth          int            `json:"bitWidth"`
	ChainID           int64          `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
	Coprocessor       common.Address `json:"coprocessor"`
}

// InputProofRequest submits client-encrypted fields for one contract call.
type InputProofRequest struct {
	Contract    common.Address  `json:"contractAddress"`
	Submitter   common.Address  `json:"userAddress"`
	Ciphertexts []hexutil.Bytes `json:"ciphertexts"`
}

// InputProofResponse returns one handle per submitted ciphertext, in order.
type InputProofResponse struct {
	Handles []engine.Handle `json:"handles"`
	Proof   hexutil.Bytes   `json:"inputProof"`
}

// HandlePair binds a handle to its contract on the wire.
type HandlePair struct {
	Handle   engine.Handle  `json:"handle"`
	Contract common.Address `json:"contractAddress"`
}

// UserDecryptRequest is an authorized batch decryption.
type UserDecryptRequest struct {
	Pairs        []HandlePair     `json:"handleContractPairs"`
	PublicKey    hexutil.Bytes    `json:"publicKey"`
	Signature    hexutil.Bytes    `json:"signature"`
	Contracts    []common.Address `json:"contractAddresses"`
	Identity     common.Address   `json:"userAddress"`
	Start        int64            `json:"startTimestamp"`
	DurationDays int              `json:"durationDays"`
}

// SealedResult is one plaintext sealed to the request's public key.
type SealedResult struct {
	Handle engine.Handle `json:"handle"`
	Sealed hexutil.Bytes `json:"sealed"`
}

// UserDecryptResponse lists the sealed plaintexts.
type UserDecryptResponse struct {
	Results []SealedResult `json:"results"`
}

// AllowRequest grants accounts access to handles. Development relayers only.
type AllowRequest struct {
	Handles  []engine.Handle  `json:"handles"`
	Accounts []common.Address `json:"accounts"`
}

// ErrorResponse is the body of every non-2xx answer. Code is an
// engine.KindName.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
