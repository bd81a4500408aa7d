package authcache

import (
	"slices"
	"strings"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"

	"github.com/luxfi/fhevault/engine"
)

const secondsPerDay = 86400

// Credential authorizes Identity to decrypt handles held by exactly
// Contracts until Start + DurationDays. It is never mutated once created.
type Credential struct {
	Keypair      engine.Keypair   `json:"keypair"`
	Signature    hexutil.Bytes    `json:"signature"`
	Identity     common.Address   `json:"identity"`
	Contracts    []common.Address `json:"contracts"`
	Start        int64            `json:"start"`
	DurationDays int              `json:"durationDays"`
}

// StartTime returns the start of the validity window.
func (c *Credential) StartTime() time.Time {
	return time.Unix(c.Start, 0)
}

// Expiry returns the first instant the credential is no longer valid.
func (c *Credential) Expiry() time.Time {
	return time.Unix(c.Start+int64(c.DurationDays)*secondsPerDay, 0)
}

// Valid reports whether now falls inside the validity window.
func (c *Credential) Valid(now time.Time) bool {
	if c.DurationDays <= 0 {
		return false
	}
	return now.Unix() < c.Start+int64(c.DurationDays)*secondsPerDay
}

// Covers reports whether the credential was issued for identity and exactly
// the given contract set.
func (c *Credential) Covers(identity common.Address, contracts []common.Address) bool {
	return c.Identity == identity && slices.Equal(c.Contracts, engine.SortAddresses(contracts))
}

// Request builds the engine call authorized by this credential.
func (c *Credential) Request(pairs []engine.Pair) *engine.DecryptRequest {
	return &engine.DecryptRequest{
		Pairs:        pairs,
		Keypair:      c.Keypair,
		Signature:    c.Signature,
		Contracts:    c.Contracts,
		Identity:     c.Identity,
		Start:        c.StartTime(),
		DurationDays: c.DurationDays,
	}
}

// Key derives the store key for (identity, contracts). Case and order of the
// contracts do not change the key.
func Key(identity common.Address, contracts []common.Address) string {
	sorted := engine.SortAddresses(contracts)
	parts := make([]string, len(sorted))
	for i, a := range sorted {
		parts[i] = strings.ToLower(a.Hex())
	}
	material := strings.ToLower(identity.Hex()) + "|" + strings.Join(parts, ",")
	return common.Keccak256Hash([]byte(material)).Hex()[2:]
}
