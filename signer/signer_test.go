package signer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/fhevault/engine"
)

func challenge(t *testing.T) *engine.Challenge {
	t.Helper()
	c, err := engine.BuildChallenge(
		engine.Domain{ChainID: 1, VerifyingContract: common.HexToAddress("0xd1")},
		[]byte{1, 2, 3},
		[]common.Address{common.HexToAddress("0xc1")},
		time.Unix(1_700_000_000, 0),
		365,
	)
	require.NoError(t, err)
	return c
}

func TestLocal(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := NewLocal(key)

	sig, err := s.SignTypedData(context.Background(), challenge(t), s.Address())
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, sig[crypto.RecoveryIDOffset])

	addr, err := engine.RecoverSigner(challenge(t), sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), addr)

	_, err = s.SignTypedData(context.Background(), challenge(t), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, ErrWrongAccount)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.SignTypedData(ctx, challenge(t), s.Address())
	require.ErrorIs(t, err, context.Canceled)
}

func TestLocalFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hex := hexutil.Encode(crypto.FromECDSA(key))

	s, err := LocalFromHex(hex)
	require.NoError(t, err)
	require.Equal(t, common.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = LocalFromHex("zz")
	require.Error(t, err)
}

func TestLocalKnownAddress(t *testing.T) {
	s, err := LocalFromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), s.Address())
}

// wallet answers eth_signTypedData_v4 with a local key, decoding the typed
// data from JSON the way a remote wallet would.
type wallet struct {
	local  *Local
	method string
}

func (w *wallet) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	w.method = method
	raw, err := json.Marshal(args[1])
	if err != nil {
		return err
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return err
	}
	sig, err := w.local.SignTypedData(ctx, &engine.Challenge{TypedData: td}, args[0].(common.Address))
	if err != nil {
		return err
	}
	*result.(*hexutil.Bytes) = sig
	return nil
}

func TestRPC(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w := &wallet{local: NewLocal(key)}

	sig, err := NewRPC(w).SignTypedData(context.Background(), challenge(t), w.local.Address())
	require.NoError(t, err)
	require.Equal(t, "eth_signTypedData_v4", w.method)

	addr, err := engine.RecoverSigner(challenge(t), sig)
	require.NoError(t, err)
	require.Equal(t, w.local.Address(), addr)
}

func TestFunc(t *testing.T) {
	declined := errors.New("declined")
	f := Func(func(context.Context, *engine.Challenge, common.Address) ([]byte, error) {
		return nil, declined
	})
	_, err := f.SignTypedData(context.Background(), challenge(t), common.Address{})
	require.ErrorIs(t, err, declined)
}
