// Package relayer talks to a decryption relayer over HTTP. Client implements
// engine.Engine: fields are encrypted locally under the network key, the
// relayer returns handles with an input proof, and user decryptions come
// back sealed to the credential's public key.
package relayer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/log"
	"golang.org/x/crypto/nacl/box"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/internal/lwe"
	"github.com/luxfi/fhevault/metrics"
)

// Defaults.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

var _ engine.Engine = (*Client)(nil)

// Config configures a Client.
type Config struct {
	// URL is the relayer base URL.
	URL string
	// Domain is the EIP-712 domain authorization challenges are built for.
	Domain engine.Domain
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxAttempts bounds attempts on transient failures.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         log.Logger
	Metrics        *metrics.Metrics
}

type networkKey struct {
	enc      *lwe.Encryptor
	bitWidth int
}

// Client is a relayer client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	logger  log.Logger
	metrics *metrics.Metrics

	keyMu sync.Mutex
	key   *networkKey
}

// New creates a client for the relayer at cfg.URL.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relayer url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoOpLogger()
	}
	return &Client{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.URL, "/"),
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Encrypt encrypts fields under the network key and registers them with the
// relayer for (contract, submitter).
func (c *Client) Encrypt(ctx context.Context, contract, submitter common.Address, fields []uint64) (*engine.InputBundle, error) {
	const op = "encrypt"
	defer c.metrics.ObserveEngine(op, time.Now())

	if len(fields) == 0 {
		return nil, engine.NewError(engine.ErrEngine, op, errors.New("no fields"))
	}
	key, err := c.networkKey(ctx)
	if err != nil {
		return nil, err
	}

	req := InputProofRequest{
		Contract:    contract,
		Submitter:   submitter,
		Ciphertexts: make([]hexutil.Bytes, len(fields)),
	}
	for i, v := range fields {
		ct, err := key.enc.Encrypt(v, key.bitWidth)
		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("field %d: %w", i, err))
		}
		req.Ciphertexts[i] = ct
	}

	var resp InputProofResponse
	if err := c.do(ctx, op, http.MethodPost, PathInputProof, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Handles) != len(fields) {
		return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("relayer returned %d handles for %d fields", len(resp.Handles), len(fields)))
	}
	return &engine.InputBundle{
		Contract:  contract,
		Submitter: submitter,
		Handles:   resp.Handles,
		Proof:     resp.Proof,
	}, nil
}

// GenerateKeypair returns a fresh curve25519 keypair results are sealed to.
func (c *Client) GenerateKeypair() (*engine.Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &engine.Keypair{Public: pub[:], Private: priv[:]}, nil
}

// BuildAuthorizationChallenge returns the typed data the identity signs to let
// publicKey decrypt for contracts, under the relayer's domain.
func (c *Client) BuildAuthorizationChallenge(publicKey []byte, contracts []common.Address, start time.Time, durationDays int) (*engine.Challenge, error) {
	return engine.BuildChallenge(c.cfg.Domain, publicKey, contracts, start, durationDays)
}

// BatchDecrypt sends one authorized user decryption and opens the sealed
// results with req.Keypair.
func (c *Client) BatchDecrypt(ctx context.Context, req *engine.DecryptRequest) (map[engine.Handle]uint64, error) {
	const op = "batch decrypt"
	defer c.metrics.ObserveEngine(op, time.Now())

	if len(req.Pairs) == 0 {
		return nil, engine.NewError(engine.ErrEngine, op, errors.New("no handles"))
	}
	if len(req.Keypair.Public) != 32 || len(req.Keypair.Private) != 32 {
		return nil, engine.NewError(engine.ErrEngine, op, errors.New("keypair is not a curve25519 keypair"))
	}
	var pub, priv [32]byte
	copy(pub[:], req.Keypair.Public)
	copy(priv[:], req.Keypair.Private)

	body := UserDecryptRequest{
		Pairs:        make([]HandlePair, len(req.Pairs)),
		PublicKey:    req.Keypair.Public,
		Signature:    req.Signature,
		Contracts:    req.Contracts,
		Identity:     req.Identity,
		Start:        req.Start.Unix(),
		DurationDays: req.DurationDays,
	}
	for i, p := range req.Pairs {
		body.Pairs[i] = HandlePair{Handle: p.Handle, Contract: p.Contract}
	}

	var resp UserDecryptResponse
	if err := c.do(ctx, op, http.MethodPost, PathUserDecrypt, body, &resp); err != nil {
		return nil, err
	}

	out := make(map[engine.Handle]uint64, len(resp.Results))
	for _, r := range resp.Results {
		plain, ok := box.OpenAnonymous(nil, r.Sealed, &pub, &priv)
		if !ok || len(plain) != 8 {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("cannot open result for %s", r.Handle))
		}
		out[r.Handle] = binary.BigEndian.Uint64(plain)
	}
	for _, p := range req.Pairs {
		if _, ok := out[p.Handle]; !ok {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("no result for %s", p.Handle))
		}
	}
	return out, nil
}

// Allow asks a development relayer to grant accounts access to handles.
func (c *Client) Allow(ctx context.Context, handles []engine.Handle, accounts ...common.Address) error {
	return c.do(ctx, "allow", http.MethodPost, PathACLAllow, AllowRequest{Handles: handles, Accounts: accounts}, nil)
}

// NetworkKey returns the relayer key description, fetching it if needed.
func (c *Client) NetworkKey(ctx context.Context) (*KeyResponse, error) {
	var resp KeyResponse
	if err := c.do(ctx, "fetch key", http.MethodGet, PathKeyURL, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) networkKey(ctx context.Context) (*networkKey, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.key != nil {
		return c.key, nil
	}

	resp, err := c.NetworkKey(ctx)
	if err != nil {
		return nil, err
	}
	params, err := lwe.NewParameters(lwe.Literal{LogN: resp.LogN, Q: resp.Q})
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, "fetch key", err)
	}
	pk, err := lwe.UnmarshalPublicKey(resp.PublicKey)
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, "fetch key", err)
	}
	if resp.ChainID != c.cfg.Domain.ChainID || resp.VerifyingContract != c.cfg.Domain.VerifyingContract {
		c.logger.Warn("Relayer domain differs from configuration",
			"relayerChainID", resp.ChainID,
			"relayerVerifyingContract", resp.VerifyingContract,
			"chainID", c.cfg.Domain.ChainID,
			"verifyingContract", c.cfg.Domain.VerifyingContract,
		)
	}

	c.key = &networkKey{enc: lwe.NewEncryptor(params, pk), bitWidth: resp.BitWidth}
	c.logger.Info("Fetched network key", "url", c.base, "bitWidth", resp.BitWidth)
	return c.key, nil
}

// do performs one JSON exchange, retrying transient failures with
// exponential backoff. A cancelled ctx is returned as ctx.Err().
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return engine.NewError(engine.ErrEngine, op, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Reset()

	requestID := uuid.NewString()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.once(ctx, op, method, path, requestID, body, out)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case errors.Is(err, engine.ErrTransientNetwork):
			c.logger.Debug("Relayer call failed, retrying", "op", op, "requestID", requestID, "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxAttempts))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (c *Client) once(ctx context.Context, op, method, path, requestID string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return engine.NewError(engine.ErrEngine, op, err)
	}
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.NewError(engine.ErrTransientNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewError(engine.ErrEngine, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var failure ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &failure); err != nil || failure.Message == "" {
		failure.Message = strings.TrimSpace(string(data))
	}
	cause := fmt.Errorf("relayer status %d: %s", resp.StatusCode, failure.Message)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return engine.NewError(engine.ErrTransientNetwork, op, cause)
	}
	kind := engine.KindFromName(failure.Code)
	if kind == nil || kind == engine.ErrTransientNetwork || kind == engine.ErrNotReady {
		kind = engine.ErrEngine
	}
	return engine.NewError(kind, op, cause)
}
