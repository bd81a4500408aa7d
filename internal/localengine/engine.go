// Package localengine is an in-process decryption service: it holds the
// network keys, stores submitted ciphertexts, tracks which accounts may
// decrypt which handles and answers user-decryption requests with results
// sealed to the requester's public key.
package localengine

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"golang.org/x/crypto/nacl/box"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/internal/lwe"
	"github.com/luxfi/fhevault/internal/storage"
)

// Defaults.
const (
	DefaultBitWidth = 32
	// MaxClockSkew bounds how far in the future a credential may start.
	MaxClockSkew = 5 * time.Minute
)

// ErrInvalidProof reports an input bundle not signed by the coprocessor.
var ErrInvalidProof = errors.New("invalid input proof")

// Config configures an Engine.
type Config struct {
	Domain engine.Domain
	// BitWidth is the widest accepted plaintext.
	BitWidth int
	// PropagationLag delays every ACL grant before decryption may use it.
	PropagationLag time.Duration
	Params         lwe.Literal
	// KeyDir, when set, persists the network and coprocessor keys.
	KeyDir string
	Logger log.Logger
	Now    func() time.Time
}

type aclKey struct {
	handle  engine.Handle
	account common.Address
}

// Engine is the decryption service.
type Engine struct {
	cfg    Config
	params lwe.Parameters
	pk     []byte
	enc    *lwe.Encryptor
	dec    *lwe.Decryptor
	prover *ecdsa.PrivateKey
	store  storage.Storage
	logger log.Logger
	now    func() time.Time

	mu  sync.RWMutex
	acl map[aclKey]time.Time
}

// New creates an engine persisting ciphertexts in store.
func New(store storage.Storage, cfg Config) (*Engine, error) {
	if cfg.BitWidth <= 0 {
		cfg.BitWidth = DefaultBitWidth
	}
	if cfg.BitWidth > lwe.MaxBits {
		return nil, fmt.Errorf("bit width %d exceeds %d", cfg.BitWidth, lwe.MaxBits)
	}
	if cfg.Params == (lwe.Literal{}) {
		cfg.Params = lwe.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoOpLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	params, err := lwe.NewParameters(cfg.Params)
	if err != nil {
		return nil, err
	}
	sk, pk, err := loadOrGenerateNetworkKeys(params, cfg.KeyDir)
	if err != nil {
		return nil, err
	}
	pkData, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	prover, err := loadOrGenerateProver(cfg.KeyDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		params: params,
		pk:     pkData,
		enc:    lwe.NewEncryptor(params, pk),
		dec:    lwe.NewDecryptor(params, sk),
		prover: prover,
		store:  store,
		logger: cfg.Logger,
		now:    cfg.Now,
		acl:    make(map[aclKey]time.Time),
	}
	e.logger.Info("Decryption service ready",
		"chainID", cfg.Domain.ChainID,
		"verifyingContract", cfg.Domain.VerifyingContract,
		"bitWidth", cfg.BitWidth,
		"propagationLag", cfg.PropagationLag,
		"coprocessor", e.Coprocessor(),
	)
	return e, nil
}

func loadOrGenerateNetworkKeys(params lwe.Parameters, dir string) (*lwe.SecretKey, *lwe.PublicKey, error) {
	if dir == "" {
		sk, pk := lwe.GenerateKeys(params)
		return sk, pk, nil
	}
	skPath := filepath.Join(dir, "network.sk")
	pkPath := filepath.Join(dir, "network.pk")

	skData, skErr := os.ReadFile(skPath)
	pkData, pkErr := os.ReadFile(pkPath)
	if skErr == nil && pkErr == nil {
		sk, err := lwe.UnmarshalSecretKey(skData)
		if err != nil {
			return nil, nil, err
		}
		pk, err := lwe.UnmarshalPublicKey(pkData)
		if err != nil {
			return nil, nil, err
		}
		return sk, pk, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create key dir: %w", err)
	}
	sk, pk := lwe.GenerateKeys(params)
	if skData, err := sk.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("encode secret key: %w", err)
	} else if err := os.WriteFile(skPath, skData, 0600); err != nil {
		return nil, nil, fmt.Errorf("write secret key: %w", err)
	}
	if pkData, err := pk.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("encode public key: %w", err)
	} else if err := os.WriteFile(pkPath, pkData, 0644); err != nil {
		return nil, nil, fmt.Errorf("write public key: %w", err)
	}
	return sk, pk, nil
}

func loadOrGenerateProver(dir string) (*ecdsa.PrivateKey, error) {
	if dir == "" {
		return crypto.GenerateKey()
	}
	path := filepath.Join(dir, "coprocessor.key")
	if key, err := crypto.LoadECDSA(path); err == nil {
		return key, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("write coprocessor key: %w", err)
	}
	return key, nil
}

// PublicKey returns the encoded network public key.
func (e *Engine) PublicKey() []byte {
	return slices.Clone(e.pk)
}

// Params returns the LWE parameter set of the network key.
func (e *Engine) Params() lwe.Literal {
	return e.cfg.Params
}

// BitWidth returns the widest accepted plaintext.
func (e *Engine) BitWidth() int {
	return e.cfg.BitWidth
}

// Domain returns the EIP-712 domain credentials must be signed for.
func (e *Engine) Domain() engine.Domain {
	return e.cfg.Domain
}

// Coprocessor returns the address input proofs are signed with.
func (e *Engine) Coprocessor() common.Address {
	return common.PubkeyToAddress(e.prover.PublicKey)
}

// EncryptValue encrypts v with the network key. Clients normally encrypt
// themselves; this serves tests and seeding.
func (e *Engine) EncryptValue(v uint64) ([]byte, error) {
	ct, err := e.enc.Encrypt(v, e.cfg.BitWidth)
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, "encrypt", err)
	}
	return ct, nil
}

// SubmitInput verifies and stores client ciphertexts, grants the submitter
// and the contract access to them and returns their handles with a proof
// signed by the coprocessor key.
func (e *Engine) SubmitInput(ctx context.Context, contract, submitter common.Address, ciphertexts [][]byte) (*engine.InputBundle, error) {
	const op = "input proof"
	if len(ciphertexts) == 0 {
		return nil, engine.NewError(engine.ErrEngine, op, errors.New("no ciphertexts"))
	}
	if contract == (common.Address{}) || submitter == (common.Address{}) {
		return nil, engine.NewError(engine.ErrEngine, op, errors.New("missing contract or submitter"))
	}

	handles := make([]engine.Handle, len(ciphertexts))
	for i, ct := range ciphertexts {
		v, err := e.dec.Decrypt(ct)
		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("field %d: %w", i, err))
		}
		if err := lwe.CheckWidth(v, e.cfg.BitWidth); err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("field %d: %w", i, err))
		}
		h, err := e.store.Store(ctx, ct)
		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("store field %d: %w", i, err))
		}
		handles[i] = h
	}

	proof, err := crypto.Sign(proofDigest(contract, submitter, handles), e.prover)
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, op, err)
	}
	for _, h := range handles {
		e.Allow(h, submitter, contract)
	}

	e.logger.Debug("Accepted encrypted input", "contract", contract, "submitter", submitter, "fields", len(handles))
	return &engine.InputBundle{
		Contract:  contract,
		Submitter: submitter,
		Handles:   handles,
		Proof:     proof,
	}, nil
}

func proofDigest(contract, submitter common.Address, handles []engine.Handle) []byte {
	parts := make([][]byte, 0, len(handles)+2)
	parts = append(parts, contract.Bytes(), submitter.Bytes())
	for _, h := range handles {
		parts = append(parts, h[:])
	}
	return crypto.Keccak256(parts...)
}

// VerifyInputProof checks that bundle was signed by coprocessor.
func VerifyInputProof(bundle *engine.InputBundle, coprocessor common.Address) error {
	if len(bundle.Proof) != crypto.SignatureLength {
		return ErrInvalidProof
	}
	pub, err := crypto.SigToPub(proofDigest(bundle.Contract, bundle.Submitter, bundle.Handles), bundle.Proof)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if common.PubkeyToAddress(*pub) != coprocessor {
		return ErrInvalidProof
	}
	return nil
}

// Allow lets every account decrypt handle once the propagation lag has
// passed. A repeated grant keeps the earliest visibility time.
func (e *Engine) Allow(handle engine.Handle, accounts ...common.Address) {
	visible := e.now().Add(e.cfg.PropagationLag)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range accounts {
		k := aclKey{handle: handle, account: a}
		if at, ok := e.acl[k]; ok && at.Before(visible) {
			continue
		}
		e.acl[k] = visible
	}
}

// checkACL returns nil when account may decrypt handle now.
func (e *Engine) checkACL(handle engine.Handle, account common.Address, now time.Time) error {
	e.mu.RLock()
	visible, ok := e.acl[aclKey{handle: handle, account: account}]
	e.mu.RUnlock()

	switch {
	case !ok:
		return engine.NewError(engine.ErrAuthorizationRejected, "user decrypt", fmt.Errorf("%s may not decrypt %s", account.Hex(), handle))
	case now.Before(visible):
		return engine.NewError(engine.ErrPermissionNotYetVisible, "user decrypt", fmt.Errorf("grant for %s on %s not yet visible", account.Hex(), handle))
	}
	return nil
}

// UserDecrypt verifies the signed authorization in req and returns each
// requested plaintext sealed to req.Keypair.Public. The private half of the
// keypair is ignored.
func (e *Engine) UserDecrypt(ctx context.Context, req *engine.DecryptRequest) (map[engine.Handle][]byte, error) {
	const op = "user decrypt"
	if len(req.Pairs) == 0 {
		return nil, engine.NewError(engine.ErrEngine, op, errors.New("no handles"))
	}
	if len(req.Keypair.Public) != 32 {
		return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("public key must be 32 bytes, got %d", len(req.Keypair.Public)))
	}

	challenge, err := engine.BuildChallenge(e.cfg.Domain, req.Keypair.Public, req.Contracts, req.Start, req.DurationDays)
	if err != nil {
		return nil, engine.NewError(engine.ErrAuthorizationRejected, op, err)
	}
	signer, err := engine.RecoverSigner(challenge, req.Signature)
	if err != nil {
		return nil, engine.NewError(engine.ErrAuthorizationRejected, op, err)
	}
	if signer != req.Identity {
		return nil, engine.NewError(engine.ErrAuthorizationRejected, op, fmt.Errorf("signed by %s, not %s", signer.Hex(), req.Identity.Hex()))
	}

	now := e.now()
	if req.Start.After(now.Add(MaxClockSkew)) {
		return nil, engine.NewError(engine.ErrAuthorizationRejected, op, errors.New("authorization starts in the future"))
	}
	expiry := req.Start.Add(time.Duration(req.DurationDays) * 24 * time.Hour)
	if !now.Before(expiry) {
		return nil, engine.NewError(engine.ErrAuthorizationExpired, op, fmt.Errorf("expired at %s", expiry.UTC().Format(time.RFC3339)))
	}

	scope := engine.SortAddresses(req.Contracts)
	for _, p := range req.Pairs {
		if _, found := slices.BinarySearchFunc(scope, p.Contract, compareAddress); !found {
			return nil, engine.NewError(engine.ErrAuthorizationRejected, op, fmt.Errorf("contract %s not authorized", p.Contract.Hex()))
		}
		if err := e.checkACL(p.Handle, req.Identity, now); err != nil {
			return nil, err
		}
		if err := e.checkACL(p.Handle, p.Contract, now); err != nil {
			return nil, err
		}
	}

	var recipient [32]byte
	copy(recipient[:], req.Keypair.Public)

	out := make(map[engine.Handle][]byte, len(req.Pairs))
	for _, p := range req.Pairs {
		if _, done := out[p.Handle]; done {
			continue
		}
		ct, err := e.store.Load(ctx, p.Handle)
		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("load %s: %w", p.Handle, err))
		}
		v, err := e.dec.Decrypt(ct)
		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("decrypt %s: %w", p.Handle, err))
		}
		var plain [8]byte
		binary.BigEndian.PutUint64(plain[:], v)
		sealed, err := box.SealAnonymous(nil, plain[:], &recipient, rand.Reader)
		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("seal %s: %w", p.Handle, err))
		}
		out[p.Handle] = sealed
	}

	e.logger.Debug("Served user decryption", "identity", req.Identity, "handles", len(out))
	return out, nil
}

func compareAddress(a, b common.Address) int {
	return a.Cmp(b)
}
