// Package lwe encrypts unsigned integers bit by bit under an RLWE key. Bit i
// of a value is carried by coefficient i of a single ciphertext, encoded as
// +Q/8 for one and -Q/8 for zero.
package lwe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/lattice/v7/core/rlwe"
	"github.com/luxfi/lattice/v7/ring"
)

// MaxBits is the widest value the codec carries.
const MaxBits = 64

var (
	ErrOverflow       = errors.New("value exceeds bit width")
	ErrInvalidWidth   = errors.New("invalid bit width")
	ErrMalformed      = errors.New("malformed ciphertext")
	ErrParamsMismatch = errors.New("ciphertext parameters mismatch")
)

// Literal names a parameter set.
type Literal struct {
	LogN int    `json:"logN"`
	Q    uint64 `json:"q"`
}

// Default is N=1024 over the 27-bit NTT-friendly prime.
var Default = Literal{
	LogN: 10,
	Q:    0x7fff801,
}

// Parameters wraps the RLWE parameters of a Literal.
type Parameters struct {
	lit    Literal
	params rlwe.Parameters
}

// NewParameters instantiates lit.
func NewParameters(lit Literal) (Parameters, error) {
	params, err := rlwe.NewParametersFromLiteral(rlwe.ParametersLiteral{
		LogN:    lit.LogN,
		Q:       []uint64{lit.Q},
		NTTFlag: true,
	})
	if err != nil {
		return Parameters{}, fmt.Errorf("lwe parameters: %w", err)
	}
	if params.N() < MaxBits {
		return Parameters{}, fmt.Errorf("lwe parameters: ring degree %d below %d", params.N(), MaxBits)
	}
	return Parameters{lit: lit, params: params}, nil
}

// Literal returns the literal the parameters were built from.
func (p Parameters) Literal() Literal { return p.lit }

// Q returns the ciphertext modulus.
func (p Parameters) Q() uint64 { return p.params.Q()[0] }

// CheckWidth fails with ErrOverflow when v does not fit in bits bits.
func CheckWidth(v uint64, bits int) error {
	if bits <= 0 || bits > MaxBits {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, bits)
	}
	if bits < MaxBits && v>>uint(bits) != 0 {
		return fmt.Errorf("%w: %d does not fit in %d bits", ErrOverflow, v, bits)
	}
	return nil
}

// SecretKey decrypts. It never leaves the relayer.
type SecretKey struct {
	sk *rlwe.SecretKey
}

// PublicKey encrypts. It is published to clients.
type PublicKey struct {
	pk *rlwe.PublicKey
}

// GenerateKeys returns a fresh key pair.
func GenerateKeys(p Parameters) (*SecretKey, *PublicKey) {
	kgen := rlwe.NewKeyGenerator(p.params)
	sk := kgen.GenSecretKeyNew()
	return &SecretKey{sk: sk}, &PublicKey{pk: kgen.GenPublicKeyNew(sk)}
}

// MarshalBinary encodes the secret key.
func (k *SecretKey) MarshalBinary() ([]byte, error) {
	return k.sk.MarshalBinary()
}

// UnmarshalSecretKey decodes a key produced by SecretKey.MarshalBinary.
func UnmarshalSecretKey(data []byte) (*SecretKey, error) {
	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	return &SecretKey{sk: sk}, nil
}

// MarshalBinary encodes the public key.
func (k *PublicKey) MarshalBinary() ([]byte, error) {
	return k.pk.MarshalBinary()
}

// UnmarshalPublicKey decodes a key produced by PublicKey.MarshalBinary.
func UnmarshalPublicKey(data []byte) (*PublicKey, error) {
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return &PublicKey{pk: pk}, nil
}

// Encryptor encrypts values under a public key. It is safe for concurrent
// use.
type Encryptor struct {
	params Parameters
	mu     sync.Mutex
	enc    *rlwe.Encryptor
}

// NewEncryptor returns an encryptor for pk.
func NewEncryptor(p Parameters, pk *PublicKey) *Encryptor {
	return &Encryptor{
		params: p,
		enc:    rlwe.NewEncryptor(p.params, pk.pk),
	}
}

// Encrypt encrypts the low bits bits of v and returns the encoded
// ciphertext.
func (e *Encryptor) Encrypt(v uint64, bits int) ([]byte, error) {
	if err := CheckWidth(v, bits); err != nil {
		return nil, err
	}

	params := e.params.params
	pt := rlwe.NewPlaintext(params, params.MaxLevel())
	q := e.params.Q()
	coeffs := pt.Value.Coeffs[0]
	for i := 0; i < MaxBits; i++ {
		if i < bits && (v>>uint(i))&1 == 1 {
			coeffs[i] = q / 8
		} else {
			coeffs[i] = q - q/8
		}
	}
	params.RingQ().NTT(pt.Value, pt.Value)

	ct := rlwe.NewCiphertext(params, 1, params.MaxLevel())
	e.mu.Lock()
	err := e.enc.Encrypt(pt, ct)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("public key encrypt: %w", err)
	}
	ct.IsNTT = true

	data, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode ciphertext: %w", err)
	}
	return data, nil
}

// Decryptor recovers values with the secret key. It is safe for concurrent
// use.
type Decryptor struct {
	params Parameters
	ringQ  *ring.Ring
	mu     sync.Mutex
	dec    *rlwe.Decryptor
}

// NewDecryptor returns a decryptor for sk.
func NewDecryptor(p Parameters, sk *SecretKey) *Decryptor {
	return &Decryptor{
		params: p,
		ringQ:  p.params.RingQ(),
		dec:    rlwe.NewDecryptor(p.params, sk.sk),
	}
}

// Decrypt decodes and decrypts a ciphertext produced by Encryptor.Encrypt.
func (d *Decryptor) Decrypt(data []byte) (uint64, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ct.Degree() != 1 || ct.Value[0].N() != d.params.params.N() {
		return 0, ErrParamsMismatch
	}

	pt := rlwe.NewPlaintext(d.params.params, ct.Level())
	d.mu.Lock()
	d.dec.Decrypt(ct, pt)
	d.mu.Unlock()
	if pt.IsNTT {
		d.ringQ.INTT(pt.Value, pt.Value)
	}

	half := d.params.Q() >> 1
	var v uint64
	for i := 0; i < MaxBits; i++ {
		if pt.Value.Coeffs[0][i] < half {
			v |= 1 << uint(i)
		}
	}
	return v, nil
}
