// Package curve implements the secp256k1 point and scalar arithmetic the
// ECDKG protocol is built on: point addition and scalar multiplication,
// scalar-field arithmetic mod the group order N, on-curve validation, and
// the Ethereum-style recoverable signing scheme used to authenticate
// share delivery.
package curve

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrInvalidPoint     = errors.New("curve: invalid point")
	ErrInvalidSignature = errors.New("curve: invalid signature")
	ErrInvalidScalar    = errors.New("curve: invalid scalar")
)

var params = secp256k1.S256()

// N is the secp256k1 group order.
var N = params.N

// Point is an affine secp256k1 point, or the identity when X and Y are nil.
type Point struct {
	X, Y *big.Int
}

// Identity returns the point at infinity.
func Identity() Point {
	return Point{}
}

// IsIdentity reports whether p is the point at infinity.
func (p Point) IsIdentity() bool {
	return p.X == nil || p.Y == nil
}

// Equal reports whether p and q represent the same point.
func (p Point) Equal(q Point) bool {
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() && q.IsIdentity()
	}
	return p.X.Cmp(q.X) == 0 && p.Y.Cmp(q.Y) == 0
}

// G is the standard secp256k1 base point.
var G = Point{X: params.Gx, Y: params.Gy}

// H is the second Pedersen generator. Every implementation of this protocol
// MUST use this exact point so that nodes interoperate.
var H = mustParseConstantPoint(
	"b25b5ea8b8b230e5574fec0182e809e3455701323968c602ab56b458d0ba96bf",
	"13edfe75e1c88e030eda220ffc74802144aec67c4e51cb49699d4401c122e19c",
)

func mustParseConstantPoint(xHex, yHex string) Point {
	x, ok1 := new(big.Int).SetString(xHex, 16)
	y, ok2 := new(big.Int).SetString(yHex, 16)
	if !ok1 || !ok2 {
		panic("curve: malformed generator constant")
	}
	p := Point{X: x, Y: y}
	if err := ValidateCurvePoint(p); err != nil {
		panic("curve: generator H fails validation: " + err.Error())
	}
	return p
}

// ValidateCurvePoint fails with ErrInvalidPoint if p is not the identity and
// does not satisfy y^2 = x^3 + 7 (mod p).
func ValidateCurvePoint(p Point) error {
	if p.IsIdentity() {
		return nil
	}
	if !params.IsOnCurve(p.X, p.Y) {
		return fmt.Errorf("%w: point not on curve", ErrInvalidPoint)
	}
	return nil
}

// PointAdd adds two points, handling the identity on either side.
func PointAdd(p, q Point) Point {
	if p.IsIdentity() {
		return q
	}
	if q.IsIdentity() {
		return p
	}
	x, y := params.Add(p.X, p.Y, q.X, q.Y)
	return Point{X: x, Y: y}
}

// PointMul multiplies a point by a scalar.
func PointMul(p Point, s Scalar) Point {
	if p.IsIdentity() || s.IsZero() {
		return Identity()
	}
	x, y := params.ScalarMult(p.X, p.Y, s.Bytes32()[:])
	return Point{X: x, Y: y}
}

// GMul multiplies the base point G by a scalar. Equivalent to PointMul(G, s)
// but uses the curve's dedicated base-point-multiplication routine.
func GMul(s Scalar) Point {
	if s.IsZero() {
		return Identity()
	}
	x, y := params.ScalarBaseMult(s.Bytes32()[:])
	return Point{X: x, Y: y}
}

// Scalar is an integer in [0, N).
type Scalar struct {
	v *big.Int
}

// ZeroScalar is the additive identity of the scalar field.
var ZeroScalar = Scalar{v: big.NewInt(0)}

// NewScalar reduces v mod N.
func NewScalar(v *big.Int) Scalar {
	return Scalar{v: new(big.Int).Mod(v, N)}
}

// ScalarFromUint64 builds a Scalar from a small non-negative integer, used to
// turn a participant address into the evaluation point of a polynomial.
func ScalarFromUint64(v uint64) Scalar {
	return NewScalar(new(big.Int).SetUint64(v))
}

// ScalarFromBytes parses 32 big-endian bytes, failing with ErrInvalidScalar
// if the value is >= N.
func ScalarFromBytes(b []byte) (Scalar, error) {
	v := new(big.Int).SetBytes(b)
	if v.Cmp(N) >= 0 {
		return Scalar{}, fmt.Errorf("%w: value >= N", ErrInvalidScalar)
	}
	return Scalar{v: v}, nil
}

// RandomScalar draws a scalar uniformly from [1, N) using a cryptographic RNG.
func RandomScalar() (Scalar, error) {
	nMinus1 := new(big.Int).Sub(N, big.NewInt(1))
	for {
		v, err := rand.Int(rand.Reader, nMinus1)
		if err != nil {
			return Scalar{}, fmt.Errorf("curve: draw random scalar: %w", err)
		}
		v.Add(v, big.NewInt(1)) // shift into [1, N)
		return Scalar{v: v}, nil
	}
}

// IsZero reports whether the scalar is 0.
func (s Scalar) IsZero() bool {
	return s.v == nil || s.v.Sign() == 0
}

// BigInt returns the scalar's value. The returned big.Int must not be mutated.
func (s Scalar) BigInt() *big.Int {
	if s.v == nil {
		return big.NewInt(0)
	}
	return s.v
}

// Bytes32 returns the scalar as 32 big-endian, zero-padded bytes.
func (s Scalar) Bytes32() [32]byte {
	var out [32]byte
	if s.v == nil {
		return out
	}
	s.v.FillBytes(out[:])
	return out
}

// ScalarAdd returns (a+b) mod N.
func ScalarAdd(a, b Scalar) Scalar {
	return NewScalar(new(big.Int).Add(a.BigInt(), b.BigInt()))
}

// ScalarMul returns (a*b) mod N.
func ScalarMul(a, b Scalar) Scalar {
	return NewScalar(new(big.Int).Mul(a.BigInt(), b.BigInt()))
}

// ScalarPow returns (a^k) mod N.
func ScalarPow(a Scalar, k int64) Scalar {
	return NewScalar(new(big.Int).Exp(a.BigInt(), big.NewInt(k), N))
}

// Address is the 20-byte Ethereum-style identifier derived from a
// participant's long-term signing key.
type Address [20]byte

// AddressFromPublicKey derives the 20-byte address from an uncompressed
// secp256k1 public key: the low 20 bytes of keccak256 of the 64-byte X||Y
// encoding (the 0x04 prefix byte is stripped first).
func AddressFromPublicKey(pub *secp256k1.PublicKey) Address {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	digest := Keccak256(uncompressed[1:])
	var addr Address
	copy(addr[:], digest[12:])
	return addr
}

// AddressToScalar treats an address as a big-endian integer scalar, as used
// when evaluating polynomials at a participant's address.
func AddressToScalar(a Address) Scalar {
	return NewScalar(new(big.Int).SetBytes(a[:]))
}

// --- wire encoding: lowercase hex, no 0x prefix ---

// FormatPoint renders a point as 128 lowercase hex characters: x(64) || y(64).
func FormatPoint(p Point) string {
	var x, y [32]byte
	if !p.IsIdentity() {
		p.X.FillBytes(x[:])
		p.Y.FillBytes(y[:])
	}
	return hex.EncodeToString(x[:]) + hex.EncodeToString(y[:])
}

// ParsePoint parses the wire format produced by FormatPoint and validates
// the result is on the curve.
func ParsePoint(s string) (Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 64 {
		return Point{}, fmt.Errorf("%w: malformed point hex", ErrInvalidPoint)
	}
	p := Point{X: new(big.Int).SetBytes(b[:32]), Y: new(big.Int).SetBytes(b[32:])}
	if p.X.Sign() == 0 && p.Y.Sign() == 0 {
		return Identity(), nil
	}
	if err := ValidateCurvePoint(p); err != nil {
		return Point{}, err
	}
	return p, nil
}

// FormatScalar renders a scalar as 64 lowercase hex characters.
func FormatScalar(s Scalar) string {
	b := s.Bytes32()
	return hex.EncodeToString(b[:])
}

// ParseScalar parses the wire format produced by FormatScalar.
func ParseScalar(s string) (Scalar, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return Scalar{}, fmt.Errorf("%w: malformed scalar hex", ErrInvalidScalar)
	}
	return ScalarFromBytes(b)
}

// FormatAddress renders an address as 40 lowercase hex characters.
func FormatAddress(a Address) string {
	return hex.EncodeToString(a[:])
}

// ParseAddress parses the wire format produced by FormatAddress.
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 20 {
		return Address{}, fmt.Errorf("malformed address hex %q", s)
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// PrivateValueToBytes renders a scalar as 32 big-endian, zero-padded bytes.
func PrivateValueToBytes(s Scalar) [32]byte {
	return s.Bytes32()
}

// AddressToBytes renders an address as 20 big-endian bytes.
func AddressToBytes(a Address) [20]byte {
	return a
}

// MarshalJSON renders the point in its 128-hex x||y wire format.
func (p Point) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatPoint(p) + `"`), nil
}

// UnmarshalJSON parses the 128-hex x||y wire format.
func (p *Point) UnmarshalJSON(data []byte) error {
	s, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	parsed, err := ParsePoint(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalJSON renders the scalar as 32-byte big-endian hex.
func (s Scalar) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatScalar(s) + `"`), nil
}

// UnmarshalJSON parses the 32-byte big-endian hex format.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	str, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	parsed, err := ParseScalar(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON renders the address as 20-byte hex.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatAddress(a) + `"`), nil
}

// UnmarshalJSON parses the 20-byte hex format.
func (a *Address) UnmarshalJSON(data []byte) error {
	s, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func unquoteJSONString(data []byte) (string, error) {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return "", fmt.Errorf("curve: expected JSON string, got %s", data)
	}
	return string(data[1 : len(data)-1]), nil
}
