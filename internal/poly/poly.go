// Package poly implements the random polynomial generation, Horner
// evaluation, and Pedersen commitment vector used by the DKG protocol to
// secret-share a participant's contribution. Grounded on the
// Round1GenerateCommitments / Round2GenerateShares shape of a classic
// Feldman-VSS DKG round, generalized from a single-generator commitment to
// the two-generator Pedersen commitment the protocol requires.
package poly

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/pangea-net/ecdkg-node/internal/curve"
)

// ErrLengthMismatch is returned by PedersenCommit when the two polynomials
// being committed to differ in length. A programming bug, not a peer fault.
var ErrLengthMismatch = errors.New("poly: polynomial lengths must match")

// Polynomial is a tuple of scalar coefficients, low-order first: poly[k] is
// the coefficient of x^k.
type Polynomial []curve.Scalar

// RandomPolynomial draws a degree-bound-t polynomial with each coefficient
// independently uniform in [1, N).
func RandomPolynomial(t int) (Polynomial, error) {
	if t <= 0 {
		return nil, fmt.Errorf("poly: degree bound must be positive, got %d", t)
	}
	coeffs := make(Polynomial, t)
	for k := 0; k < t; k++ {
		c, err := curve.RandomScalar()
		if err != nil {
			return nil, fmt.Errorf("poly: draw coefficient %d: %w", k, err)
		}
		coeffs[k] = c
	}
	return coeffs, nil
}

// EvalPoly returns Σ coeffs[k] * x^k mod N, using Horner's method.
func EvalPoly(p Polynomial, x curve.Scalar) curve.Scalar {
	acc := curve.ZeroScalar
	for k := len(p) - 1; k >= 0; k-- {
		acc = curve.ScalarAdd(curve.ScalarMul(acc, x), p[k])
	}
	return acc
}

// PedersenCommit returns the vector (poly1[k]*G + poly2[k]*H)_k, the Pedersen
// commitments to each pair of coefficients. Fails with ErrLengthMismatch if
// the two polynomials differ in length.
func PedersenCommit(poly1, poly2 Polynomial) ([]curve.Point, error) {
	if len(poly1) != len(poly2) {
		return nil, fmt.Errorf("%w (%d != %d)", ErrLengthMismatch, len(poly1), len(poly2))
	}
	commits := make([]curve.Point, len(poly1))
	for k := range poly1 {
		commits[k] = curve.PointAdd(curve.PointMul(curve.G, poly1[k]), curve.PointMul(curve.H, poly2[k]))
	}
	return commits, nil
}

// EvalCommitment evaluates a Pedersen commitment vector at x in the
// exponent: Σ_k commits[k] * x^k. A participant's claimed share (share1*G +
// share2*H) must equal this value for the share to be considered valid
// against the dealer's published commitments.
func EvalCommitment(commits []curve.Point, x curve.Scalar) curve.Point {
	acc := curve.Identity()
	xPower := curve.NewScalar(big.NewInt(1))
	for _, c := range commits {
		acc = curve.PointAdd(acc, curve.PointMul(c, xPower))
		xPower = curve.ScalarMul(xPower, x)
	}
	return acc
}
