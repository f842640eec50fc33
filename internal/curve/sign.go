package curve

import (
	"encoding/hex"
	"fmt"
	"math/big"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Signature is a recoverable ECDSA signature in the Ethereum (r, s, v)
// convention: v is 27 or 28 (rarely 29/30, for the vanishingly unlikely case
// the recovered point's x-coordinate exceeded the field prime).
type Signature struct {
	R, S *big.Int
	V    byte
}

// Keccak256 hashes data with the legacy (pre-NIST) Keccak256 permutation
// used throughout the Ethereum ecosystem, as opposed to standardized SHA3.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// personalSignHash reproduces the Ethereum "personal_sign" convention: the
// message is prefixed with "\x19Ethereum Signed Message:\n<len>" before
// hashing, so a signature over this hash can never be mistaken for a
// signature over a raw transaction or another message format.
func personalSignHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return Keccak256([]byte(prefix), msg)
}

// Sign signs msg under the personal_sign convention using priv, returning a
// recoverable (r, s, v) signature.
func Sign(msg []byte, priv *secp256k1.PrivateKey) (Signature, error) {
	hash := personalSignHash(msg)
	compact := ecdsa.SignCompact(priv, hash, false)
	if len(compact) != 65 {
		return Signature{}, fmt.Errorf("%w: unexpected compact signature length", ErrInvalidSignature)
	}
	return Signature{
		R: new(big.Int).SetBytes(compact[1:33]),
		S: new(big.Int).SetBytes(compact[33:65]),
		V: compact[0],
	}, nil
}

// RecoverAddress recovers the 20-byte address of the signer of msg under the
// personal_sign convention.
func RecoverAddress(msg []byte, sig Signature) (Address, error) {
	if sig.R == nil || sig.S == nil {
		return Address{}, fmt.Errorf("%w: missing r/s", ErrInvalidSignature)
	}
	hash := personalSignHash(msg)

	var compact [65]byte
	compact[0] = sig.V
	sig.R.FillBytes(compact[1:33])
	sig.S.FillBytes(compact[33:65])

	pub, _, err := ecdsa.RecoverCompact(compact[:], hash)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return AddressFromPublicKey(pub), nil
}

// FormatSignature renders a signature as 130 lowercase hex characters:
// r(64) || s(64) || v(2).
func FormatSignature(sig Signature) string {
	var r, s [32]byte
	if sig.R != nil {
		sig.R.FillBytes(r[:])
	}
	if sig.S != nil {
		sig.S.FillBytes(s[:])
	}
	return hex.EncodeToString(r[:]) + hex.EncodeToString(s[:]) + hex.EncodeToString([]byte{sig.V})
}

// ParseSignature parses the wire format produced by FormatSignature.
func ParseSignature(s string) (Signature, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 65 {
		return Signature{}, fmt.Errorf("%w: malformed signature hex", ErrInvalidSignature)
	}
	return Signature{
		R: new(big.Int).SetBytes(b[0:32]),
		S: new(big.Int).SetBytes(b[32:64]),
		V: b[64],
	}, nil
}

// MarshalJSON renders the signature using its wire hex format.
func (sig Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatSignature(sig) + `"`), nil
}

// UnmarshalJSON parses the signature's wire hex format.
func (sig *Signature) UnmarshalJSON(data []byte) error {
	s, err := unquoteJSONString(data)
	if err != nil {
		return err
	}
	parsed, err := ParseSignature(s)
	if err != nil {
		return err
	}
	*sig = parsed
	return nil
}
