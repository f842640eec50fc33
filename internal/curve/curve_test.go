package curve

import (
	"math/big"
	"testing"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestPointRoundTrip(t *testing.T) {
	s, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	p := GMul(s)

	encoded := FormatPoint(p)
	decoded, err := ParsePoint(encoded)
	if err != nil {
		t.Fatalf("ParsePoint: %v", err)
	}
	if !decoded.Equal(p) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, p)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	s, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	decoded, err := ParseScalar(FormatScalar(s))
	if err != nil {
		t.Fatalf("ParseScalar: %v", err)
	}
	if decoded.BigInt().Cmp(s.BigInt()) != 0 {
		t.Fatalf("round trip mismatch: got %v, want %v", decoded.BigInt(), s.BigInt())
	}
}

func TestAddressRoundTrip(t *testing.T) {
	var addr Address
	for i := range addr {
		addr[i] = byte(i * 7)
	}
	decoded, err := ParseAddress(FormatAddress(addr))
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: got %x, want %x", decoded, addr)
	}
}

func TestValidateCurvePointRejectsOffCurve(t *testing.T) {
	bad := Point{X: big.NewInt(1), Y: big.NewInt(2)}
	if err := ValidateCurvePoint(bad); err == nil {
		t.Fatalf("expected off-curve point to be rejected")
	}
}

func TestPedersenGeneratorIsValid(t *testing.T) {
	if err := ValidateCurvePoint(H); err != nil {
		t.Fatalf("generator H failed validation: %v", err)
	}
	if H.Equal(G) {
		t.Fatalf("H must differ from G")
	}
}

func TestSignAndRecoverAddress(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	addr := AddressFromPublicKey(priv.PubKey())

	msg := []byte("decryption_condition" + "SECRETSHARES")
	sig, err := Sign(msg, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	recovered, err := RecoverAddress(msg, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if recovered != addr {
		t.Fatalf("recovered address %x != expected %x", recovered, addr)
	}
}

func TestRecoverAddressRejectsWrongSigner(t *testing.T) {
	priv1, _ := secp256k1.GeneratePrivateKey()
	priv2, _ := secp256k1.GeneratePrivateKey()
	addr1 := AddressFromPublicKey(priv1.PubKey())

	msg := []byte("some canonical message")
	sig, err := Sign(msg, priv2)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	recovered, err := RecoverAddress(msg, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if recovered == addr1 {
		t.Fatalf("recovered address should not match signer1's address")
	}
}
