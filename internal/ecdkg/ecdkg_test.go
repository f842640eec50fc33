package ecdkg

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/pangea-net/ecdkg-node/internal/curve"
	"github.com/pangea-net/ecdkg-node/internal/ecdkgstore"
)

// stubBroadcaster reports a fixed peer list and empty broadcast results,
// enough to drive a single node through the Uninitialized phase in isolation.
type stubBroadcaster struct {
	peers []curve.Address
}

func (s stubBroadcaster) Peers(ctx context.Context) ([]curve.Address, error) {
	return s.peers, nil
}

func (s stubBroadcaster) BroadcastJSONRPC(ctx context.Context, method, condition string) (map[curve.Address]json.RawMessage, error) {
	return map[curve.Address]json.RawMessage{}, nil
}

type stubWatcher struct{}

func (stubWatcher) WaitUntilSatisfied(ctx context.Context, condition string) error { return nil }

func newTestEngine(t *testing.T, peers []curve.Address) (*Engine, NodeIdentity) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	identity := NodeIdentity{Address: curve.AddressFromPublicKey(priv.PubKey()), SigningKey: priv}

	store, err := ecdkgstore.Open(filepath.Join(t.TempDir(), "ecdkg.db"))
	if err != nil {
		t.Fatalf("ecdkgstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(identity, store, stubBroadcaster{peers: peers}, stubWatcher{}, nil)
	return engine, identity
}

func TestUninitializedPhaseDrawsThresholdAndPolynomials(t *testing.T) {
	peerA := curve.Address{1}
	peerB := curve.Address{2}
	engine, _ := newTestEngine(t, []curve.Address{peerA, peerB})

	err := engine.RunUntilPhase(context.Background(), "condition-one", ecdkgstore.PhaseKeyDistribution)
	if err != nil {
		t.Fatalf("RunUntilPhase: %v", err)
	}

	sess, err := engine.store.GetOrCreateSession("condition-one")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if sess.Phase != ecdkgstore.PhaseKeyDistribution {
		t.Fatalf("expected phase KeyDistribution, got %s", sess.Phase)
	}
	// threshold = ceil(0.5 * (2+1)) = 2
	if sess.Threshold != 2 {
		t.Fatalf("expected threshold 2, got %d", sess.Threshold)
	}
	if len(sess.SecretPoly1) != 2 || len(sess.SecretPoly2) != 2 {
		t.Fatalf("expected degree-bound-2 polynomials, got %d/%d", len(sess.SecretPoly1), len(sess.SecretPoly2))
	}
	if sess.OwnEncryptionKeyPart == nil {
		t.Fatalf("expected own encryption key part to be set")
	}
}

func TestRunUntilPhaseIsIdempotentPastTarget(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := engine.RunUntilPhase(ctx, "idempotent", ecdkgstore.PhaseKeyDistribution); err != nil {
		t.Fatalf("first RunUntilPhase: %v", err)
	}
	// Calling again with an earlier or equal target must not re-run the
	// phase handler (which would redraw a fresh, inconsistent polynomial).
	sess1, _ := engine.store.GetOrCreateSession("idempotent")
	if err := engine.RunUntilPhase(ctx, "idempotent", ecdkgstore.PhaseUninitialized); err != nil {
		t.Fatalf("second RunUntilPhase: %v", err)
	}
	sess2, _ := engine.store.GetOrCreateSession("idempotent")
	if sess1.SecretPoly1[0].BigInt().Cmp(sess2.SecretPoly1[0].BigInt()) != 0 {
		t.Fatalf("polynomial was redrawn on a no-op RunUntilPhase call")
	}
}

func TestGetSignedSecretSharesRequiresDrawnPolynomials(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	_, err := engine.GetSignedSecretShares("never-opened", curve.Address{9})
	if err == nil {
		t.Fatalf("expected error for a session with no drawn polynomials")
	}
}

func TestGetSignedSecretSharesProducesVerifiableSignature(t *testing.T) {
	engine, identity := newTestEngine(t, []curve.Address{{1}})
	ctx := context.Background()
	if err := engine.RunUntilPhase(ctx, "signed-shares", ecdkgstore.PhaseKeyDistribution); err != nil {
		t.Fatalf("RunUntilPhase: %v", err)
	}

	requester := curve.Address{0xAB}
	payload, err := engine.GetSignedSecretShares("signed-shares", requester)
	if err != nil {
		t.Fatalf("GetSignedSecretShares: %v", err)
	}

	msg := secretSharesMessage("signed-shares", requester, payload.Share1, payload.Share2)
	recovered, err := curve.RecoverAddress(msg, payload.Signature)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if recovered != identity.Address {
		t.Fatalf("recovered signer %x != node address %x", recovered, identity.Address)
	}
}

// scriptedBroadcaster lets a test hand-craft the per-method response a peer
// address returns, to exercise the wrong-signer, bad-share, and
// missing-datum edge cases without standing up a second real engine.
type scriptedBroadcaster struct {
	peers     []curve.Address
	responses map[string]map[curve.Address]json.RawMessage
}

func (s scriptedBroadcaster) Peers(ctx context.Context) ([]curve.Address, error) {
	return s.peers, nil
}

func (s scriptedBroadcaster) BroadcastJSONRPC(ctx context.Context, method, condition string) (map[curve.Address]json.RawMessage, error) {
	out := s.responses[method]
	if out == nil {
		out = map[curve.Address]json.RawMessage{}
	}
	return out, nil
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// TestKeyDistributionRejectsWrongSigner covers a peer's signed-shares
// payload recovering to an address other than the one it claims to be, so
// the share must be discarded rather than accepted.
func TestKeyDistributionRejectsWrongSigner(t *testing.T) {
	peerB := curve.Address{2}
	wrongSigner, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	share1 := curve.ScalarFromUint64(11)
	share2 := curve.ScalarFromUint64(22)
	msg := secretSharesMessage("wrong-signer", curve.Address{}, share1, share2)
	sig, err := curve.Sign(msg, wrongSigner)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	broadcaster := scriptedBroadcaster{
		peers: []curve.Address{peerB},
		responses: map[string]map[curve.Address]json.RawMessage{
			"get_signed_secret_shares": {
				peerB: mustMarshal(t, sharePayload{Share1: share1, Share2: share2, Signature: sig}),
			},
		},
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	identity := NodeIdentity{Address: curve.Address{}, SigningKey: priv}
	store, err := ecdkgstore.Open(t.TempDir() + "/ecdkg.db")
	if err != nil {
		t.Fatalf("ecdkgstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(identity, store, broadcaster, stubWatcher{}, nil)
	ctx := context.Background()
	if err := engine.RunUntilPhase(ctx, "wrong-signer", ecdkgstore.PhaseKeyVerification); err != nil {
		t.Fatalf("RunUntilPhase: %v", err)
	}

	participant, err := store.GetOrCreateParticipant("wrong-signer", peerB)
	if err != nil {
		t.Fatalf("GetOrCreateParticipant: %v", err)
	}
	if participant.Share1 != nil || participant.Share2 != nil {
		t.Fatalf("expected shares from a wrongly-signed peer to remain unset")
	}
}

// TestKeyVerificationComplainsAboutBadShare covers a peer's shares being
// correctly signed but not satisfying the Pedersen verification equation
// against its own published commitments, so the node must file exactly one
// complaint against it.
func TestKeyVerificationComplainsAboutBadShare(t *testing.T) {
	peerBKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	peerB := curve.AddressFromPublicKey(peerBKey.PubKey())

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	identity := NodeIdentity{Address: curve.AddressFromPublicKey(priv.PubKey()), SigningKey: priv}

	// peerB's real commitments bind to (honestShare1, honestShare2), but it
	// sends a tampered share1 that no longer satisfies the equation.
	honestShare1 := curve.ScalarFromUint64(5)
	honestShare2 := curve.ScalarFromUint64(7)
	tamperedShare1 := curve.ScalarFromUint64(6)
	verifPoint := curve.PointAdd(curve.PointMul(curve.G, honestShare1), curve.PointMul(curve.H, honestShare2))

	msg := secretSharesMessage("bad-share", identity.Address, tamperedShare1, honestShare2)
	sig, err := curve.Sign(msg, peerBKey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	broadcaster := scriptedBroadcaster{
		peers: []curve.Address{peerB},
		responses: map[string]map[curve.Address]json.RawMessage{
			"get_signed_secret_shares": {
				peerB: mustMarshal(t, sharePayload{Share1: tamperedShare1, Share2: honestShare2, Signature: sig}),
			},
			"get_verification_points": {
				peerB: mustMarshal(t, verificationPointsPayload{Points: []curve.Point{verifPoint}}),
			},
		},
	}

	store, err := ecdkgstore.Open(t.TempDir() + "/ecdkg.db")
	if err != nil {
		t.Fatalf("ecdkgstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(identity, store, broadcaster, stubWatcher{}, nil)
	ctx := context.Background()
	if err := engine.RunUntilPhase(ctx, "bad-share", ecdkgstore.PhaseKeyCheck); err != nil {
		t.Fatalf("RunUntilPhase: %v", err)
	}

	complaints, err := store.ListComplaintsBy("bad-share", identity.Address)
	if err != nil {
		t.Fatalf("ListComplaintsBy: %v", err)
	}
	if len(complaints) != 1 {
		t.Fatalf("expected exactly one complaint, got %d", len(complaints))
	}
	if complaints[0].ParticipantAddress != peerB {
		t.Fatalf("complaint filed against wrong participant: %x", complaints[0].ParticipantAddress)
	}
}

// TestKeyGenerationFailsOnMissingEncryptionKeyPart covers a peer that never
// answers get_encryption_key_part: KeyGeneration must fail with ErrProtocol,
// leaving the session's phase unchanged so a retry after the peer returns
// can still succeed.
func TestKeyGenerationFailsOnMissingEncryptionKeyPart(t *testing.T) {
	peerB := curve.Address{2}
	engine, _ := newTestEngine(t, []curve.Address{peerB})
	ctx := context.Background()

	if err := engine.RunUntilPhase(ctx, "missing-part", ecdkgstore.PhaseKeyCheck); err != nil {
		t.Fatalf("RunUntilPhase to KeyCheck: %v", err)
	}

	err := engine.RunUntilPhase(ctx, "missing-part", ecdkgstore.PhaseKeyPublication)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}

	sess, err := engine.store.GetOrCreateSession("missing-part")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if sess.Phase != ecdkgstore.PhaseKeyGeneration {
		t.Fatalf("expected phase to remain KeyGeneration after fatal error, got %s", sess.Phase)
	}
}
