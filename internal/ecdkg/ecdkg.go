// Package ecdkg implements the six-phase Pedersen threshold DKG protocol
// engine: given a durable Session Store and a Broadcaster capable of
// fanning a JSON-RPC-style call out to every other participant, it drives a
// Session from Uninitialized through Complete, computing the joint group
// private key via additive (not Lagrange) reconstruction.
//
// Each round is driven by an explicit phase switch over the persisted
// Session rather than per-phase-name dispatch, so a crash between phases
// always resumes from the last durably advanced phase.
package ecdkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/singleflight"

	"github.com/pangea-net/ecdkg-node/internal/curve"
	"github.com/pangea-net/ecdkg-node/internal/ecdkgstore"
	"github.com/pangea-net/ecdkg-node/internal/poly"
)

// ErrProtocol marks a fatal, non-recoverable protocol condition: a required
// datum never arrived from a peer and there is no fallback, e.g. a missing
// encryption_key_part in KeyGeneration.
var ErrProtocol = errors.New("ecdkg: protocol error")

// ThresholdFactor sets the polynomial degree bound: ceil(ThresholdFactor *
// (participant count + 1)).
const ThresholdFactor = 0.5

const (
	methodGetSignedSecretShares = "get_signed_secret_shares"
	methodGetVerificationPoints = "get_verification_points"
	methodGetComplaints         = "get_complaints"
	methodGetEncryptionKeyPart  = "get_encryption_key_part"
	methodGetDecryptionKeyPart  = "get_decryption_key_part"
)

// NodeIdentity is this node's long-term signing identity, threaded through
// the engine explicitly rather than read from package-level globals.
type NodeIdentity struct {
	Address    curve.Address
	SigningKey *secp256k1.PrivateKey
}

// Broadcaster abstracts the out-of-core JSON-RPC transport: a single call
// fans out to every other participant and collects their per-address
// responses. Concrete implementations live in internal/transport.
type Broadcaster interface {
	Peers(ctx context.Context) ([]curve.Address, error)
	BroadcastJSONRPC(ctx context.Context, method, condition string) (map[curve.Address]json.RawMessage, error)
}

// ConditionWatcher abstracts the out-of-core "has this decryption condition
// been satisfied yet" signal that gates KeyPublication.
type ConditionWatcher interface {
	WaitUntilSatisfied(ctx context.Context, condition string) error
}

// Engine drives ECDKG sessions forward. One Engine instance is shared by
// every session this node participates in; per-session mutation is
// serialized through a singleflight.Group keyed by decryption condition so
// concurrent external triggers for the same condition join a single
// in-flight run instead of racing each other.
type Engine struct {
	identity    NodeIdentity
	store       *ecdkgstore.Store
	broadcaster Broadcaster
	watcher     ConditionWatcher
	logger      *log.Logger

	sf singleflight.Group
}

// NewEngine constructs an Engine. logger may be nil, in which case
// log.Default() is used.
func NewEngine(identity NodeIdentity, store *ecdkgstore.Store, broadcaster Broadcaster, watcher ConditionWatcher, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		identity:    identity,
		store:       store,
		broadcaster: broadcaster,
		watcher:     watcher,
		logger:      logger,
	}
}

// RunUntilPhase drives condition's session forward phase by phase until it
// reaches (or has already passed) targetPhase, dispatching via an explicit
// switch and persisting the session after every transition so a crash
// mid-run resumes from the last completed phase.
func (e *Engine) RunUntilPhase(ctx context.Context, condition string, targetPhase ecdkgstore.Phase) error {
	_, err, _ := e.sf.Do(condition, func() (any, error) {
		return nil, e.runUntilPhaseLocked(ctx, condition, targetPhase)
	})
	return err
}

func (e *Engine) runUntilPhaseLocked(ctx context.Context, condition string, targetPhase ecdkgstore.Phase) error {
	sess, err := e.store.GetOrCreateSession(condition)
	if err != nil {
		return err
	}

	for sess.Phase < targetPhase {
		e.logger.Printf("🔄 ecdkg: handling %s phase for %q", sess.Phase, condition)

		var next *ecdkgstore.Session
		switch sess.Phase {
		case ecdkgstore.PhaseUninitialized:
			next, err = e.handleUninitializedPhase(ctx, sess)
		case ecdkgstore.PhaseKeyDistribution:
			next, err = e.handleKeyDistributionPhase(ctx, sess)
		case ecdkgstore.PhaseKeyVerification:
			next, err = e.handleKeyVerificationPhase(ctx, sess)
		case ecdkgstore.PhaseKeyCheck:
			next, err = e.handleKeyCheckPhase(ctx, sess)
		case ecdkgstore.PhaseKeyGeneration:
			next, err = e.handleKeyGenerationPhase(ctx, sess)
		case ecdkgstore.PhaseKeyPublication:
			next, err = e.handleKeyPublicationPhase(ctx, sess)
		default:
			return fmt.Errorf("%w: unhandled phase %s", ErrProtocol, sess.Phase)
		}
		if err != nil {
			return fmt.Errorf("ecdkg: phase %s failed for %q: %w", sess.Phase, condition, err)
		}

		if err := e.store.SaveSession(next); err != nil {
			return fmt.Errorf("ecdkg: persist phase advance to %s: %w", next.Phase, err)
		}
		sess = next
	}

	e.logger.Printf("✅ ecdkg: %q reached phase %s", condition, sess.Phase)
	return nil
}

// handleUninitializedPhase seeds the participant set from the transport's
// current peer list, derives the threshold from the peer count, draws this node's two secret
// polynomials, and computes its own encryption-key term and Pedersen
// commitment vector.
func (e *Engine) handleUninitializedPhase(ctx context.Context, sess *ecdkgstore.Session) (*ecdkgstore.Session, error) {
	peers, err := e.broadcaster.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	for _, addr := range peers {
		if _, err := e.store.GetOrCreateParticipant(sess.DecryptionCondition, addr); err != nil {
			return nil, fmt.Errorf("register participant %x: %w", addr, err)
		}
	}
	sess.ParticipantAddrs = peers

	threshold := int(math.Ceil(ThresholdFactor * float64(len(peers)+1)))
	sess.Threshold = threshold

	spoly1, err := poly.RandomPolynomial(threshold)
	if err != nil {
		return nil, fmt.Errorf("draw secret_poly1: %w", err)
	}
	spoly2, err := poly.RandomPolynomial(threshold)
	if err != nil {
		return nil, fmt.Errorf("draw secret_poly2: %w", err)
	}
	sess.SecretPoly1 = spoly1
	sess.SecretPoly2 = spoly2

	ownPart := curve.GMul(spoly1[0])
	sess.OwnEncryptionKeyPart = &ownPart

	commits, err := poly.PedersenCommit(spoly1, spoly2)
	if err != nil {
		return nil, fmt.Errorf("commit to own polynomials: %w", err)
	}
	sess.VerificationPoints = commits

	sess.Phase = ecdkgstore.PhaseKeyDistribution
	return sess, nil
}

// handleKeyDistributionPhase broadcasts get_signed_secret_shares and
// get_verification_points, validating each signed share's signer address
// before accepting it. A peer whose share is missing, unparseable, or
// signed by the wrong address is logged and skipped rather than treated as
// fatal, since a quorum of honest participants is enough to proceed.
func (e *Engine) handleKeyDistributionPhase(ctx context.Context, sess *ecdkgstore.Session) (*ecdkgstore.Session, error) {
	shares, err := e.broadcaster.BroadcastJSONRPC(ctx, methodGetSignedSecretShares, sess.DecryptionCondition)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", methodGetSignedSecretShares, err)
	}

	for _, addr := range sess.ParticipantAddrs {
		participant, err := e.store.GetOrCreateParticipant(sess.DecryptionCondition, addr)
		if err != nil {
			return nil, err
		}

		raw, ok := shares[addr]
		if !ok {
			e.logger.Printf("⚠️ ecdkg: missing signed secret shares from %x", addr)
			continue
		}

		var payload sharePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			e.logger.Printf("⚠️ ecdkg: malformed secret shares from %x: %v", addr, err)
			continue
		}

		msgBytes := secretSharesMessage(sess.DecryptionCondition, e.identity.Address, payload.Share1, payload.Share2)
		recovered, err := curve.RecoverAddress(msgBytes, payload.Signature)
		if err != nil {
			e.logger.Printf("⚠️ ecdkg: signature from %x could not be verified: %v", addr, err)
			continue
		}
		if recovered != addr {
			e.logger.Printf("⚠️ ecdkg: channel address %x does not match recovered address %x", addr, recovered)
			continue
		}

		share1, share2 := payload.Share1, payload.Share2
		participant.Share1 = &share1
		participant.Share2 = &share2
		if err := e.store.SaveParticipant(sess.DecryptionCondition, participant); err != nil {
			return nil, err
		}
	}
	e.logger.Printf("ecdkg: set all secret shares for %q", sess.DecryptionCondition)

	verifPoints, err := e.broadcaster.BroadcastJSONRPC(ctx, methodGetVerificationPoints, sess.DecryptionCondition)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", methodGetVerificationPoints, err)
	}
	for _, addr := range sess.ParticipantAddrs {
		participant, err := e.store.GetOrCreateParticipant(sess.DecryptionCondition, addr)
		if err != nil {
			return nil, err
		}

		raw, ok := verifPoints[addr]
		if !ok {
			e.logger.Printf("⚠️ ecdkg: missing verification_points from %x", addr)
			continue
		}
		var payload verificationPointsPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			e.logger.Printf("⚠️ ecdkg: malformed verification points from %x: %v", addr, err)
			continue
		}
		participant.VerificationPoints = payload.Points
		if err := e.store.SaveParticipant(sess.DecryptionCondition, participant); err != nil {
			return nil, err
		}
	}

	sess.Phase = ecdkgstore.PhaseKeyVerification
	return sess, nil
}

// handleKeyVerificationPhase checks every participant's share against its
// published Pedersen commitment vector, evaluated at this node's own
// address, and files a complaint against any participant that fails (or
// never sent a share at all).
func (e *Engine) handleKeyVerificationPhase(ctx context.Context, sess *ecdkgstore.Session) (*ecdkgstore.Session, error) {
	x := curve.AddressToScalar(e.identity.Address)

	participants, err := e.store.ListParticipants(sess.DecryptionCondition)
	if err != nil {
		return nil, err
	}

	for _, participant := range participants {
		verified := false
		if participant.Share1 != nil && participant.Share2 != nil && len(participant.VerificationPoints) > 0 {
			lhs := curve.PointAdd(
				curve.PointMul(curve.G, *participant.Share1),
				curve.PointMul(curve.H, *participant.Share2),
			)
			rhs := poly.EvalCommitment(participant.VerificationPoints, x)
			verified = lhs.Equal(rhs)
		}

		participant.SharesVerified = verified
		if !verified {
			if _, _, err := e.store.GetOrCreateComplaint(sess.DecryptionCondition, participant.Address, e.identity.Address); err != nil {
				return nil, err
			}
			participant.Complained = true
		}
		if err := e.store.SaveParticipant(sess.DecryptionCondition, participant); err != nil {
			return nil, err
		}
	}

	sess.Phase = ecdkgstore.PhaseKeyCheck
	return sess, nil
}

// handleKeyCheckPhase polls every peer's complaint list but does not act on
// the result beyond confirming a response arrived: complaint resolution
// (penalizing or excluding a complained-against participant) is left
// unimplemented rather than inventing an ad hoc policy.
func (e *Engine) handleKeyCheckPhase(ctx context.Context, sess *ecdkgstore.Session) (*ecdkgstore.Session, error) {
	complaints, err := e.broadcaster.BroadcastJSONRPC(ctx, methodGetComplaints, sess.DecryptionCondition)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", methodGetComplaints, err)
	}
	for _, addr := range sess.ParticipantAddrs {
		if _, ok := complaints[addr]; !ok {
			e.logger.Printf("⚠️ ecdkg: no complaint response from %x", addr)
		}
	}

	sess.Phase = ecdkgstore.PhaseKeyGeneration
	return sess, nil
}

// handleKeyGenerationPhase collects every participant's encryption-key term
// and sums them (plus this node's own term) into the group public key. A
// missing term is fatal: there is no fallback source for it.
func (e *Engine) handleKeyGenerationPhase(ctx context.Context, sess *ecdkgstore.Session) (*ecdkgstore.Session, error) {
	parts, err := e.broadcaster.BroadcastJSONRPC(ctx, methodGetEncryptionKeyPart, sess.DecryptionCondition)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", methodGetEncryptionKeyPart, err)
	}

	total := *sess.OwnEncryptionKeyPart
	for _, addr := range sess.ParticipantAddrs {
		participant, err := e.store.GetOrCreateParticipant(sess.DecryptionCondition, addr)
		if err != nil {
			return nil, err
		}

		raw, ok := parts[addr]
		if !ok {
			return nil, fmt.Errorf("%w: missing encryption_key_part from %x", ErrProtocol, addr)
		}
		var payload pointPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: malformed encryption_key_part from %x: %v", ErrProtocol, addr, err)
		}
		participant.EncryptionKeyPart = &payload.Point
		if err := e.store.SaveParticipant(sess.DecryptionCondition, participant); err != nil {
			return nil, err
		}
		total = curve.PointAdd(total, payload.Point)
	}

	sess.EncryptionKey = &total
	sess.Phase = ecdkgstore.PhaseKeyPublication
	return sess, nil
}

// handleKeyPublicationPhase waits for the external decryption-condition
// signal, then collects every participant's final decryption-key term and
// combines them additively (NOT Lagrange interpolation) with this node's own
// secret_poly1[0] into the joint group private key.
func (e *Engine) handleKeyPublicationPhase(ctx context.Context, sess *ecdkgstore.Session) (*ecdkgstore.Session, error) {
	if err := e.watcher.WaitUntilSatisfied(ctx, sess.DecryptionCondition); err != nil {
		return nil, fmt.Errorf("wait for decryption condition: %w", err)
	}

	parts, err := e.broadcaster.BroadcastJSONRPC(ctx, methodGetDecryptionKeyPart, sess.DecryptionCondition)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", methodGetDecryptionKeyPart, err)
	}

	total := sess.SecretPoly1[0]
	for _, addr := range sess.ParticipantAddrs {
		raw, ok := parts[addr]
		if !ok {
			return nil, fmt.Errorf("%w: missing decryption key part from %x", ErrProtocol, addr)
		}
		var payload scalarPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: malformed decryption key part from %x: %v", ErrProtocol, addr, err)
		}
		total = curve.ScalarAdd(total, payload.Scalar)
	}

	sess.DecryptionKey = &total
	sess.Phase = ecdkgstore.PhaseComplete
	return sess, nil
}

// secretSharesMessage reproduces the exact canonical byte layout the
// original signs: condition || requester_address || "SECRETSHARES" ||
// share1 || share2.
func secretSharesMessage(condition string, requester curve.Address, share1, share2 curve.Scalar) []byte {
	addrBytes := curve.AddressToBytes(requester)
	s1 := curve.PrivateValueToBytes(share1)
	s2 := curve.PrivateValueToBytes(share2)
	msg := make([]byte, 0, len(condition)+len(addrBytes)+len("SECRETSHARES")+len(s1)+len(s2))
	msg = append(msg, []byte(condition)...)
	msg = append(msg, addrBytes[:]...)
	msg = append(msg, []byte("SECRETSHARES")...)
	msg = append(msg, s1[:]...)
	msg = append(msg, s2[:]...)
	return msg
}
