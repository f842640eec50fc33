package ecdkg

import (
	"fmt"

	"github.com/pangea-net/ecdkg-node/internal/curve"
	"github.com/pangea-net/ecdkg-node/internal/ecdkgstore"
	"github.com/pangea-net/ecdkg-node/internal/poly"
)

// sharePayload is the wire body a peer's get_signed_secret_shares RPC
// answers with: the two polynomial evaluations at the requester's address,
// signed so the requester can authenticate the sender.
type sharePayload struct {
	Share1    curve.Scalar    `json:"share1"`
	Share2    curve.Scalar    `json:"share2"`
	Signature curve.Signature `json:"signature"`
}

type verificationPointsPayload struct {
	Points []curve.Point `json:"points"`
}

type pointPayload struct {
	Point curve.Point `json:"point"`
}

type scalarPayload struct {
	Scalar curve.Scalar `json:"scalar"`
}

// GetSignedSecretShares answers a get_signed_secret_shares RPC from
// requester: this node's two secret polynomials evaluated at requester's
// address, signed over the canonical SECRETSHARES message.
func (e *Engine) GetSignedSecretShares(condition string, requester curve.Address) (sharePayload, error) {
	sess, err := e.store.GetOrCreateSession(condition)
	if err != nil {
		return sharePayload{}, err
	}
	if len(sess.SecretPoly1) == 0 || len(sess.SecretPoly2) == 0 {
		return sharePayload{}, fmt.Errorf("%w: polynomials not yet drawn for %q", ErrProtocol, condition)
	}

	x := curve.AddressToScalar(requester)
	share1 := poly.EvalPoly(sess.SecretPoly1, x)
	share2 := poly.EvalPoly(sess.SecretPoly2, x)

	msg := secretSharesMessage(condition, requester, share1, share2)
	sig, err := curve.Sign(msg, e.identity.SigningKey)
	if err != nil {
		return sharePayload{}, fmt.Errorf("sign secret shares: %w", err)
	}

	return sharePayload{Share1: share1, Share2: share2, Signature: sig}, nil
}

// GetVerificationPoints answers a get_verification_points RPC with this
// node's own Pedersen commitment vector.
func (e *Engine) GetVerificationPoints(condition string) (verificationPointsPayload, error) {
	sess, err := e.store.GetOrCreateSession(condition)
	if err != nil {
		return verificationPointsPayload{}, err
	}
	if sess.VerificationPoints == nil {
		return verificationPointsPayload{}, fmt.Errorf("%w: verification points not yet computed for %q", ErrProtocol, condition)
	}
	return verificationPointsPayload{Points: sess.VerificationPoints}, nil
}

// GetEncryptionKeyPart answers a get_encryption_key_part RPC with this
// node's own term of the group public key.
func (e *Engine) GetEncryptionKeyPart(condition string) (pointPayload, error) {
	sess, err := e.store.GetOrCreateSession(condition)
	if err != nil {
		return pointPayload{}, err
	}
	if sess.OwnEncryptionKeyPart == nil {
		return pointPayload{}, fmt.Errorf("%w: encryption key part not yet computed for %q", ErrProtocol, condition)
	}
	return pointPayload{Point: *sess.OwnEncryptionKeyPart}, nil
}

// GetDecryptionKeyPart answers a get_decryption_key_part RPC with this
// node's own term of the final group private key.
func (e *Engine) GetDecryptionKeyPart(condition string) (scalarPayload, error) {
	sess, err := e.store.GetOrCreateSession(condition)
	if err != nil {
		return scalarPayload{}, err
	}
	if len(sess.SecretPoly1) == 0 {
		return scalarPayload{}, fmt.Errorf("%w: polynomials not yet drawn for %q", ErrProtocol, condition)
	}
	return scalarPayload{Scalar: sess.SecretPoly1[0]}, nil
}

// GetComplaintsBy answers a get_complaints RPC with the list of participant
// addresses this node has filed a complaint against for condition, indexed
// by this node's own address as the complainer (the only address a peer's
// get_complaints RPC can answer for).
func (e *Engine) GetComplaintsBy(condition string) ([]curve.Address, error) {
	complaints, err := e.store.ListComplaintsBy(condition, e.identity.Address)
	if err != nil {
		return nil, err
	}
	addrs := make([]curve.Address, len(complaints))
	for i, c := range complaints {
		addrs[i] = c.ParticipantAddress
	}
	return addrs, nil
}

// stateMessage is the JSON-able diagnostic snapshot produced by
// ToStateMessage.
type stateMessage struct {
	Address             string                          `json:"address"`
	DecryptionCondition string                          `json:"decryption_condition"`
	Phase               string                          `json:"phase"`
	Threshold           int                             `json:"threshold,omitempty"`
	Participants        map[string]participantStateMsg `json:"participants"`
	EncryptionKey       *curve.Point                    `json:"encryption_key,omitempty"`
	EncryptionKeyPart   *curve.Point                    `json:"encryption_key_part,omitempty"`
	VerificationPoints  []curve.Point                   `json:"verification_points,omitempty"`
}

// participantStateMsg is the per-participant slice of a stateMessage.
type participantStateMsg struct {
	EncryptionKeyPart  *curve.Point  `json:"encryption_key_part,omitempty"`
	VerificationPoints []curve.Point `json:"verification_points,omitempty"`
}

// ToStateMessage returns a diagnostic snapshot of condition's session,
// suitable for serving a state-inspection RPC or a debug endpoint.
func (e *Engine) ToStateMessage(condition string) (stateMessage, error) {
	sess, err := e.store.GetOrCreateSession(condition)
	if err != nil {
		return stateMessage{}, err
	}
	participants, err := e.store.ListParticipants(condition)
	if err != nil {
		return stateMessage{}, err
	}

	msg := stateMessage{
		Address:             curve.FormatAddress(e.identity.Address),
		DecryptionCondition: sess.DecryptionCondition,
		Phase:               sess.Phase.String(),
		Threshold:           sess.Threshold,
		Participants:        make(map[string]participantStateMsg, len(participants)),
		EncryptionKey:       sess.EncryptionKey,
		EncryptionKeyPart:   sess.OwnEncryptionKeyPart,
		VerificationPoints:  sess.VerificationPoints,
	}
	for _, p := range participants {
		msg.Participants[curve.FormatAddress(p.Address)] = toStateMessageParticipant(p, p.Address)
	}
	return msg, nil
}

// toStateMessageParticipant builds the diagnostic snapshot for one
// participant. The address parameter is accepted but not read; the
// snapshot does not include it.
func toStateMessageParticipant(p *ecdkgstore.Participant, address curve.Address) participantStateMsg {
	return participantStateMsg{
		EncryptionKeyPart:  p.EncryptionKeyPart,
		VerificationPoints: p.VerificationPoints,
	}
}
