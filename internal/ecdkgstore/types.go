package ecdkgstore

import "github.com/pangea-net/ecdkg-node/internal/curve"

// Phase is a step of the six-phase ECDKG state machine. Phase only ever
// advances; the engine must never move a Session backward.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseKeyDistribution
	PhaseKeyVerification
	PhaseKeyCheck
	PhaseKeyGeneration
	PhaseKeyPublication
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "Uninitialized"
	case PhaseKeyDistribution:
		return "KeyDistribution"
	case PhaseKeyVerification:
		return "KeyVerification"
	case PhaseKeyCheck:
		return "KeyCheck"
	case PhaseKeyGeneration:
		return "KeyGeneration"
	case PhaseKeyPublication:
		return "KeyPublication"
	case PhaseComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Session is the per-decryption-condition protocol record: the set of
// participant addresses the session was opened with, the node's own secret
// polynomials (once drawn), and the phase reached so far.
type Session struct {
	DecryptionCondition string          `json:"decryption_condition"`
	Phase               Phase           `json:"phase"`
	Threshold           int             `json:"threshold"`
	ParticipantAddrs    []curve.Address `json:"participant_addrs"`

	// SecretPoly1/SecretPoly2 are this node's own two secret polynomials,
	// drawn once entering KeyDistribution. Coefficients are stored in the
	// wire hex format via Scalar's JSON methods.
	SecretPoly1 []curve.Scalar `json:"secret_poly1,omitempty"`
	SecretPoly2 []curve.Scalar `json:"secret_poly2,omitempty"`

	// VerificationPoints is this node's own published Pedersen commitment
	// vector (poly1[k]*G + poly2[k]*H), which peers fetch while handling
	// their KeyDistribution phase.
	VerificationPoints []curve.Point `json:"verification_points,omitempty"`

	// OwnEncryptionKeyPart is secret_poly1[0]*G, this node's own term of the
	// group public key, computed once entering KeyDistribution and
	// fetched by peers while handling their KeyGeneration phase.
	OwnEncryptionKeyPart *curve.Point `json:"own_encryption_key_part,omitempty"`

	// DecryptionKey is the joint group private key: this node's own
	// secret_poly1[0] plus the sum of every participant's published
	// decryption_key_part, reduced mod N. Populated once, at the end of
	// KeyPublication.
	DecryptionKey *curve.Scalar `json:"decryption_key,omitempty"`

	// EncryptionKey is the group public key, published once every
	// participant has reached KeyGeneration: the sum of every
	// participant's poly1[0]*G term (this node's own included).
	EncryptionKey *curve.Point `json:"encryption_key,omitempty"`
}

// Participant is one other node's contribution to a Session, addressed by
// its signing address.
type Participant struct {
	Address curve.Address `json:"address"`

	// VerificationPoints is the Pedersen commitment vector this
	// participant returned while this node handled KeyDistribution.
	VerificationPoints []curve.Point `json:"verification_points,omitempty"`

	// Share1/Share2 are the two secret-share values this participant sent
	// this node, evaluated at this node's address. Share1 is the
	// encryption-key contribution share, Share2 the Pedersen blinding
	// share; both are required to validate against VerificationPoints.
	Share1 *curve.Scalar `json:"share1,omitempty"`
	Share2 *curve.Scalar `json:"share2,omitempty"`

	// SharesVerified records whether Share1/Share2 passed the KeyVerification
	// equation against VerificationPoints.
	SharesVerified bool `json:"shares_verified"`

	// EncryptionKeyPart is poly1[0]*G as returned by this participant
	// while this node handled KeyGeneration; equivalently VerificationPoints[0] with the H
	// component removed, but sent explicitly so nodes that joined late
	// need not recompute it from a stored vector with differing length.
	EncryptionKeyPart *curve.Point `json:"encryption_key_part,omitempty"`

	// Complained records whether this node has already filed a complaint
	// against the participant, so GetComplaintsBy need not be queried on
	// every phase-check.
	Complained bool `json:"complained"`
}

// Complaint is a record that complainer rejected the share or verification
// data published by the session's ParticipantAddress, filed during
// KeyVerification. The protocol does not currently resolve complaints (see
// DESIGN.md); a filed Complaint is retained for audit only.
type Complaint struct {
	ParticipantAddress curve.Address `json:"participant_address"`
	ComplainerAddress  curve.Address `json:"complainer_address"`
	Reason             string        `json:"reason,omitempty"`
}
