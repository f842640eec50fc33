// Package ecdkgstore is the durable, per-decryption-condition record of
// protocol state: get-or-create accessors, serialized by an RWMutex, over a
// three-table session/participant/complaint ownership tree in a bbolt file
// so mutations survive a process restart and a node can resume mid-protocol
// without losing shares already received. No in-memory copy is kept; every
// read goes to the bbolt file.
package ecdkgstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/pangea-net/ecdkg-node/internal/curve"
)

var (
	bucketSessions     = []byte("sessions")
	bucketParticipants = []byte("participants")
	bucketComplaints   = []byte("complaints")
	bucketSatisfied    = []byte("satisfied_conditions")
)

// MaxDecryptionConditionBytes is the maximum length of a normalized
// decryption condition tag.
const MaxDecryptionConditionBytes = 32

// NormalizeDecryptionCondition trims surrounding whitespace and lower-cases
// the condition tag into its canonical lookup-key form. Fails if the
// normalized form exceeds MaxDecryptionConditionBytes.
func NormalizeDecryptionCondition(condition string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(condition))
	if norm == "" {
		return "", fmt.Errorf("ecdkgstore: decryption condition must not be empty")
	}
	if len(norm) > MaxDecryptionConditionBytes {
		return "", fmt.Errorf("ecdkgstore: decryption condition exceeds %d bytes", MaxDecryptionConditionBytes)
	}
	return norm, nil
}

// Store is a persistent keyed mapping from normalized decryption condition
// to Session, with child collections for Participants and Complaints.
// At most one in-flight mutation runs per Session (see internal/ecdkg's use
// of singleflight), but Store itself also serializes direct access so it is
// safe to share across engines in tests.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) a bbolt-backed session store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ecdkgstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketParticipants, bucketComplaints, bucketSatisfied} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ecdkgstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

func participantKey(condition string, addr curve.Address) []byte {
	return []byte(condition + "\x00" + curve.FormatAddress(addr))
}

func complaintKey(condition string, addr, complainer curve.Address) []byte {
	return []byte(condition + "\x00" + curve.FormatAddress(addr) + "\x00" + curve.FormatAddress(complainer))
}

// GetOrCreateSession performs an atomic look-up-or-insert, returning the
// existing Session if present and a fresh Uninitialized one otherwise.
func (s *Store) GetOrCreateSession(condition string) (*Session, error) {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sess *Session
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		raw := b.Get([]byte(condition))
		if raw != nil {
			sess = &Session{}
			return json.Unmarshal(raw, sess)
		}
		sess = &Session{DecryptionCondition: condition, Phase: PhaseUninitialized}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(condition), data)
	})
	if err != nil {
		return nil, fmt.Errorf("ecdkgstore: get-or-create session %q: %w", condition, err)
	}
	return sess, nil
}

// SaveSession persists sess. The protocol engine MUST call this (and have it
// return successfully) before treating a phase advance as durable: a crash
// between the in-memory phase bump and this call must be recoverable from
// the pre-advance phase.
func (s *Store) SaveSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("ecdkgstore: marshal session: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.DecryptionCondition), data)
	})
	if err != nil {
		return fmt.Errorf("ecdkgstore: save session %q: %w", sess.DecryptionCondition, err)
	}
	return nil
}

// GetOrCreateParticipant performs an atomic look-up-or-insert of a
// Participant record unique per (condition, address).
func (s *Store) GetOrCreateParticipant(condition string, addr curve.Address) (*Participant, error) {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var p *Participant
	key := participantKey(condition, addr)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		raw := b.Get(key)
		if raw != nil {
			p = &Participant{}
			return json.Unmarshal(raw, p)
		}
		p = &Participant{Address: addr}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("ecdkgstore: get-or-create participant: %w", err)
	}
	return p, nil
}

// SaveParticipant persists p's current field values.
func (s *Store) SaveParticipant(condition string, p *Participant) error {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ecdkgstore: marshal participant: %w", err)
	}
	key := participantKey(condition, p.Address)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketParticipants).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("ecdkgstore: save participant: %w", err)
	}
	return nil
}

// ListParticipants returns every Participant recorded for condition, in no
// particular order (participant order within a Session carries no meaning).
func (s *Store) ListParticipants(condition string) ([]*Participant, error) {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := []byte(condition + "\x00")
	var out []*Participant
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketParticipants).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			p := &Participant{}
			if err := json.Unmarshal(v, p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ecdkgstore: list participants: %w", err)
	}
	return out, nil
}

// GetOrCreateComplaint performs an atomic look-up-or-insert of a Complaint
// unique per (Participant, complainer). created reports whether this call
// inserted a new record.
func (s *Store) GetOrCreateComplaint(condition string, addr, complainer curve.Address) (rec *Complaint, created bool, err error) {
	condition, err = NormalizeDecryptionCondition(condition)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := complaintKey(condition, addr, complainer)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketComplaints)
		raw := b.Get(key)
		if raw != nil {
			rec = &Complaint{}
			return json.Unmarshal(raw, rec)
		}
		rec = &Complaint{ParticipantAddress: addr, ComplainerAddress: complainer}
		created = true
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, false, fmt.Errorf("ecdkgstore: get-or-create complaint: %w", err)
	}
	return rec, created, nil
}

// ListComplaintsBy returns every complaint filed by complainer across all
// participants of condition.
func (s *Store) ListComplaintsBy(condition string, complainer curve.Address) ([]*Complaint, error) {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := []byte(condition + "\x00")
	suffix := []byte("\x00" + curve.FormatAddress(complainer))
	var out []*Complaint
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketComplaints).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			rec := &Complaint{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ecdkgstore: list complaints: %w", err)
	}
	return out, nil
}

// MarkSatisfied records that condition's external decryption event has
// fired: an operator or upstream system sets this flag; a poll-based
// ConditionWatcher reads it back.
func (s *Store) MarkSatisfied(condition string) error {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSatisfied).Put([]byte(condition), []byte{1})
	})
	if err != nil {
		return fmt.Errorf("ecdkgstore: mark satisfied %q: %w", condition, err)
	}
	return nil
}

// IsSatisfied reports whether MarkSatisfied has been called for condition.
func (s *Store) IsSatisfied(condition string) (bool, error) {
	condition, err := NormalizeDecryptionCondition(condition)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var satisfied bool
	err = s.db.View(func(tx *bbolt.Tx) error {
		satisfied = tx.Bucket(bucketSatisfied).Get([]byte(condition)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ecdkgstore: read satisfied %q: %w", condition, err)
	}
	return satisfied, nil
}
