package ecdkgstore

import (
	"path/filepath"
	"testing"

	"github.com/pangea-net/ecdkg-node/internal/curve"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalizeDecryptionCondition(t *testing.T) {
	got, err := NormalizeDecryptionCondition("  Some-Condition  ")
	if err != nil {
		t.Fatalf("NormalizeDecryptionCondition: %v", err)
	}
	if got != "some-condition" {
		t.Fatalf("got %q, want %q", got, "some-condition")
	}
	if _, err := NormalizeDecryptionCondition("   "); err == nil {
		t.Fatalf("expected error for empty condition")
	}
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.GetOrCreateSession("cond-a")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if sess.Phase != PhaseUninitialized {
		t.Fatalf("expected fresh session to start Uninitialized, got %s", sess.Phase)
	}

	sess.Threshold = 3
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	again, err := s.GetOrCreateSession("COND-A")
	if err != nil {
		t.Fatalf("GetOrCreateSession (normalized): %v", err)
	}
	if again.Threshold != 3 {
		t.Fatalf("expected persisted threshold 3, got %d", again.Threshold)
	}
}

func TestGetOrCreateParticipantAndListParticipants(t *testing.T) {
	s := openTestStore(t)

	addrA := curve.Address{1}
	addrB := curve.Address{2}

	if _, err := s.GetOrCreateParticipant("cond-b", addrA); err != nil {
		t.Fatalf("GetOrCreateParticipant A: %v", err)
	}
	pB, err := s.GetOrCreateParticipant("cond-b", addrB)
	if err != nil {
		t.Fatalf("GetOrCreateParticipant B: %v", err)
	}

	share1 := curve.ScalarFromUint64(42)
	pB.Share1 = &share1
	if err := s.SaveParticipant("cond-b", pB); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	list, err := s.ListParticipants("cond-b")
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(list))
	}

	// Different condition must not see these participants.
	other, err := s.ListParticipants("cond-c")
	if err != nil {
		t.Fatalf("ListParticipants other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no participants under a different condition, got %d", len(other))
	}
}

func TestComplaintsAreScopedAndDeduplicated(t *testing.T) {
	s := openTestStore(t)

	participant := curve.Address{3}
	complainer := curve.Address{4}

	_, created, err := s.GetOrCreateComplaint("cond-d", participant, complainer)
	if err != nil {
		t.Fatalf("GetOrCreateComplaint: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create a new complaint")
	}

	_, created, err = s.GetOrCreateComplaint("cond-d", participant, complainer)
	if err != nil {
		t.Fatalf("GetOrCreateComplaint (repeat): %v", err)
	}
	if created {
		t.Fatalf("expected repeat call to return the existing complaint")
	}

	byComplainer, err := s.ListComplaintsBy("cond-d", complainer)
	if err != nil {
		t.Fatalf("ListComplaintsBy: %v", err)
	}
	if len(byComplainer) != 1 || byComplainer[0].ParticipantAddress != participant {
		t.Fatalf("unexpected complaints: %+v", byComplainer)
	}

	none, err := s.ListComplaintsBy("cond-d", curve.Address{5})
	if err != nil {
		t.Fatalf("ListComplaintsBy (no complaints): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no complaints for unrelated complainer, got %d", len(none))
	}
}

func TestMarkAndCheckSatisfied(t *testing.T) {
	s := openTestStore(t)

	satisfied, err := s.IsSatisfied("cond-e")
	if err != nil {
		t.Fatalf("IsSatisfied: %v", err)
	}
	if satisfied {
		t.Fatalf("expected condition to start unsatisfied")
	}

	if err := s.MarkSatisfied("cond-e"); err != nil {
		t.Fatalf("MarkSatisfied: %v", err)
	}
	satisfied, err = s.IsSatisfied("COND-E")
	if err != nil {
		t.Fatalf("IsSatisfied (normalized): %v", err)
	}
	if !satisfied {
		t.Fatalf("expected condition to be satisfied after MarkSatisfied")
	}
}
