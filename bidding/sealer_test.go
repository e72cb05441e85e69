package bidding

import (
	"bytes"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	payload := Payload{Amount: 120, Proposal: "two movers", Milestones: []MilestoneProposal{{Description: "load", Amount: 60}}}
	sealed, err := s.Seal("task-1", "bid-1", "h1", payload)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := s.Open(Bid{ID: "bid-1", TaskID: "task-1", HelperID: "h1", Sealed: sealed})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.Amount != 120 || got.Proposal != "two movers" || len(got.Milestones) != 1 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSealer_RejectsMovedOrTamperedBids(t *testing.T) {
	s, err := NewRandomSealer()
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal("task-1", "bid-1", "h1", Payload{Amount: 50})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := s.Open(Bid{ID: "bid-1", TaskID: "task-1", HelperID: "h2", Sealed: sealed}); err == nil {
		t.Fatal("expected open to fail for a different helper")
	}

	tampered := sealed
	tampered.Commitment = bytes.Repeat([]byte{0}, len(sealed.Commitment))
	if _, err := s.Open(Bid{ID: "bid-1", TaskID: "task-1", HelperID: "h1", Sealed: tampered}); err == nil {
		t.Fatal("expected commitment mismatch")
	}
}

func TestNewSealer_RejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}
