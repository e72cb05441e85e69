package escrow

import (
	"testing"
	"time"
)

func TestVerifyChain_DetectsTampering(t *testing.T) {
	c := Contract{ID: "esc-1"}
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	appendTransaction(&c, "tx-1", TxMilestoneRelease, "m-1", 50, at)
	appendTransaction(&c, "tx-2", TxMilestoneRelease, "m-2", 50, at.Add(time.Minute))
	appendTransaction(&c, "tx-3", TxFinalRelease, "", 20, at.Add(2*time.Minute))

	if err := VerifyChain(c.Transactions); err != nil {
		t.Fatalf("fresh chain: %v", err)
	}
	if c.Transactions[1].PrevHash != c.Transactions[0].Hash {
		t.Fatal("transactions are not linked")
	}

	tampered := append([]Transaction(nil), c.Transactions...)
	tampered[1].Amount = 500
	if err := VerifyChain(tampered); err == nil {
		t.Fatal("expected amount tampering to be detected")
	}

	dropped := []Transaction{c.Transactions[0], c.Transactions[2]}
	if err := VerifyChain(dropped); err == nil {
		t.Fatal("expected a removed entry to be detected")
	}
}
