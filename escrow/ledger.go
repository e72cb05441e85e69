package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type TransactionKind string

const (
	TxMilestoneRelease   TransactionKind = "milestone_release"
	TxArbitrationRelease TransactionKind = "arbitration_release"
	TxFinalRelease       TransactionKind = "final_release"
	TxRefund             TransactionKind = "refund"
)

// Transaction is one settlement movement. Each hash covers the previous hash,
// so rewriting any entry breaks every later one.
type Transaction struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrow_id"`
	Sequence    int             `json:"sequence"`
	Kind        TransactionKind `json:"kind"`
	MilestoneID string          `json:"milestone_id,omitempty"`
	Amount      int64           `json:"amount"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

func transactionHash(prev, escrowID string, kind TransactionKind, milestoneID string, amount int64, at time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		prev,
		escrowID,
		string(kind),
		milestoneID,
		strconv.FormatInt(amount, 10),
		at.UTC().Format(time.RFC3339Nano),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// appendTransaction chains a new movement onto c.
func appendTransaction(c *Contract, id string, kind TransactionKind, milestoneID string, amount int64, at time.Time) Transaction {
	prev := ""
	if n := len(c.Transactions); n > 0 {
		prev = c.Transactions[n-1].Hash
	}
	tx := Transaction{
		ID:          id,
		EscrowID:    c.ID,
		Sequence:    len(c.Transactions) + 1,
		Kind:        kind,
		MilestoneID: milestoneID,
		Amount:      amount,
		PrevHash:    prev,
		Hash:        transactionHash(prev, c.ID, kind, milestoneID, amount, at),
		CreatedAt:   at,
	}
	c.Transactions = append(c.Transactions, tx)
	return tx
}

// VerifyChain recomputes every hash in order.
func VerifyChain(txs []Transaction) error {
	prev := ""
	for i, tx := range txs {
		if tx.PrevHash != prev {
			return fmt.Errorf("escrow: transaction %d: prev hash mismatch", i+1)
		}
		if want := transactionHash(prev, tx.EscrowID, tx.Kind, tx.MilestoneID, tx.Amount, tx.CreatedAt); tx.Hash != want {
			return fmt.Errorf("escrow: transaction %d: hash mismatch", i+1)
		}
		prev = tx.Hash
	}
	return nil
}
