package bidding

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts bid payloads with XChaCha20-Poly1305. The task, bid and
// helper ids are bound as associated data so a ciphertext cannot be moved
// between bids.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("bidding: sealing key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewRandomSealer uses an ephemeral key. Bids sealed with it cannot be opened
// after a restart.
func NewRandomSealer() (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("bidding: generate sealing key: %w", err)
	}
	return NewSealer(key)
}

func associatedData(taskID, bidID, helperID string) []byte {
	return []byte(taskID + "\x00" + bidID + "\x00" + helperID)
}

func (s *Sealer) Seal(taskID, bidID, helperID string, p Payload) (SealedPayload, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return SealedPayload{}, fmt.Errorf("bidding: encode payload: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedPayload{}, fmt.Errorf("bidding: nonce: %w", err)
	}
	sum := sha256.Sum256(plain)
	return SealedPayload{
		Ciphertext: s.aead.Seal(nil, nonce, plain, associatedData(taskID, bidID, helperID)),
		Nonce:      nonce,
		Commitment: sum[:],
	}, nil
}

func (s *Sealer) Open(b Bid) (Payload, error) {
	plain, err := s.aead.Open(nil, b.Sealed.Nonce, b.Sealed.Ciphertext, associatedData(b.TaskID, b.ID, b.HelperID))
	if err != nil {
		return Payload{}, fmt.Errorf("bidding: open bid %s: %w", b.ID, err)
	}
	sum := sha256.Sum256(plain)
	if !bytes.Equal(sum[:], b.Sealed.Commitment) {
		return Payload{}, fmt.Errorf("bidding: bid %s commitment mismatch", b.ID)
	}
	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("bidding: decode bid %s: %w", b.ID, err)
	}
	return p, nil
}
