package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"

	"gistlock/pkg/domain"
)

// proofContext domain-separates deletion proofs from any other hash
// derived over record fields.
const proofContext = "gistlock.deletion-proof.v1"

// DeriveDeletionProof computes the deletion proof for a one-time-view
// record from its three public fields. createdAt must be in the canonical
// millisecond timestamp form. Anyone holding the served record can derive
// it; holding it demonstrates the record was actually delivered.
func DeriveDeletionProof(createdAt string, totalSize int64, id string) string {
	h := sha256.New()
	h.Write([]byte(proofContext))
	h.Write([]byte{0})
	h.Write([]byte(createdAt))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(totalSize, 10)))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

// DeletionProofFor derives the proof from a stored record.
func DeletionProofFor(g *domain.Gist) string {
	return DeriveDeletionProof(domain.FormatTimestamp(g.CreatedAt), g.TotalSize, g.ID)
}

// ValidateDeletionProof recomputes the proof from the record and compares
// in constant time. Fails closed on a nil record or empty candidate.
func ValidateDeletionProof(candidate string, g *domain.Gist) bool {
	if g == nil || candidate == "" {
		return false
	}
	expected := DeletionProofFor(g)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}
