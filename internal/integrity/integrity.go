// Package integrity provides tamper-evident hashing for deletion audit
// trails. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// Hash version prefix. Length-prefixed encoding; the prefix leaves room to
// rotate the scheme without invalidating stored audits.
const hashV1Prefix = "v1:"

// ComputeAuditHash produces a versioned hex digest binding a deletion
// request to the exact set of records it affected. Each affected record is
// hashed into a leaf (length-prefixed fields, no delimiter collisions);
// leaves are sorted and folded into a Merkle root so the hash is independent
// of record resolution order.
func ComputeAuditHash(userID uuid.UUID, deletionType model.DeletionType, requestedAt time.Time, records []model.AffectedRecord) string {
	leaves := make([]string, 0, len(records)+1)
	leaves = append(leaves, headerLeaf(userID, deletionType, requestedAt))
	for _, rec := range records {
		leaves = append(leaves, recordLeaf(rec))
	}
	sort.Strings(leaves)
	return hashV1Prefix + merkleRoot(leaves)
}

// VerifyAuditHash checks a stored audit hash against recomputed inputs.
func VerifyAuditHash(stored string, userID uuid.UUID, deletionType model.DeletionType, requestedAt time.Time, records []model.AffectedRecord) bool {
	return stored == ComputeAuditHash(userID, deletionType, requestedAt, records)
}

func headerLeaf(userID uuid.UUID, deletionType model.DeletionType, requestedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte{0x00}) // leaf domain separator
	writeField(h, userID.String())
	writeField(h, string(deletionType))
	writeField(h, requestedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func recordLeaf(rec model.AffectedRecord) string {
	h := sha256.New()
	h.Write([]byte{0x00})
	writeField(h, rec.MemoryID.String())
	writeField(h, rec.VectorPrimaryID.String())
	if rec.GraphNodeID != nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(*rec.GraphNodeID))
		writeField(h, string(buf[:]))
	} else {
		writeField(h, "")
	}
	// Entity ids are sorted so extraction order does not change the leaf.
	ids := make([]string, len(rec.EntityIDs))
	for i, id := range rec.EntityIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)
	for _, id := range ids {
		writeField(h, id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField encodes one field as a 4-byte big-endian length prefix followed
// by the field bytes, avoiding delimiter collisions in freeform values.
func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// merkleRoot folds sorted leaf hashes into a root. Odd-length levels hash
// the last node with itself. Internal nodes carry a 0x01 domain separator
// (per RFC 6962) so they can never collide with leaves.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}
