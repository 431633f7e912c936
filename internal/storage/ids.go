package storage

import (
	"crypto/sha256"
	"fmt"
)

// ChunkID produces a deterministic UUID-shaped identifier from the chunk's
// tenant, content hash, and index. Re-ingesting identical content yields
// identical IDs, which keeps upserts idempotent.
func ChunkID(chatbotID, contentHash string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", chatbotID, contentHash, index)))
	b := make([]byte, 16)
	copy(b, sum[:])
	b[6] = (b[6] & 0x0f) | 0x40 // UUID version 4 variant bits
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
