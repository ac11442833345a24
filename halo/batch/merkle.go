package batch

import (
	"crypto/sha256"
	"encoding/hex"

	"halo-indexer/halo/types"
)

// MerkleRoot hashes "code|contentHash" leaves pairwise up to a single
// root. An odd node is paired with itself. No leaves yield the hash of the
// empty string.
func MerkleRoot(leaves []types.BatchLeaf) string {
	if len(leaves) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		sum := sha256.Sum256([]byte(l.Code + "|" + l.ContentHash))
		level[i] = sum[:]
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			buf := make([]byte, 0, 64)
			buf = append(buf, level[i]...)
			buf = append(buf, right...)
			sum := sha256.Sum256(buf)
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}
