package data

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/OneOfOne/xxhash"
)

// Twox128Hex hashes data with the two-seed xxhash pair and returns the
// 32-char hex digest. Used for ledger dedupe keys and circle fingerprints.
func Twox128Hex(data string) string {
	h1 := xxhash.NewS64(0)
	h1.WriteString(data)
	h2 := xxhash.NewS64(1)
	h2.WriteString(data)
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:], h1.Sum64())
	binary.LittleEndian.PutUint64(out[8:], h2.Sum64())
	return hex.EncodeToString(out)
}
