package verifier

import (
	"crypto/sha256"
	"math/big"
)

// MessageWatermarkBytes is the digest prefix length bound into anonymous message proofs.
const MessageWatermarkBytes = 8

// MessageWatermark is the watermark an anonymous message proof must carry: the first 8 bytes of
// SHA-256 over the UTF-8 message, read as a big-endian unsigned integer. In hex this is "0x"
// followed by the first 16 characters of the hex digest.
func MessageWatermark(message string) *big.Int {
	sum := sha256.Sum256([]byte(message))
	return new(big.Int).SetBytes(sum[:MessageWatermarkBytes])
}

// UserWatermark is the watermark a join proof must carry: the platform user id.
func UserWatermark(userID int64) *big.Int {
	return big.NewInt(userID)
}
