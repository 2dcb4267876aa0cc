package quote

import (
	"encoding/binary"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// SettlementRef derives an opaque 0x-prefixed 32-byte reference for a settlement.
func SettlementRef(orderID, provider string, nonce uint64, at time.Time) string {
	var n [16]byte
	binary.BigEndian.PutUint64(n[:8], nonce)
	binary.BigEndian.PutUint64(n[8:], uint64(at.UnixNano()))
	return crypto.Keccak256Hash([]byte(orderID), []byte(provider), n[:]).Hex()
}

// ValidRef reports whether ref has the settlement reference format.
func ValidRef(ref string) bool {
	return txHashPattern.MatchString(ref)
}
