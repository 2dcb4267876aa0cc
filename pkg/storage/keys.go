package storage

import (
	"encoding/binary"
	"fmt"
)

// Key schema:
//
//	ord:<orderID>             -> Order
//	evt:<orderID>:<seq>       -> StatusEvent (seq zero-padded to 20 digits)
//	job:<orderID>             -> Job
//	stl:<orderID>             -> Settlement
//	meta:seq                  -> last event seq (uint64 big-endian)
const (
	prefixOrder      = "ord:"
	prefixEvent      = "evt:"
	prefixJob        = "job:"
	prefixSettlement = "stl:"
)

var keyEventSeq = []byte("meta:seq")

func orderKey(id string) []byte { return []byte(prefixOrder + id) }

func eventKey(orderID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEvent, orderID, seq))
}

// eventPrefix returns the prefix for all events of an order.
// Format: "evt:{orderID}:"
func eventPrefix(orderID string) []byte {
	return []byte(prefixEvent + orderID + ":")
}

func jobKey(orderID string) []byte        { return []byte(prefixJob + orderID) }
func settlementKey(orderID string) []byte { return []byte(prefixSettlement + orderID) }

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
