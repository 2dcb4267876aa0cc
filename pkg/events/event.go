package events

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/orderflow/pkg/order"
)

// StatusEvent is one transition of one order. Seq is assigned by the log and is
// only meaningful on the node that appended it.
type StatusEvent struct {
	Seq       uint64         `json:"seq"`
	OrderID   string         `json:"orderId"`
	Status    order.Status   `json:"status"`
	Attempt   int            `json:"attempt"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Checksum  string         `json:"checksum,omitempty"`
	Origin    string         `json:"origin,omitempty"`
}

type checksumBody struct {
	OrderID   string         `json:"orderId"`
	Status    order.Status   `json:"status"`
	Attempt   int            `json:"attempt"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ComputeChecksum hashes the event content with blake2b-256. Seq and Origin are
// node-local and excluded. Data is hashed in its decoded JSON form, so a typed
// payload and the same payload read back from the wire or a log hash alike.
func ComputeChecksum(e StatusEvent) string {
	data, err := canonicalData(e.Data)
	if err != nil {
		return ""
	}
	raw, err := json.Marshal(checksumBody{
		OrderID:   e.OrderID,
		Status:    e.Status,
		Attempt:   e.Attempt,
		Data:      data,
		Timestamp: e.Timestamp.UTC(),
	})
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalData round-trips data through JSON. Structs become maps with sorted
// keys and numbers keep their literal text.
func canonicalData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e StatusEvent) Verify() bool {
	return e.Checksum != "" && e.Checksum == ComputeChecksum(e)
}
