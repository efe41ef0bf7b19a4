// Package dbdump CBOR-encodes a debug snapshot of the compiled attribute
// database and connection state, for cmd/beaconctl to pull over the
// host-side UART harness. Debug-only; not part of the ATT wire protocol.
package dbdump

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ReadSnapshot mirrors gatt.ReadState's externally visible fields,
// copied rather than imported so dbdump has no dependency on gatt's
// internal callback types.
type ReadSnapshot struct {
	ReadyToSend bool   `cbor:"ready_to_send"`
	Handle      uint16 `cbor:"handle"`
	Bytes       []byte `cbor:"bytes"`
}

// WriteSnapshot mirrors gatt.WriteState.
type WriteSnapshot struct {
	Handle   uint16 `cbor:"handle"`
	Bytes    []byte `cbor:"bytes"`
	Overflow bool   `cbor:"overflow"`
}

// ConnectionSnapshot mirrors gatt.ConnectionState's public shape.
type ConnectionSnapshot struct {
	Conn  uint16        `cbor:"conn"`
	Read  ReadSnapshot  `cbor:"read"`
	Write WriteSnapshot `cbor:"write"`
}

// DatabaseSnapshot is the top-level dump: the compiled database bytes
// plus one connection's state.
type DatabaseSnapshot struct {
	DB   []byte             `cbor:"db"`
	Conn ConnectionSnapshot `cbor:"conn"`
}

// Encode CBOR-encodes a snapshot for transmission.
func Encode(s DatabaseSnapshot) ([]byte, error) {
	b, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("dbdump: encode: %w", err)
	}
	return b, nil
}

// Decode parses a CBOR-encoded snapshot.
func Decode(b []byte) (DatabaseSnapshot, error) {
	var s DatabaseSnapshot
	if err := cbor.Unmarshal(b, &s); err != nil {
		return DatabaseSnapshot{}, fmt.Errorf("dbdump: decode: %w", err)
	}
	return s, nil
}
