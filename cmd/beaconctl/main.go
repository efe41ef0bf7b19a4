// command beaconctl is a host-side harness for talking to a beacon node
// over its debug UART: request a GATT database snapshot, or write a
// characteristic's value directly. The wire protocol is a line command
// followed, for "dump", by a 4-byte little-endian length and that many
// CBOR bytes (gatt/dbdump.DatabaseSnapshot), and for "write" a single
// status byte.
package main

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tarm/serial"
	"seedhammer.com/beacon/gatt/dbdump"
)

var (
	device = flag.String("device", "", "serial device (e.g. /dev/ttyUSB0)")
	cmd    = flag.String("cmd", "dump", "command to send: dump or write")
	handle = flag.Uint("handle", 0, "attribute handle, for -cmd write")
	value  = flag.String("value", "", "hex-encoded value, for -cmd write")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *device == "" {
		return errors.New("specify -device")
	}
	port, err := serial.OpenPort(&serial.Config{Name: *device, Baud: 115200})
	if err != nil {
		return fmt.Errorf("beaconctl: open %s: %w", *device, err)
	}
	defer port.Close()

	switch *cmd {
	case "dump":
		return runDump(port)
	case "write":
		return runWrite(port)
	default:
		return fmt.Errorf("beaconctl: unknown -cmd %q", *cmd)
	}
}

func runDump(port io.ReadWriter) error {
	if _, err := io.WriteString(port, "DUMP\n"); err != nil {
		return fmt.Errorf("beaconctl: send dump command: %w", err)
	}
	r := bufio.NewReader(port)
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("beaconctl: read snapshot length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("beaconctl: read snapshot payload: %w", err)
	}
	snap, err := dbdump.Decode(payload)
	if err != nil {
		return fmt.Errorf("beaconctl: decode snapshot: %w", err)
	}
	fmt.Printf("database: %d bytes\n", len(snap.DB))
	fmt.Printf("connection %d: read.ready=%v read.handle=%d write.handle=%d write.overflow=%v\n",
		snap.Conn.Conn, snap.Conn.Read.ReadyToSend, snap.Conn.Read.Handle,
		snap.Conn.Write.Handle, snap.Conn.Write.Overflow)
	return nil
}

func runWrite(port io.ReadWriter) error {
	data, err := hex.DecodeString(*value)
	if err != nil {
		return fmt.Errorf("beaconctl: decode -value: %w", err)
	}
	if _, err := fmt.Fprintf(port, "WRITE %d %s\n", *handle, hex.EncodeToString(data)); err != nil {
		return fmt.Errorf("beaconctl: send write command: %w", err)
	}
	r := bufio.NewReader(port)
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("beaconctl: read write status: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("beaconctl: write rejected, status %#x", status)
	}
	fmt.Println("write ok")
	return nil
}
