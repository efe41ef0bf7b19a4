// Package gatt implements the BLE GATT attribute server: compiling a
// runtime attribute database from declared services/characteristics into
// the exact wire byte format the link-layer ATT stack expects, and the
// read/write/notify state machines that run on top of it. See spec.md
// §4.E and §3.
package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"seedhammer.com/beacon/gatt/dbhash"
)

// Properties is the pipe-separated property-string vocabulary spec.md
// §4.E names, parsed against a fixed token set.
type Properties uint16

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
	PropDynamic
	PropAuthenticated
	PropAuthorized
	PropEncrypted
	PropReliableWrite
)

var propertyTokens = map[string]Properties{
	"READ":                   PropRead,
	"WRITE":                  PropWrite,
	"WRITE_WITHOUT_RESPONSE": PropWriteWithoutResponse,
	"NOTIFY":                 PropNotify,
	"INDICATE":               PropIndicate,
	"DYNAMIC":                PropDynamic,
	"AUTHENTICATED":          PropAuthenticated,
	"AUTHORIZED":             PropAuthorized,
	"ENCRYPTED":              PropEncrypted,
	"RELIABLE_WRITE":         PropReliableWrite,
}

// ParseProperties parses a pipe-separated property string such as
// "READ|NOTIFY|DYNAMIC" against the fixed vocabulary.
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, tok := range strings.Split(s, "|") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		flag, ok := propertyTokens[tok]
		if !ok {
			return 0, fmt.Errorf("gatt: unknown property token %q", tok)
		}
		p |= flag
	}
	return p, nil
}

// Characteristic is the declarative model spec.md §3 names: a UUID, a
// property set, and up to three callbacks plus the trigger-notify
// function the server installs at compile time.
type Characteristic struct {
	UUID         ble.UUID
	Properties   Properties
	InitialValue []byte

	OnRead      func() []byte
	OnWrite     func([]byte)
	OnSubscribe func(enabled bool)

	server      *Server
	valueHandle uint16
	cccHandle   uint16 // 0 if this characteristic has no CCC row
}

// ValueHandle returns the handle Compile assigned to this
// characteristic's value row. Zero until the owning Compile/Init call
// has run.
func (c *Characteristic) ValueHandle() uint16 { return c.valueHandle }

// CCCHandle returns the handle Compile assigned to this
// characteristic's Client Characteristic Configuration row, or zero if
// it has none (neither NOTIFY nor INDICATE was set).
func (c *Characteristic) CCCHandle() uint16 { return c.cccHandle }

// TriggerNotify asks the server to notify the current connection of this
// characteristic's current value, gated by the peer's subscription
// state (spec.md §4.E "Notification path").
func (c *Characteristic) TriggerNotify() error {
	if c.server == nil {
		return fmt.Errorf("gatt: characteristic %v not attached to a server", c.UUID)
	}
	return c.server.triggerNotify(c)
}

// Service is an ordered group of characteristics under one UUID.
type Service struct {
	UUID            ble.UUID
	Characteristics []*Characteristic
}

// CompiledDB is the result of Compile: the wire-format bytes plus the
// two runtime handle maps spec.md §4.E requires.
type CompiledDB struct {
	Bytes        []byte
	ValueHandles map[uint16]*Characteristic
	CCCHandles   map[uint16]*Characteristic
	DatabaseHash [16]byte
}

// ATT row flag bits: an internal storage-format flag word (distinct
// from the BLE characteristic-properties byte used in declaration
// rows), carrying read/write/notify/indicate permission and a 128-bit
// UUID marker plus authenticated/authorized/encrypted permission bits.
const (
	attFlagRead                  = 1 << 0
	attFlagWrite                 = 1 << 1
	attFlagDynamic               = 1 << 2
	attFlagWriteWithoutResponse  = 1 << 3
	attFlagNotify                = 1 << 4
	attFlagIndicate              = 1 << 5
	attFlagReliableWrite         = 1 << 6
	attFlagAuthenticatedRead     = 1 << 7
	attFlagAuthenticatedWrite    = 1 << 8
	attFlagAuthorizedRead        = 1 << 9
	attFlagAuthorizedWrite       = 1 << 10
	attFlagEncryptionKeySizeMask = 0xf << 11
	attFlagUUID128               = 1 << 15
)

const (
	uuidPrimaryService    = 0x2800
	uuidCharacteristic    = 0x2803
	uuidCCC               = 0x2902
	uuidReliableWriteDesc = 0x2900
	uuidGenericAccess     = 0x1800
	uuidGenericAttribute  = 0x1801
	uuidDeviceName        = 0x2a00
	uuidDatabaseHash      = 0x2b2a
)

func declarationPropertiesByte(p Properties) byte {
	var b byte
	if p&PropRead != 0 {
		b |= 0x02
	}
	if p&PropWriteWithoutResponse != 0 {
		b |= 0x04
	}
	if p&PropWrite != 0 {
		b |= 0x08
	}
	if p&PropNotify != 0 {
		b |= 0x10
	}
	if p&PropIndicate != 0 {
		b |= 0x20
	}
	return b
}

func valueFlags(p Properties) uint16 {
	var f uint16
	if p&PropRead != 0 {
		f |= attFlagRead
	}
	if p&PropWrite != 0 {
		f |= attFlagWrite
	}
	if p&PropWriteWithoutResponse != 0 {
		f |= attFlagWriteWithoutResponse
	}
	if p&PropNotify != 0 {
		f |= attFlagNotify
	}
	if p&PropIndicate != 0 {
		f |= attFlagIndicate
	}
	if p&PropDynamic != 0 {
		f |= attFlagDynamic
	}
	if p&PropReliableWrite != 0 {
		f |= attFlagReliableWrite
	}
	if p&PropAuthenticated != 0 {
		f |= attFlagAuthenticatedRead | attFlagAuthenticatedWrite
	}
	if p&PropAuthorized != 0 {
		f |= attFlagAuthorizedRead | attFlagAuthorizedWrite
	}
	if p&PropEncrypted != 0 {
		f |= attFlagEncryptionKeySizeMask
	}
	return f
}

// compiler accumulates rows and handle maps while walking the service
// list, then finishes with the zero-row terminator.
type compiler struct {
	buf          bytes.Buffer
	next         uint16
	valueHandles map[uint16]*Characteristic
	cccHandles   map[uint16]*Characteristic
}

func newCompiler() *compiler {
	return &compiler{
		next:         1,
		valueHandles: make(map[uint16]*Characteristic),
		cccHandles:   make(map[uint16]*Characteristic),
	}
}

func (c *compiler) writeRow(flags uint16, handle uint16, uuid ble.UUID, value []byte) error {
	if len(uuid) == 16 {
		flags |= attFlagUUID128
	} else if len(uuid) != 2 {
		return fmt.Errorf("gatt: unsupported uuid length %d", len(uuid))
	}
	totalSize := 2 + 2 + 2 + len(uuid) + len(value)
	if totalSize > 0xffff {
		return fmt.Errorf("gatt: row for handle %d too large (%d bytes)", handle, totalSize)
	}
	if err := binary.Write(&c.buf, binary.LittleEndian, uint16(totalSize)); err != nil {
		return err
	}
	if err := binary.Write(&c.buf, binary.LittleEndian, flags); err != nil {
		return err
	}
	if err := binary.Write(&c.buf, binary.LittleEndian, handle); err != nil {
		return err
	}
	c.buf.Write(uuid)
	c.buf.Write(value)
	return nil
}

func (c *compiler) allocHandle() uint16 {
	h := c.next
	c.next++
	return h
}

func (c *compiler) writeService(s *Service) error {
	svcHandle := c.allocHandle()
	if err := c.writeRow(attFlagRead, svcHandle, ble.UUID16(uuidPrimaryService), []byte(s.UUID)); err != nil {
		return err
	}
	for _, ch := range s.Characteristics {
		if err := c.writeCharacteristic(ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) writeCharacteristic(ch *Characteristic) error {
	declHandle := c.allocHandle()
	valueHandle := c.allocHandle()

	declValue := make([]byte, 0, 1+2+len(ch.UUID))
	declValue = append(declValue, declarationPropertiesByte(ch.Properties))
	declValue = binary.LittleEndian.AppendUint16(declValue, valueHandle)
	declValue = append(declValue, ch.UUID...)
	if err := c.writeRow(attFlagRead, declHandle, ble.UUID16(uuidCharacteristic), declValue); err != nil {
		return err
	}

	if err := c.writeRow(valueFlags(ch.Properties), valueHandle, ch.UUID, ch.InitialValue); err != nil {
		return err
	}
	ch.valueHandle = valueHandle
	c.valueHandles[valueHandle] = ch

	if ch.Properties&(PropNotify|PropIndicate) != 0 {
		cccHandle := c.allocHandle()
		if err := c.writeRow(attFlagDynamic|attFlagRead|attFlagWrite, cccHandle, ble.UUID16(uuidCCC), []byte{0, 0}); err != nil {
			return err
		}
		ch.cccHandle = cccHandle
		c.cccHandles[cccHandle] = ch
	}
	if ch.Properties&PropReliableWrite != 0 {
		rwHandle := c.allocHandle()
		if err := c.writeRow(attFlagRead, rwHandle, ble.UUID16(uuidReliableWriteDesc), []byte{1, 0}); err != nil {
			return err
		}
	}
	return nil
}

// Compile builds the attribute database for name and services. Generic
// Access (device name) and Generic Attribute (Database Hash) are always
// emitted first, per spec.md §4.E.
func Compile(name string, services []*Service) (*CompiledDB, error) {
	c := newCompiler()
	c.buf.WriteByte(1) // version

	genericAccess := &Service{
		UUID: ble.UUID16(uuidGenericAccess),
		Characteristics: []*Characteristic{
			{UUID: ble.UUID16(uuidDeviceName), Properties: PropRead, InitialValue: []byte(name)},
		},
	}
	if err := c.writeService(genericAccess); err != nil {
		return nil, fmt.Errorf("gatt: compile generic access: %w", err)
	}

	hash := dbhash.Compute(c.buf.Bytes())
	genericAttribute := &Service{
		UUID: ble.UUID16(uuidGenericAttribute),
		Characteristics: []*Characteristic{
			{UUID: ble.UUID16(uuidDatabaseHash), Properties: PropRead, InitialValue: hash[:]},
		},
	}
	if err := c.writeService(genericAttribute); err != nil {
		return nil, fmt.Errorf("gatt: compile generic attribute: %w", err)
	}

	for _, s := range services {
		if err := c.writeService(s); err != nil {
			return nil, fmt.Errorf("gatt: compile service %v: %w", s.UUID, err)
		}
	}

	c.buf.Write([]byte{0, 0})

	return &CompiledDB{
		Bytes:        c.buf.Bytes(),
		ValueHandles: c.valueHandles,
		CCCHandles:   c.cccHandles,
		DatabaseHash: hash,
	}, nil
}
