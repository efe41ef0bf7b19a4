package gatt

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"seedhammer.com/beacon/internal/trace"
	"seedhammer.com/beacon/scheduler"
)

// maxWriteBytes bounds the prepared-write reassembly buffer; spec.md
// §4.E's scenario #4 exercises exactly this boundary.
const maxWriteBytes = 256

// TransactionMode is the prepared-write state machine spec.md §4.E
// describes: NONE (direct write), ACTIVE (accumulating fragments),
// VALIDATE (check the assembled buffer), EXECUTE (commit), CANCEL
// (discard).
type TransactionMode int

const (
	TxNone TransactionMode = iota
	TxActive
	TxValidate
	TxExecute
	TxCancel
)

// ReadState tracks the two-phase read dispatch for one connection: a
// characteristic's OnRead is invoked once off the scheduler, and the
// resulting bytes are then delivered to the peer in chunks as the link
// layer asks for them.
type ReadState struct {
	ReadyToSend bool
	Handle      uint16
	Bytes       []byte
}

// WriteState is the bounded prepared-write reassembly buffer for one
// connection.
type WriteState struct {
	Handle   uint16
	Bytes    []byte
	Overflow bool
}

// ConnectionState is the per-connection state the server tracks: the
// in-flight read, the in-flight prepared write, and the notify FIFO.
type ConnectionState struct {
	Conn  uint16
	Read  ReadState
	Write WriteState

	notifyPending   []uint16 // queued handles awaiting can-send-now, FIFO
	notifyInFlight  bool
}

// Server is the runtime GATT attribute server: it owns the compiled
// database, per-connection read/write/notify state, and the link-layer
// collaborator functions consumed per spec.md §6.
type Server struct {
	sched *scheduler.Scheduler
	db    atomic.Pointer[CompiledDB]

	// Notify sends a notification for handle on conn with the given
	// value bytes. RequestCanSendNow asks the link layer to call
	// CanSendNow(conn) once it is safe to send. ResponseReady signals
	// that a previously PENDING read now has bytes available.
	Notify            func(conn uint16, handle uint16, value []byte) error
	RequestCanSendNow func(conn uint16) error
	ResponseReady     func(conn uint16) error

	mu    sync.Mutex
	conns map[uint16]*ConnectionState

	// cccValues tracks the live subscription state per CCC handle,
	// independent of any particular connection's ConnectionState struct
	// lifetime, since a characteristic looks up its own subscription by
	// handle when TriggerNotify is called.
	cccValues map[uint16]uint16
}

// NewServer builds a Server that schedules read/write/subscribe callbacks
// onto sched and calls the given link-layer collaborators.
func NewServer(sched *scheduler.Scheduler, notify func(conn uint16, handle uint16, value []byte) error, requestCanSendNow func(conn uint16) error, responseReady func(conn uint16) error) *Server {
	return &Server{
		sched:             sched,
		Notify:            notify,
		RequestCanSendNow: requestCanSendNow,
		ResponseReady:     responseReady,
		conns:             make(map[uint16]*ConnectionState),
		cccValues:         make(map[uint16]uint16),
	}
}

// Init compiles the database for name/services and atomically swaps it
// in. Handle stability across re-init is not guaranteed: a
// characteristic added, removed, or reordered shifts every handle after
// it, so callers must treat any cached handle as stale once Init is
// called again.
func (s *Server) Init(name string, services []*Service) error {
	db, err := Compile(name, services)
	if err != nil {
		return fmt.Errorf("gatt: init: %w", err)
	}
	for _, ch := range db.ValueHandles {
		ch.server = s
	}
	s.db.Store(db)
	return nil
}

// DB returns the currently active compiled database.
func (s *Server) DB() *CompiledDB {
	return s.db.Load()
}

func (s *Server) connState(conn uint16) *ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[conn]
	if !ok {
		c = &ConnectionState{Conn: conn}
		s.conns[conn] = c
	}
	return c
}

// Connect registers a new connection's state; Disconnect discards it.
func (s *Server) Connect(conn uint16) {
	s.connState(conn)
}

func (s *Server) Disconnect(conn uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// PrepareRead begins a read of handle on conn. CCC reads resolve
// synchronously; characteristic value reads enqueue the registered
// OnRead onto the scheduler and return ErrReadPending, with
// ResponseReady called once the bytes are available.
var ErrReadPending = fmt.Errorf("gatt: read pending")

func (s *Server) PrepareRead(conn uint16, handle uint16) ([]byte, error) {
	db := s.DB()
	if db == nil {
		return nil, fmt.Errorf("gatt: read: no database initialized")
	}
	if ch, ok := db.CCCHandles[handle]; ok {
		s.mu.Lock()
		v := s.cccValues[ch.cccHandle]
		s.mu.Unlock()
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, v)
		return out, nil
	}
	ch, ok := db.ValueHandles[handle]
	if !ok {
		return nil, fmt.Errorf("gatt: read: unknown handle %d", handle)
	}
	cs := s.connState(conn)
	s.sched.QueueWork("gatt.read", func() {
		var bytes []byte
		if ch.OnRead != nil {
			bytes = ch.OnRead()
		}
		s.mu.Lock()
		cs.Read = ReadState{ReadyToSend: true, Handle: handle, Bytes: bytes}
		s.mu.Unlock()
		if s.ResponseReady != nil {
			if err := s.ResponseReady(conn); err != nil {
				trace.Debugf("gatt: response ready: %v", err)
			}
		}
	})
	return nil, ErrReadPending
}

// DeliverReadChunk returns up to maxLen bytes of the pending read at
// offset, and whether this is the final chunk.
func (s *Server) DeliverReadChunk(conn uint16, handle uint16, offset int, maxLen int) ([]byte, bool, error) {
	cs := s.connState(conn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cs.Read.ReadyToSend || cs.Read.Handle != handle {
		return nil, false, fmt.Errorf("gatt: read: no pending read for handle %d", handle)
	}
	if offset > len(cs.Read.Bytes) {
		return nil, false, fmt.Errorf("gatt: read: offset %d past end (%d bytes)", offset, len(cs.Read.Bytes))
	}
	end := offset + maxLen
	if end > len(cs.Read.Bytes) {
		end = len(cs.Read.Bytes)
	}
	chunk := cs.Read.Bytes[offset:end]
	final := end >= len(cs.Read.Bytes)
	if final {
		cs.Read = ReadState{}
	}
	return chunk, final, nil
}

// Write handles one ATT write PDU against handle under mode. CCC writes
// are intercepted unconditionally, ahead of the transaction-mode table,
// since they are always single direct writes in practice.
func (s *Server) Write(conn uint16, handle uint16, mode TransactionMode, data []byte) error {
	db := s.DB()
	if db == nil {
		return fmt.Errorf("gatt: write: no database initialized")
	}
	if ch, ok := db.CCCHandles[handle]; ok {
		if len(data) < 2 {
			return fmt.Errorf("gatt: write: ccc value too short (%d bytes)", len(data))
		}
		v := binary.LittleEndian.Uint16(data)
		s.mu.Lock()
		s.cccValues[ch.cccHandle] = v
		s.mu.Unlock()
		enabled := v&0x1 != 0
		s.sched.QueueLowPriorityWork("gatt.subscribe", func() {
			if ch.OnSubscribe != nil {
				ch.OnSubscribe(enabled)
			}
		})
		return nil
	}

	ch, ok := db.ValueHandles[handle]
	if !ok {
		return fmt.Errorf("gatt: write: unknown handle %d", handle)
	}

	cs := s.connState(conn)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case TxNone:
		if len(data) > maxWriteBytes {
			return fmt.Errorf("gatt: write: %d bytes exceeds %d-byte limit", len(data), maxWriteBytes)
		}
		bytes := append([]byte(nil), data...)
		s.sched.QueueWork("gatt.write", func() {
			if ch.OnWrite != nil {
				ch.OnWrite(bytes)
			}
		})
		return nil

	case TxActive:
		if cs.Write.Handle != handle && len(cs.Write.Bytes) != 0 {
			// a new fragment sequence against a different handle discards
			// whatever fragment was in flight.
			cs.Write = WriteState{}
		}
		cs.Write.Handle = handle
		if len(cs.Write.Bytes)+len(data) > maxWriteBytes {
			cs.Write.Overflow = true
			return nil
		}
		cs.Write.Bytes = append(cs.Write.Bytes, data...)
		return nil

	case TxValidate:
		if cs.Write.Overflow {
			return fmt.Errorf("gatt: write: prepared write overflowed %d-byte limit", maxWriteBytes)
		}
		return nil

	case TxExecute:
		if cs.Write.Overflow {
			cs.Write = WriteState{}
			return fmt.Errorf("gatt: write: execute with overflowed buffer")
		}
		bytes := cs.Write.Bytes
		target := ch
		s.sched.QueueWork("gatt.write", func() {
			if target.OnWrite != nil {
				target.OnWrite(bytes)
			}
		})
		cs.Write = WriteState{}
		return nil

	case TxCancel:
		cs.Write = WriteState{}
		return nil

	default:
		return fmt.Errorf("gatt: write: unknown transaction mode %d", mode)
	}
}

// triggerNotify is gated by the peer's current CCC subscription; if
// unsubscribed it is a silent no-op. Otherwise the handle is queued on
// the connection's single-flight notify FIFO and a can-send-now request
// is issued if none is already outstanding.
func (s *Server) triggerNotify(ch *Characteristic) error {
	if ch.cccHandle == 0 {
		return fmt.Errorf("gatt: characteristic %v has no CCC, cannot notify", ch.UUID)
	}
	s.mu.Lock()
	subscribed := s.cccValues[ch.cccHandle]&0x1 != 0
	s.mu.Unlock()
	if !subscribed {
		return nil
	}

	// A single connected peer is assumed; conn 0 stands in for "the
	// current connection" the way the rest of this package's ATT API
	// does.
	const conn = 0
	cs := s.connState(conn)

	s.mu.Lock()
	cs.notifyPending = append(cs.notifyPending, ch.valueHandle)
	inFlight := cs.notifyInFlight
	s.mu.Unlock()

	if inFlight {
		return nil
	}
	return s.requestNextNotify(conn)
}

func (s *Server) requestNextNotify(conn uint16) error {
	cs := s.connState(conn)
	s.mu.Lock()
	if len(cs.notifyPending) == 0 {
		cs.notifyInFlight = false
		s.mu.Unlock()
		return nil
	}
	cs.notifyInFlight = true
	s.mu.Unlock()
	if s.RequestCanSendNow == nil {
		return fmt.Errorf("gatt: notify: no RequestCanSendNow collaborator configured")
	}
	return s.RequestCanSendNow(conn)
}

// CanSendNow is called by the link layer once it is ready to accept a
// notification PDU for conn. It pops the next queued handle, reads its
// current value, and sends it, then re-requests can-send-now if more
// are queued.
func (s *Server) CanSendNow(conn uint16) error {
	db := s.DB()
	cs := s.connState(conn)

	s.mu.Lock()
	if len(cs.notifyPending) == 0 {
		cs.notifyInFlight = false
		s.mu.Unlock()
		return nil
	}
	handle := cs.notifyPending[0]
	cs.notifyPending = cs.notifyPending[1:]
	s.mu.Unlock()

	var value []byte
	if db != nil {
		if ch, ok := db.ValueHandles[handle]; ok && ch.OnRead != nil {
			value = ch.OnRead()
		}
	}
	if s.Notify != nil {
		if err := s.Notify(conn, handle, value); err != nil {
			return fmt.Errorf("gatt: notify: %w", err)
		}
	}
	return s.requestNextNotify(conn)
}
