package mssql

import (
	"encoding/binary"
	"errors"
	"io"
)

type packetType uint8

const (
	packSQLBatch    packetType = 1
	packRPCRequest  packetType = 3
	packReply       packetType = 4
	packAttention   packetType = 6
	packBulkLoadBCP packetType = 7
	packTransMgrReq packetType = 14
	packNormal      packetType = 15
	packLogin7      packetType = 16
	packSSPIMessage packetType = 17
	packPrelogin    packetType = 18
)

// packet status flags
const (
	statusEOM          = 0x01 // END-OF-MESSAGE, last packet of the request/response
	statusIgnore       = 0x02
	statusResetSession = 0x08
)

const headerSize = 8

// header is the fixed 8 byte TDS packet header. Length is big endian
// and covers the header itself.
type header struct {
	PacketType packetType
	Status     uint8
	Size       uint16
	Spid       uint16
	PacketNo   uint8
	Pad        uint8
}

// tdsBuffer reads and writes TDS packets of data to the transport.
// Reads and writes are not thread safe: a connection owns its buffer
// exclusively while a message is in flight.
type tdsBuffer struct {
	transport io.ReadWriteCloser

	packetSize int

	// Write fields.
	wbuf        []byte
	wpos        int
	wPacketSeq  byte
	wPacketType packetType

	// Read fields.
	rbuf        []byte
	rpos        int
	rsize       int
	final       bool
	rPacketType packetType

	// afterFirst is called after the first packet of a message is
	// written. The login sequence uses it to switch the transport to
	// TLS between the prelogin exchange and the login packet.
	afterFirst func()

	bytesRead uint64
}

func newTdsBuffer(bufsize uint16, transport io.ReadWriteCloser) *tdsBuffer {
	return &tdsBuffer{
		packetSize: int(bufsize),
		wbuf:       make([]byte, bufsize),
		rbuf:       make([]byte, bufsize),
		rpos:       headerSize,
		transport:  transport,
	}
}

// ResizeBuffer takes effect on the next packet in either direction; the
// server sends the packet-size ENVCHANGE before any payload that would
// need the new size.
func (rw *tdsBuffer) ResizeBuffer(packetSize int) {
	rw.packetSize = packetSize
}

func (w *tdsBuffer) PackageSize() int {
	return w.packetSize
}

func (w *tdsBuffer) flush() (err error) {
	// Write packet size.
	binary.BigEndian.PutUint16(w.wbuf[2:], uint16(w.wpos))
	w.wbuf[6] = w.wPacketSeq

	if _, err = w.transport.Write(w.wbuf[:w.wpos]); err != nil {
		return TransportError{Err: err}
	}

	// Begin next packet.
	w.wbuf[0] = byte(w.wPacketType)
	// The packet number is a single byte, so a long message wraps it
	// around naturally.
	w.wPacketSeq++
	w.wpos = headerSize
	return nil
}

func (w *tdsBuffer) Write(p []byte) (total int, err error) {
	for {
		copied := copy(w.wbuf[w.wpos:], p)
		w.wpos += copied
		total += copied
		if copied == len(p) {
			return
		}
		if err = w.flush(); err != nil {
			return
		}
		p = p[copied:]
	}
}

func (w *tdsBuffer) WriteByte(b byte) error {
	if int(w.wpos) == len(w.wbuf) || w.wpos == w.packetSize {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.wbuf[w.wpos] = b
	w.wpos += 1
	return nil
}

func (w *tdsBuffer) BeginPacket(packetType packetType, resetSession bool) {
	status := byte(0)
	if resetSession {
		switch packetType {
		// Reset session can only be set on the packet types that
		// carry a request.
		case packSQLBatch, packRPCRequest, packTransMgrReq:
			status = statusResetSession
		}
	}
	w.wbuf[0] = byte(packetType)
	w.wbuf[1] = status
	w.wbuf[4] = 0 // spid
	w.wbuf[5] = 0
	w.wbuf[7] = 0 // window
	w.wpos = headerSize
	w.wPacketSeq = 1
	w.wPacketType = packetType
}

func (w *tdsBuffer) FinishPacket() error {
	w.wbuf[1] |= statusEOM
	err := w.flush()
	if err != nil {
		return err
	}
	if w.afterFirst != nil {
		w.afterFirst()
		w.afterFirst = nil
	}
	return nil
}

var errInvalidPacketLength = ProtocolError{Message: "invalid packet length"}

func (r *tdsBuffer) readNextPacket() error {
	buf := r.rbuf[:headerSize]
	if _, err := io.ReadFull(r.transport, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrConnClosed
		}
		return TransportError{Err: err}
	}
	h := header{
		PacketType: packetType(buf[0]),
		Status:     buf[1],
		Size:       binary.BigEndian.Uint16(buf[2:4]),
		Spid:       binary.BigEndian.Uint16(buf[4:6]),
		PacketNo:   buf[6],
		Pad:        buf[7],
	}
	if int(h.Size) > r.packetSize {
		return errInvalidPacketLength
	}
	if h.Size < headerSize {
		return errInvalidPacketLength
	}
	// Grow the read buffer if the negotiated packet size was raised
	// after this buffer was allocated.
	if int(h.Size) > len(r.rbuf) {
		newSize := len(r.rbuf)
		for newSize < int(h.Size) {
			newSize *= 2
		}
		newBuf := make([]byte, newSize)
		copy(newBuf, r.rbuf)
		r.rbuf = newBuf
	}
	payload := r.rbuf[headerSize:h.Size]
	if _, err := io.ReadFull(r.transport, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return protocolErrorf("truncated packet: %d byte payload advertised, transport closed early", int(h.Size)-headerSize)
		}
		return TransportError{Err: err}
	}
	r.bytesRead += uint64(h.Size)
	r.rpos = headerSize
	r.rsize = int(h.Size)
	r.final = h.Status&statusEOM != 0
	r.rPacketType = h.PacketType
	return nil
}

// BeginRead reads the first packet of a response message and returns
// its packet type. Subsequent Read calls drain the remaining packets of
// the same message transparently.
func (r *tdsBuffer) BeginRead() (packetType, error) {
	err := r.readNextPacket()
	if err != nil {
		return 0, err
	}
	return r.rPacketType, nil
}

func (r *tdsBuffer) ReadByte() (res byte, err error) {
	if r.rpos == r.rsize {
		if r.final {
			return 0, io.EOF
		}
		err = r.readNextPacket()
		if err != nil {
			return 0, err
		}
	}
	res = r.rbuf[r.rpos]
	r.rpos++
	return res, nil
}

func (r *tdsBuffer) byte() byte {
	b, err := r.ReadByte()
	if err != nil {
		badStreamPanic(err)
	}
	return b
}

func (r *tdsBuffer) ReadFull(buf []byte) {
	_, err := io.ReadFull(r, buf[:])
	if err != nil {
		badStreamPanic(err)
	}
}

func (r *tdsBuffer) uint64() uint64 {
	var buf [8]byte
	r.ReadFull(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (r *tdsBuffer) int32() int32 {
	return int32(r.uint32())
}

func (r *tdsBuffer) uint32() uint32 {
	var buf [4]byte
	r.ReadFull(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (r *tdsBuffer) uint16() uint16 {
	var buf [2]byte
	r.ReadFull(buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *tdsBuffer) BVarChar() string {
	return readBVarCharOrPanic(r)
}

func readBVarCharOrPanic(r io.Reader) string {
	s, err := readBVarChar(r)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readUsVarCharOrPanic(r io.Reader) string {
	s, err := readUsVarChar(r)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func (r *tdsBuffer) UsVarChar() string {
	return readUsVarCharOrPanic(r)
}

func (r *tdsBuffer) Read(buf []byte) (copied int, err error) {
	if r.rpos == r.rsize {
		if r.final {
			return 0, io.EOF
		}
		if err = r.readNextPacket(); err != nil {
			return
		}
	}
	copied = copy(buf, r.rbuf[r.rpos:r.rsize])
	r.rpos += copied
	return
}
