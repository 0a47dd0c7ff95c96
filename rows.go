package mssql

import (
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"
)

// column flags
const (
	colFlagNullable = 1
	colFlagIdentity = 0x10
	colFlagComputed = 0x20
	colFlagHidden   = 0x2000
)

type columnStruct struct {
	UserType uint32
	Flags    uint16
	ColName  string
	ti       typeInfo
}

func (c columnStruct) isNullable() bool { return c.Flags&colFlagNullable != 0 }
func (c columnStruct) isIdentity() bool { return c.Flags&colFlagIdentity != 0 }
func (c columnStruct) isComputed() bool { return c.Flags&colFlagComputed != 0 }

// http://msdn.microsoft.com/en-us/library/dd357363.aspx
func parseColMetadata72(r *tdsBuffer) (columns []columnStruct) {
	count := r.uint16()
	if count == 0xffff {
		// no metadata is sent
		return nil
	}
	columns = make([]columnStruct, count)
	for i := range columns {
		column := &columns[i]
		column.UserType = r.uint32()
		column.Flags = r.uint16()
		column.ti = readTypeInfo(r)
		column.ColName = r.BVarChar()
	}
	return columns
}

// bufferLease is the shared, immutable backing store for the rows of
// one result-set segment. Rows slice into it without copying; the store
// is reclaimed when the last holder releases its reference.
type bufferLease struct {
	refs int32
	data []byte
}

func newBufferLease(capacity int) *bufferLease {
	return &bufferLease{refs: 1, data: make([]byte, 0, capacity)}
}

func (l *bufferLease) retain() {
	atomic.AddInt32(&l.refs, 1)
}

func (l *bufferLease) release() {
	if atomic.AddInt32(&l.refs, -1) == 0 {
		l.data = nil
	}
}

// copyFrom appends exactly n bytes from the stream and returns the
// span addressing them.
func (l *bufferLease) copyFrom(r *tdsBuffer, n int) colSpan {
	off := len(l.data)
	l.data = append(l.data, make([]byte, n)...)
	r.ReadFull(l.data[off : off+n])
	return colSpan{off: int32(off), length: int32(n)}
}

// copyAll drains a reader (a PLP stream) into the lease.
func (l *bufferLease) copyAll(r io.Reader) colSpan {
	off := len(l.data)
	var chunk [4096]byte
	for {
		n, err := r.Read(chunk[:])
		l.data = append(l.data, chunk[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			badStreamPanic(err)
		}
	}
	return colSpan{off: int32(off), length: int32(len(l.data) - off)}
}

// colSpan addresses one column value inside a bufferLease.
type colSpan struct {
	off    int32
	length int32
	null   bool
}

// Row is a decoded ROW or NBCROW token. Its values are slices of the
// shared buffer; a Row is readable for as long as its buffer reference
// is held. Rows handed out by a stream are released when the stream
// advances unless the caller Clones them first.
type Row struct {
	lease   *bufferLease
	columns []columnStruct
	spans   []colSpan
}

// http://msdn.microsoft.com/en-us/library/dd357254.aspx
func parseRow(r *tdsBuffer, columns []columnStruct, lease *bufferLease) Row {
	spans := make([]colSpan, len(columns))
	for i := range columns {
		spans[i] = readValue(r, &columns[i].ti, lease)
	}
	lease.retain()
	return Row{lease: lease, columns: columns, spans: spans}
}

// parseNbcRow parses a null-bitmap-compressed row: a leading bitmap of
// ceil(n/8) bytes where bit k marks column k NULL and absent from the
// wire.
// http://msdn.microsoft.com/en-us/library/dd304783.aspx
func parseNbcRow(r *tdsBuffer, columns []columnStruct, lease *bufferLease) Row {
	bitlen := (len(columns) + 7) / 8
	pres := make([]byte, bitlen)
	r.ReadFull(pres)
	spans := make([]colSpan, len(columns))
	for i := range columns {
		if pres[i/8]&(1<<(uint(i)%8)) != 0 {
			spans[i] = colSpan{null: true}
			continue
		}
		spans[i] = readValue(r, &columns[i].ti, lease)
	}
	lease.retain()
	return Row{lease: lease, columns: columns, spans: spans}
}

// Len returns the number of columns.
func (row Row) Len() int { return len(row.spans) }

// ColumnName returns the name of column i.
func (row Row) ColumnName(i int) string { return row.columns[i].ColName }

// IsNull reports whether column i is NULL.
func (row Row) IsNull(i int) bool { return row.spans[i].null }

// Bytes returns the raw wire bytes of column i without copying. The
// slice aliases the shared row buffer and must not be retained past the
// row's lifetime; use Clone or copy the bytes out.
func (row Row) Bytes(i int) []byte {
	s := row.spans[i]
	if s.null {
		return nil
	}
	return row.lease.data[s.off : s.off+s.length : s.off+s.length]
}

// Clone extends the buffer lease so the row stays readable after the
// stream moves on. Release the clone when done.
func (row Row) Clone() Row {
	row.lease.retain()
	return row
}

// Release drops the row's buffer reference.
func (row Row) Release() {
	row.lease.release()
}

// Int decodes an integer column of any width, including the nullable
// intN encodings.
func (row Row) Int(i int) (int64, bool) {
	s := row.spans[i]
	if s.null {
		return 0, false
	}
	buf := row.Bytes(i)
	switch len(buf) {
	case 1:
		return int64(buf[0]), true
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf))), true
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf))), true
	case 8:
		return int64(binary.LittleEndian.Uint64(buf)), true
	}
	return 0, false
}

// Float decodes a float column (flt4 or flt8).
func (row Row) Float(i int) (float64, bool) {
	s := row.spans[i]
	if s.null {
		return 0, false
	}
	buf := row.Bytes(i)
	switch len(buf) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))), true
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), true
	}
	return 0, false
}

// String decodes a character column: UTF-16LE for the national types,
// raw bytes otherwise.
func (row Row) String(i int) (string, bool) {
	s := row.spans[i]
	if s.null {
		return "", false
	}
	buf := row.Bytes(i)
	switch row.columns[i].ti.TypeId {
	case typeNVarChar, typeNChar, typeNText, typeXml:
		res, err := ucs22str(buf)
		if err != nil {
			return "", false
		}
		return res, true
	}
	return string(buf), true
}
