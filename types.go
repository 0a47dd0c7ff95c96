package mssql

import (
	"encoding/binary"
	"io"
)

// fixed-length data types
// http://msdn.microsoft.com/en-us/library/dd341171.aspx
const (
	typeNull     = 0x1f
	typeInt1     = 0x30
	typeBit      = 0x32
	typeInt2     = 0x34
	typeInt4     = 0x38
	typeDateTim4 = 0x3a
	typeFlt4     = 0x3b
	typeMoney    = 0x3c
	typeDateTime = 0x3d
	typeFlt8     = 0x3e
	typeMoney4   = 0x7a
	typeInt8     = 0x7f
)

// variable-length data types
// http://msdn.microsoft.com/en-us/library/dd358341.aspx
const (
	// byte len types
	typeGuid            = 0x24
	typeIntN            = 0x26
	typeDecimal         = 0x37 // legacy
	typeNumeric         = 0x3f // legacy
	typeBitN            = 0x68
	typeDecimalN        = 0x6a
	typeNumericN        = 0x6c
	typeFltN            = 0x6d
	typeMoneyN          = 0x6e
	typeDateTimeN       = 0x6f
	typeDateN           = 0x28
	typeTimeN           = 0x29
	typeDateTime2N      = 0x2a
	typeDateTimeOffsetN = 0x2b
	typeChar            = 0x2f // legacy
	typeVarChar         = 0x27 // legacy
	typeBinary          = 0x2d // legacy
	typeVarBinary       = 0x25 // legacy

	// short length types
	typeBigVarBin  = 0xa5
	typeBigVarChar = 0xa7
	typeBigBinary  = 0xad
	typeBigChar    = 0xaf
	typeNVarChar   = 0xe7
	typeNChar      = 0xef
	typeXml        = 0xf1
	typeUdt        = 0xf0

	// long length types
	typeText    = 0x23
	typeImage   = 0x22
	typeNText   = 0x63
	typeVariant = 0x62
)

// value framing categories
type typeKind int

const (
	kindFixed typeKind = iota
	kindByteLen
	kindShortLen
	kindLongLen
	kindIntLen
	kindPLP
)

type collationStruct struct {
	LcidAndFlags uint32
	SortId       uint8
}

// readCollation reads a 5 byte collation.
// http://msdn.microsoft.com/en-us/library/dd340437.aspx
func readCollation(r *tdsBuffer) (res collationStruct) {
	res.LcidAndFlags = r.uint32()
	res.SortId = r.byte()
	return
}

type typeInfo struct {
	TypeId    uint8
	kind      typeKind
	Size      int
	Scale     uint8
	Prec      uint8
	Collation collationStruct
}

func (ti typeInfo) isPLP() bool { return ti.kind == kindPLP }

var fixedSizes = map[uint8]int{
	typeNull:     0,
	typeInt1:     1,
	typeBit:      1,
	typeInt2:     2,
	typeInt4:     4,
	typeDateTim4: 4,
	typeFlt4:     4,
	typeMoney4:   4,
	typeMoney:    8,
	typeDateTime: 8,
	typeFlt8:     8,
	typeInt8:     8,
}

func readTypeInfo(r *tdsBuffer) (res typeInfo) {
	res.TypeId = r.byte()
	if size, ok := fixedSizes[res.TypeId]; ok {
		res.kind = kindFixed
		res.Size = size
		return
	}
	readVarLen(&res, r)
	return
}

func readVarLen(ti *typeInfo, r *tdsBuffer) {
	switch ti.TypeId {
	case typeDateN:
		ti.kind = kindByteLen
		ti.Size = 3
	case typeTimeN, typeDateTime2N, typeDateTimeOffsetN:
		ti.Scale = r.byte()
		ti.kind = kindByteLen
	case typeGuid, typeIntN, typeBitN, typeFltN, typeMoneyN, typeDateTimeN,
		typeChar, typeVarChar, typeBinary, typeVarBinary:
		ti.Size = int(r.byte())
		ti.kind = kindByteLen
	case typeDecimal, typeNumeric, typeDecimalN, typeNumericN:
		ti.Size = int(r.byte())
		ti.Prec = r.byte()
		ti.Scale = r.byte()
		ti.kind = kindByteLen
	case typeBigVarBin, typeBigBinary, typeUdt:
		ti.Size = int(r.uint16())
		if ti.Size == 0xffff {
			ti.kind = kindPLP
		} else {
			ti.kind = kindShortLen
		}
	case typeBigVarChar, typeBigChar, typeNVarChar, typeNChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		if ti.Size == 0xffff {
			ti.kind = kindPLP
		} else {
			ti.kind = kindShortLen
		}
	case typeXml:
		schemapresent := r.byte()
		if schemapresent != 0 {
			// dbname, owning schema, xml schema collection
			r.BVarChar()
			r.BVarChar()
			r.UsVarChar()
		}
		ti.kind = kindPLP
	case typeText, typeNText:
		ti.Size = int(r.int32())
		ti.Collation = readCollation(r)
		readTableNameParts(r)
		ti.kind = kindLongLen
	case typeImage:
		ti.Size = int(r.int32())
		readTableNameParts(r)
		ti.kind = kindLongLen
	case typeVariant:
		ti.Size = int(r.int32())
		ti.kind = kindIntLen
	default:
		badStreamPanicf("invalid type %#x", ti.TypeId)
	}
}

func readTableNameParts(r *tdsBuffer) {
	numparts := int(r.byte())
	for i := 0; i < numparts; i++ {
		r.UsVarChar()
	}
}

// readValue consumes one column value from the stream, appending the
// raw bytes to the shared lease and returning the span that addresses
// them. Decoding to application types happens lazily, off the lease.
func readValue(r *tdsBuffer, ti *typeInfo, lease *bufferLease) colSpan {
	switch ti.kind {
	case kindFixed:
		return lease.copyFrom(r, ti.Size)
	case kindByteLen:
		size := int(r.byte())
		if size == 0 {
			return colSpan{null: true}
		}
		return lease.copyFrom(r, size)
	case kindShortLen:
		size := int(r.uint16())
		if size == 0xffff {
			return colSpan{null: true}
		}
		return lease.copyFrom(r, size)
	case kindLongLen:
		textptrsize := int(r.byte())
		if textptrsize == 0 {
			return colSpan{null: true}
		}
		textptr := make([]byte, textptrsize)
		r.ReadFull(textptr)
		var timestamp [8]byte
		r.ReadFull(timestamp[:])
		size := r.int32()
		if size == -1 {
			return colSpan{null: true}
		}
		return lease.copyFrom(r, int(size))
	case kindIntLen:
		size := r.int32()
		if size == 0 {
			return colSpan{null: true}
		}
		return lease.copyFrom(r, int(size))
	case kindPLP:
		plp, err := newPLPReader(r)
		if err != nil {
			badStreamPanic(err)
		}
		if plp.IsNull() {
			return colSpan{null: true}
		}
		return lease.copyAll(plp)
	}
	badStreamPanicf("unhandled type kind %d", ti.kind)
	return colSpan{}
}

// PLP sentinels: an unknown total length and NULL.
const (
	plpUnknownLen uint64 = 0xfffffffffffffffe
	plpNull       uint64 = 0xffffffffffffffff
)

// plpReader decodes a partial-length-prefixed value: an 8 byte total
// length followed by (uint32 length, bytes) chunks terminated by a zero
// length chunk. It exposes the concatenated bytes as a lazy stream; a
// UTF-16 value must be decoded after concatenation because code units
// may straddle chunk boundaries.
type plpReader struct {
	src io.Reader

	total uint64
	null  bool

	chunkLeft uint32
	bytesRead uint64
	done      bool
}

func newPLPReader(src io.Reader) (*plpReader, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return nil, protocolErrorf("PLP truncated: missing total length")
	}
	p := &plpReader{src: src, total: binary.LittleEndian.Uint64(hdr[:])}
	if p.total == plpNull {
		p.null = true
		p.done = true
	}
	return p, nil
}

// IsNull reports the NULL sentinel; a NULL value consumes no chunks.
func (p *plpReader) IsNull() bool { return p.null }

// Len returns the advertised total length. ok is false when the server
// sent the unknown-length sentinel.
func (p *plpReader) Len() (n uint64, ok bool) {
	if p.null || p.total == plpUnknownLen {
		return 0, false
	}
	return p.total, true
}

// BytesRead reports how many value bytes have been consumed so far.
func (p *plpReader) BytesRead() uint64 { return p.bytesRead }

func (p *plpReader) nextChunk() error {
	var hdr [4]byte
	if _, err := io.ReadFull(p.src, hdr[:]); err != nil {
		return protocolErrorf("PLP truncated: missing chunk length")
	}
	p.chunkLeft = binary.LittleEndian.Uint32(hdr[:])
	if p.chunkLeft == 0 {
		p.done = true
	}
	return nil
}

func (p *plpReader) Read(buf []byte) (int, error) {
	if p.done && p.chunkLeft == 0 {
		return 0, io.EOF
	}
	if p.chunkLeft == 0 {
		if err := p.nextChunk(); err != nil {
			return 0, err
		}
		if p.done {
			return 0, io.EOF
		}
	}
	if uint32(len(buf)) > p.chunkLeft {
		buf = buf[:p.chunkLeft]
	}
	n, err := io.ReadFull(p.src, buf)
	if err != nil {
		return n, protocolErrorf("PLP truncated: chunk cut short")
	}
	p.chunkLeft -= uint32(n)
	p.bytesRead += uint64(n)
	return n, nil
}
