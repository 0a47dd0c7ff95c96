package mssql

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Well-known stored procedure ids.
// http://msdn.microsoft.com/en-us/library/dd303353.aspx
type procId struct {
	id   uint16
	name string
}

var (
	sp_ExecuteSql = procId{id: 10}
	sp_Prepare    = procId{id: 11}
	sp_Execute    = procId{id: 12}
	sp_PrepExec   = procId{id: 13}
	sp_Unprepare  = procId{id: 15}
)

// RPC option flags.
const (
	fWithRecomp    = 1
	fNoMetaData    = 2
	fReuseMetaData = 4
)

// Parameter status flags.
const (
	fByRevValue   = 1 // output parameter
	fDefaultValue = 2
)

type param struct {
	Name   string
	Flags  uint8
	ti     typeInfo
	buffer []byte
	isNull bool
}

// outputParam marks a parameter whose value comes back in a
// RETURNVALUE token.
func outputParam(name string, ti typeInfo) param {
	return param{Name: name, Flags: fByRevValue, ti: ti, isNull: true}
}

func int4Type() typeInfo {
	return typeInfo{TypeId: typeIntN, kind: kindByteLen, Size: 4}
}

func int8Type() typeInfo {
	return typeInfo{TypeId: typeIntN, kind: kindByteLen, Size: 8}
}

func nvarcharType(byteLen int) typeInfo {
	ti := typeInfo{TypeId: typeNVarChar, Size: byteLen}
	if byteLen > 8000 {
		ti.Size = 0xffff
		ti.kind = kindPLP
	} else {
		ti.kind = kindShortLen
		if ti.Size == 0 {
			ti.Size = 2
		}
	}
	return ti
}

func varbinaryType(byteLen int) typeInfo {
	ti := typeInfo{TypeId: typeBigVarBin, Size: byteLen}
	if byteLen > 8000 {
		ti.Size = 0xffff
		ti.kind = kindPLP
	} else {
		ti.kind = kindShortLen
		if ti.Size == 0 {
			ti.Size = 1
		}
	}
	return ti
}

// makeParam converts a Go value to its wire form. Application-level
// value types (dates, decimals, UUIDs) are the caller's business; the
// core speaks integers, floats, booleans, strings and raw bytes.
func makeParam(name string, val interface{}) (res param, err error) {
	res.Name = name
	switch v := val.(type) {
	case nil:
		res.ti = int4Type()
		res.isNull = true
	case int:
		res.ti = int8Type()
		res.buffer = make([]byte, 8)
		binary.LittleEndian.PutUint64(res.buffer, uint64(int64(v)))
	case int32:
		res.ti = int4Type()
		res.buffer = make([]byte, 4)
		binary.LittleEndian.PutUint32(res.buffer, uint32(v))
	case int64:
		res.ti = int8Type()
		res.buffer = make([]byte, 8)
		binary.LittleEndian.PutUint64(res.buffer, uint64(v))
	case bool:
		res.ti = typeInfo{TypeId: typeBitN, kind: kindByteLen, Size: 1}
		res.buffer = []byte{0}
		if v {
			res.buffer[0] = 1
		}
	case float64:
		res.ti = typeInfo{TypeId: typeFltN, kind: kindByteLen, Size: 8}
		res.buffer = make([]byte, 8)
		binary.LittleEndian.PutUint64(res.buffer, math.Float64bits(v))
	case string:
		res.buffer = str2ucs2(v)
		res.ti = nvarcharType(len(res.buffer))
	case []byte:
		res.buffer = v
		res.ti = varbinaryType(len(v))
	default:
		return res, CodecError{Message: fmt.Sprintf("unsupported parameter type %T", val)}
	}
	return res, nil
}

// typeSignature contributes the parameter's declared type to the
// statement cache key: the same SQL prepared with different parameter
// types owns a different server handle.
func (p param) typeSignature() string {
	return fmt.Sprintf("%#x/%d/%d.%d", p.ti.TypeId, p.ti.Size, p.ti.Prec, p.ti.Scale)
}

// sqlTypeName renders the declaration used in the @params argument of
// sp_prepare / sp_executesql.
func (p param) sqlTypeName() string {
	switch p.ti.TypeId {
	case typeIntN:
		if p.ti.Size == 8 {
			return "bigint"
		}
		return "int"
	case typeBitN:
		return "bit"
	case typeFltN:
		return "float"
	case typeNVarChar:
		if p.ti.Size == 0xffff {
			return "nvarchar(max)"
		}
		n := p.ti.Size / 2
		if n < 1 {
			n = 1
		}
		return fmt.Sprintf("nvarchar(%d)", n)
	case typeBigVarBin:
		if p.ti.Size == 0xffff {
			return "varbinary(max)"
		}
		n := p.ti.Size
		if n < 1 {
			n = 1
		}
		return fmt.Sprintf("varbinary(%d)", n)
	}
	return "sql_variant"
}

func writeParamTypeInfo(w *tdsBuffer, ti typeInfo) (err error) {
	if err = w.WriteByte(ti.TypeId); err != nil {
		return
	}
	switch ti.kind {
	case kindByteLen:
		err = w.WriteByte(byte(ti.Size))
	case kindShortLen, kindPLP:
		err = binary.Write(w, binary.LittleEndian, uint16(ti.Size))
		if err != nil {
			return
		}
		switch ti.TypeId {
		case typeNVarChar, typeNChar, typeBigVarChar, typeBigChar:
			err = binary.Write(w, binary.LittleEndian, ti.Collation.LcidAndFlags)
			if err != nil {
				return
			}
			err = w.WriteByte(ti.Collation.SortId)
		}
	default:
		err = CodecError{Message: fmt.Sprintf("cannot encode parameter of type %#x", ti.TypeId)}
	}
	return
}

func writeParamValue(w *tdsBuffer, p param) (err error) {
	switch p.ti.kind {
	case kindByteLen:
		if p.isNull {
			return w.WriteByte(0)
		}
		if err = w.WriteByte(byte(len(p.buffer))); err != nil {
			return
		}
		_, err = w.Write(p.buffer)
	case kindShortLen:
		if p.isNull {
			return binary.Write(w, binary.LittleEndian, uint16(0xffff))
		}
		if err = binary.Write(w, binary.LittleEndian, uint16(len(p.buffer))); err != nil {
			return
		}
		_, err = w.Write(p.buffer)
	case kindPLP:
		if p.isNull {
			return binary.Write(w, binary.LittleEndian, plpNull)
		}
		// Known total length, one chunk, zero terminator.
		if err = binary.Write(w, binary.LittleEndian, uint64(len(p.buffer))); err != nil {
			return
		}
		if err = binary.Write(w, binary.LittleEndian, uint32(len(p.buffer))); err != nil {
			return
		}
		if _, err = w.Write(p.buffer); err != nil {
			return
		}
		err = binary.Write(w, binary.LittleEndian, uint32(0))
	default:
		err = CodecError{Message: fmt.Sprintf("cannot encode parameter of kind %d", p.ti.kind)}
	}
	return
}

// http://msdn.microsoft.com/en-us/library/dd357576.aspx
func sendRpc(buf *tdsBuffer, headers []headerStruct, proc procId, flags uint16, params []param, resetSession bool) (err error) {
	buf.BeginPacket(packRPCRequest, resetSession)
	if err = writeAllHeaders(buf, headers); err != nil {
		return
	}
	if len(proc.name) == 0 {
		var idswitch uint16 = 0xffff
		if err = binary.Write(buf, binary.LittleEndian, &idswitch); err != nil {
			return
		}
		if err = binary.Write(buf, binary.LittleEndian, &proc.id); err != nil {
			return
		}
	} else {
		if err = writeUsVarChar(buf, proc.name); err != nil {
			return
		}
	}
	if err = binary.Write(buf, binary.LittleEndian, &flags); err != nil {
		return
	}
	for _, p := range params {
		if err = writeBVarChar(buf, p.Name); err != nil {
			return
		}
		if err = buf.WriteByte(p.Flags); err != nil {
			return
		}
		if err = writeParamTypeInfo(buf, p.ti); err != nil {
			return
		}
		if err = writeParamValue(buf, p); err != nil {
			return
		}
	}
	return buf.FinishPacket()
}
