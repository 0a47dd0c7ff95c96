package mssql

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"
)

// closableBuffer lets a bytes.Buffer stand in for the transport.
type closableBuffer struct {
	bytes.Buffer
}

func (b *closableBuffer) Close() error { return nil }

// frameReply frames a token payload into reply packets and returns a
// session positioned to read them, the way a server response arrives.
func frameReply(t *testing.T, payload []byte) *tdsSession {
	t.Helper()
	cb := &closableBuffer{}
	w := newTdsBuffer(4096, cb)
	w.BeginPacket(packReply, false)
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.FinishPacket(); err != nil {
		t.Fatal(err)
	}
	return &tdsSession{buf: newTdsBuffer(4096, cb), packetSize: 4096}
}

// collectTokens drains one response message through the parser.
func collectTokens(sess *tdsSession) []tokenStruct {
	ch := make(chan tokenStruct, 64)
	go processSingleResponse(context.Background(), sess, ch)
	var toks []tokenStruct
	for tok := range ch {
		toks = append(toks, tok)
	}
	return toks
}

func append16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func append32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func append64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendBVarChar(b []byte, s string) []byte {
	u := str2ucs2(s)
	b = append(b, byte(len(u)/2))
	return append(b, u...)
}

func appendUsVarChar(b []byte, s string) []byte {
	u := str2ucs2(s)
	b = append16(b, uint16(len(u)/2))
	return append(b, u...)
}

func doneToken(status uint16, rowcount uint64) []byte {
	b := []byte{byte(tokenDone)}
	b = append16(b, status)
	b = append16(b, 0)
	return append64(b, rowcount)
}

func envChangeDatabase(newDB, oldDB string) []byte {
	var body []byte
	body = append(body, envTypDatabase)
	body = appendBVarChar(body, newDB)
	body = appendBVarChar(body, oldDB)
	b := []byte{byte(tokenEnvChange)}
	b = append16(b, uint16(len(body)))
	return append(b, body...)
}

func envChangeRouting(host string, port uint16) []byte {
	var val []byte
	val = append(val, 0) // protocol tcp
	val = append16(val, port)
	val = appendUsVarChar(val, host)
	var body []byte
	body = append(body, envRouting)
	body = append16(body, uint16(len(val)))
	body = append(body, val...)
	body = append16(body, 0) // old value
	b := []byte{byte(tokenEnvChange)}
	b = append16(b, uint16(len(body)))
	return append(b, body...)
}

func errorToken(number int32, class uint8, msg string) []byte {
	var body []byte
	body = append32(body, uint32(number))
	body = append(body, 1)     // state
	body = append(body, class) // class
	body = appendUsVarChar(body, msg)
	body = appendBVarChar(body, "testsrv")
	body = appendBVarChar(body, "")
	body = append32(body, 1) // line
	b := []byte{byte(tokenError)}
	b = append16(b, uint16(len(body)))
	return append(b, body...)
}

// colMetadataInt4 builds COLMETADATA for n int4 columns named c0..cn.
func colMetadataInt4(n int) []byte {
	b := []byte{byte(tokenColMetadata)}
	b = append16(b, uint16(n))
	for i := 0; i < n; i++ {
		b = append32(b, 0)       // usertype
		b = append16(b, 0)       // flags
		b = append(b, typeInt4)  // fixed int4
		b = appendBVarChar(b, fmt.Sprintf("c%d", i))
	}
	return b
}

func rowTokenInt4(vals ...int32) []byte {
	b := []byte{byte(tokenRow)}
	for _, v := range vals {
		b = append32(b, uint32(v))
	}
	return b
}

// nbcRowTokenInt4 builds an NBCROW over int4 columns; nulls marks the
// NULL columns, vals carries the non-null values in column order.
func nbcRowTokenInt4(ncols int, nulls map[int]bool, vals ...int32) []byte {
	b := []byte{byte(tokenNbcRow)}
	bitmap := make([]byte, (ncols+7)/8)
	for i := 0; i < ncols; i++ {
		if nulls[i] {
			bitmap[i/8] |= 1 << (uint(i) % 8)
		}
	}
	b = append(b, bitmap...)
	for _, v := range vals {
		b = append32(b, uint32(v))
	}
	return b
}

func loginAckToken(progName string) []byte {
	var body []byte
	body = append(body, 1) // interface
	body = append(body, 0x74, 0, 0, 4)
	u := str2ucs2(progName)
	body = append(body, byte(len(u)/2))
	body = append(body, u...)
	body = append(body, 0, 0, 0, 1) // prog version
	b := []byte{byte(tokenLoginAck)}
	b = append16(b, uint16(len(body)))
	return append(b, body...)
}
