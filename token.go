package mssql

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/tdskit/mssql/msdsn"
)

//go:generate stringer -type token

type token byte

// token ids
const (
	tokenReturnStatus  token = 121 // 0x79
	tokenColMetadata   token = 129 // 0x81
	tokenOrder         token = 169 // 0xA9
	tokenError         token = 170 // 0xAA
	tokenInfo          token = 171 // 0xAB
	tokenReturnValue   token = 0xAC
	tokenLoginAck      token = 173 // 0xAD
	tokenFeatureExtAck token = 174 // 0xAE
	tokenRow           token = 209 // 0xD1
	tokenNbcRow        token = 210 // 0xD2
	tokenEnvChange     token = 227 // 0xE3
	tokenSessionState  token = 228 // 0xE4
	tokenSSPI          token = 237 // 0xED
	tokenFedAuthInfo   token = 238 // 0xEE
	tokenDone          token = 253 // 0xFD
	tokenDoneProc      token = 254 // 0xFE
	tokenDoneInProc    token = 255 // 0xFF
)

// done flags
// https://msdn.microsoft.com/en-us/library/dd340421.aspx
const (
	doneFinal    = 0
	doneMore     = 1
	doneError    = 2
	doneInxact   = 4
	doneCount    = 0x10
	doneAttn     = 0x20
	doneSrvError = 0x100
)

// ENVCHANGE types
// http://msdn.microsoft.com/en-us/library/dd303449.aspx
const (
	envTypDatabase           = 1
	envTypLanguage           = 2
	envTypCharset            = 3
	envTypPacketSize         = 4
	envSortId                = 5
	envSortFlags             = 6
	envSqlCollation          = 7
	envTypBeginTran          = 8
	envTypCommitTran         = 9
	envTypRollbackTran       = 10
	envEnlistDTC             = 11
	envDefectTran            = 12
	envDatabaseMirrorPartner = 13
	envPromoteTran           = 15
	envTranMgrAddr           = 16
	envTranEnded             = 17
	envResetConnAck          = 18
	envStartedInstanceName   = 19
	envRouting               = 20
)

// StreamError is the panic payload of the token parser; the recover at
// the top of processSingleResponse turns it back into an error value.
type StreamError struct {
	InnerException error
}

func (e StreamError) Error() string {
	if e.InnerException != nil {
		return e.InnerException.Error()
	}
	return "mssql: invalid TDS stream"
}

func (e StreamError) Unwrap() error { return e.InnerException }

func badStreamPanic(err error) {
	panic(StreamError{InnerException: err})
}

func badStreamPanicf(format string, v ...interface{}) {
	badStreamPanic(protocolErrorf(format, v...))
}

// tokenStruct is a union of the values produced by the token parser:
// []columnStruct, Row, doneStruct, doneInProcStruct, loginAckStruct,
// infoStruct, ReturnStatus, returnValueStruct, orderStruct, sspiStruct,
// the FEATUREEXTACK map, StreamError, or a plain error. Server errors
// are not sent on their own; they ride on the doneStruct that ends the
// statement.
type tokenStruct interface{}

type orderStruct struct {
	ColIds []uint16
}

type doneStruct struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
	errors   []Error
}

func (d doneStruct) isError() bool {
	return d.Status&doneError != 0 || len(d.errors) > 0
}

// getError surfaces the highest severity error of the drained message;
// the rest stay reachable through All.
func (d doneStruct) getError() Error {
	n := len(d.errors)
	if n == 0 {
		return Error{Message: "request failed but the server did not send an error"}
	}
	err := d.errors[0]
	for _, e := range d.errors[1:] {
		if e.Class > err.Class {
			err = e
		}
	}
	err.All = d.errors
	return err
}

// hasRowCount reports whether the RowCount field is meaningful: the
// count field is undefined unless the COUNT flag is set.
func (d doneStruct) hasRowCount() bool {
	return d.Status&doneCount != 0
}

func (d doneStruct) attention() bool {
	return d.Status&doneAttn != 0
}

type doneInProcStruct doneStruct

type sspiStruct struct {
	Data []byte
}

type loginAckStruct struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

// ReturnStatus is the integer result of an RPC.
type ReturnStatus int32

type returnValueStruct struct {
	ParamOrdinal uint16
	ParamName    string
	Status       uint8
	UserType     uint32
	Flags        uint16
	ti           typeInfo
	Value        []byte
	isNull       bool
}

type infoStruct struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

// http://msdn.microsoft.com/en-us/library/dd340421.aspx
func parseDone(r *tdsBuffer) (res doneStruct) {
	res.Status = r.uint16()
	res.CurCmd = r.uint16()
	res.RowCount = r.uint64()
	return res
}

// http://msdn.microsoft.com/en-us/library/dd340553.aspx
func parseDoneInProc(r *tdsBuffer) (res doneInProcStruct) {
	res.Status = r.uint16()
	res.CurCmd = r.uint16()
	res.RowCount = r.uint64()
	return res
}

// http://msdn.microsoft.com/en-us/library/dd304019.aspx
func parseLoginAck(r *tdsBuffer) loginAckStruct {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
	var res loginAckStruct
	res.Interface = buf[0]
	res.TDSVersion = binary.BigEndian.Uint32(buf[1:])
	prognamelen := buf[1+4]
	var err error
	if res.ProgName, err = ucs22str(buf[1+4+1 : 1+4+1+int(prognamelen)*2]); err != nil {
		badStreamPanic(err)
	}
	res.ProgVer = binary.BigEndian.Uint32(buf[size-4:])
	return res
}

// http://msdn.microsoft.com/en-us/library/dd357363.aspx
func parseOrder(r *tdsBuffer) (res orderStruct) {
	len := int(r.uint16())
	res.ColIds = make([]uint16, len/2)
	for i := 0; i < len/2; i++ {
		res.ColIds[i] = r.uint16()
	}
	return res
}

// https://msdn.microsoft.com/en-us/library/dd303881.aspx
func parseFeatureExtAck(r *tdsBuffer) map[byte]interface{} {
	ack := map[byte]interface{}{}

	for feature := r.byte(); feature != featExtTERMINATOR; feature = r.byte() {
		length := r.uint32()

		switch feature {
		case featExtFEDAUTH:
			// In theory we need to know the federated authentication
			// library to be able to interpret the data, but the alternatives
			// provide compatible formats.
			data := make([]byte, length)
			r.ReadFull(data)
			ack[feature] = data

		case featExtUTF8SUPPORT:
			if length != 1 {
				badStreamPanicf("unexpected length of UTF8SUPPORT feature ack: %d", length)
			}
			ack[feature] = r.byte()

		default:
			// Skip unprocessed feature acks.
			data := make([]byte, length)
			r.ReadFull(data)
			ack[feature] = data
		}
	}
	return ack
}

// http://msdn.microsoft.com/en-us/library/dd303449.aspx
func processEnvChg(ctx context.Context, sess *tdsSession) {
	size := sess.buf.uint16()
	envBuf := make([]byte, size)
	sess.buf.ReadFull(envBuf)
	r := bytes.NewReader(envBuf)
	for {
		envtype, err := readByte(r)
		if err == io.EOF {
			return
		} else if err != nil {
			badStreamPanic(err)
		}
		switch envtype {
		case envTypDatabase:
			sess.database, err = readBVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil { // old value
				badStreamPanic(err)
			}
		case envTypLanguage, envTypCharset:
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envSortId, envSortFlags, envSqlCollation, envStartedInstanceName:
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
		case envTypPacketSize:
			packetsize, err := readBVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			packetsizei, err := strconv.Atoi(packetsize)
			if err != nil {
				badStreamPanicf("invalid size value returned by server (%s): %s", packetsize, err.Error())
			}
			if len(sess.buf.wbuf) < packetsizei {
				newbuf := make([]byte, packetsizei)
				copy(newbuf, sess.buf.wbuf)
				sess.buf.wbuf = newbuf
			}
			sess.buf.ResizeBuffer(packetsizei)
			sess.packetSize = packetsizei
		case envTypBeginTran:
			tranid, err := readBVarByte(r)
			if err != nil {
				badStreamPanic(err)
			}
			if len(tranid) >= 8 {
				sess.tranid = binary.LittleEndian.Uint64(tranid)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			sess.LogF(ctx, msdsn.LogTransaction, "BEGIN TRANSACTION %x", sess.tranid)
		case envTypCommitTran, envTypRollbackTran:
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if envtype == envTypCommitTran {
				sess.LogF(ctx, msdsn.LogTransaction, "COMMIT TRANSACTION %x", sess.tranid)
			} else {
				sess.LogF(ctx, msdsn.LogTransaction, "ROLLBACK TRANSACTION %x", sess.tranid)
			}
			sess.tranid = 0
		case envEnlistDTC, envDefectTran, envPromoteTran, envTranMgrAddr, envTranEnded:
			// Distributed transaction plumbing this driver does not
			// drive; lengths are self describing so skip them.
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
		case envDatabaseMirrorPartner:
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envResetConnAck:
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
		case envRouting:
			// RoutingData message is:
			// ValueLength                 USHORT
			// Protocol (TCP = 0)          BYTE
			// ProtocolProperty (new port) USHORT
			// AlternateServer             US_VARCHAR
			_, err := readUshort(r)
			if err != nil {
				badStreamPanic(err)
			}
			protocol, err := readByte(r)
			if err != nil || protocol != 0 {
				badStreamPanicf("unsupported routing protocol %d", protocol)
			}
			newPort, err := readUshort(r)
			if err != nil {
				badStreamPanic(err)
			}
			newServer, err := readUsVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			// Skip the OLDVALUE = %x00 %x00.
			if _, err = readUshort(r); err != nil {
				badStreamPanic(err)
			}
			sess.routedServer = newServer
			sess.routedPort = newPort
			sess.LogF(ctx, msdsn.LogDebug, "routing to %s:%d", newServer, newPort)
		default:
			// Unknown env change type: the remaining bytes of this
			// token cannot be interpreted, drop them.
			return
		}
	}
}

// http://msdn.microsoft.com/en-us/library/dd304156.aspx
func parseError72(r *tdsBuffer) (res Error) {
	length := r.uint16()
	_ = length // token is self describing
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

// http://msdn.microsoft.com/en-us/library/dd304156.aspx
func parseInfo(r *tdsBuffer) (res infoStruct) {
	length := r.uint16()
	_ = length
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

// https://msdn.microsoft.com/en-us/library/dd303881.aspx
func parseReturnValue(r *tdsBuffer) (nv returnValueStruct) {
	nv.ParamOrdinal = r.uint16()
	nv.ParamName = r.BVarChar()
	nv.Status = r.byte()
	nv.UserType = r.uint32()
	nv.Flags = r.uint16()
	nv.ti = readTypeInfo(r)
	lease := newBufferLease(64)
	span := readValue(r, &nv.ti, lease)
	nv.isNull = span.null
	if !span.null {
		nv.Value = lease.data[span.off : span.off+span.length]
	}
	return
}

func parseSSPI(r *tdsBuffer) sspiStruct {
	size := r.uint16()
	data := make([]byte, size)
	r.ReadFull(data)
	return sspiStruct{Data: data}
}

// processSingleResponse reads a single response message from the wire
// and pushes parsed tokens into ch. ENVCHANGE tokens are applied to the
// session before any later token is delivered. Errors of class >= 11
// are accumulated and attached to the done token that finishes the
// statement, so the stream always drains cleanly.
func processSingleResponse(ctx context.Context, sess *tdsSession, ch chan tokenStruct) {
	defer func() {
		if err := recover(); err != nil {
			sess.LogF(ctx, msdsn.LogErrors, "intercepted panic: %v", err)
			se, ok := err.(StreamError)
			if !ok {
				panic(err)
			}
			ch <- se
		}
		close(ch)
	}()

	packet, err := sess.buf.BeginRead()
	if err != nil {
		sess.LogF(ctx, msdsn.LogErrors, "BeginRead failed: %v", err)
		ch <- err
		return
	}
	if packet != packReply {
		badStreamPanicf("unexpected packet type in reply: got %v, expected %v", packet, packReply)
	}
	var columns []columnStruct
	var lease *bufferLease
	errs := make([]Error, 0, 5)
	for {
		tok := token(sess.buf.byte())
		switch tok {
		case tokenSSPI:
			ch <- parseSSPI(sess.buf)
			return
		case tokenReturnStatus:
			returnStatus := ReturnStatus(sess.buf.int32())
			ch <- returnStatus
		case tokenLoginAck:
			loginAck := parseLoginAck(sess.buf)
			ch <- loginAck
		case tokenFeatureExtAck:
			ch <- parseFeatureExtAck(sess.buf)
		case tokenOrder:
			order := parseOrder(sess.buf)
			ch <- order
		case tokenDoneInProc:
			done := parseDoneInProc(sess.buf)
			sess.LogF(ctx, msdsn.LogRows, "(%d rows affected)", done.RowCount)
			ch <- done
		case tokenDone, tokenDoneProc:
			done := parseDone(sess.buf)
			done.errors = errs
			errs = nil
			sess.LogF(ctx, msdsn.LogDebug, "got DONE or DONEPROC status=%d", done.Status)
			if done.Status&doneCount != 0 {
				sess.LogF(ctx, msdsn.LogRows, "(%d rows affected)", done.RowCount)
			}
			ch <- done
			if done.Status&doneMore == 0 {
				return
			}
		case tokenColMetadata:
			columns = parseColMetadata72(sess.buf)
			ch <- columns
			// Rows of the new result set share a fresh buffer.
			lease = newBufferLease(sess.packetSize)
		case tokenRow:
			if columns == nil {
				badStreamPanicf("ROW token before COLMETADATA")
			}
			row := parseRow(sess.buf, columns, lease)
			ch <- row
		case tokenNbcRow:
			if columns == nil {
				badStreamPanicf("NBCROW token before COLMETADATA")
			}
			row := parseNbcRow(sess.buf, columns, lease)
			ch <- row
		case tokenEnvChange:
			processEnvChg(ctx, sess)
		case tokenError:
			srvErr := parseError72(sess.buf)
			if srvErr.Class <= 10 {
				// Low severity errors behave like INFO messages.
				sess.LogF(ctx, msdsn.LogMessages, "got INFO-class error %d: %s", srvErr.Number, srvErr.Message)
				ch <- srvErr.asInfo()
				continue
			}
			errs = append(errs, srvErr)
			sess.LogF(ctx, msdsn.LogErrors, "got ERROR %d: %s", srvErr.Number, srvErr.Message)
		case tokenInfo:
			info := parseInfo(sess.buf)
			sess.LogF(ctx, msdsn.LogMessages, "got INFO %d: %s", info.Number, info.Message)
			ch <- info
		case tokenReturnValue:
			nv := parseReturnValue(sess.buf)
			ch <- nv
		case tokenSessionState, tokenFedAuthInfo:
			// Length-prefixed tokens this driver does not consume.
			size := sess.buf.uint32()
			skip := make([]byte, size)
			sess.buf.ReadFull(skip)
		default:
			badStreamPanicf("unknown token type returned: %v", tok)
		}
	}
}

func (e Error) asInfo() infoStruct {
	return infoStruct{
		Number:     e.Number,
		State:      e.State,
		Class:      e.Class,
		Message:    e.Message,
		ServerName: e.ServerName,
		ProcName:   e.ProcName,
		LineNo:     e.LineNo,
	}
}
