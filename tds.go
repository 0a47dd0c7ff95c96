package mssql

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/tdskit/mssql/msdsn"
)

// tds versions
const (
	verTDS74 = 0x74000004
	verTDS80 = 0x08000000
)

// prelogin fields
// http://msdn.microsoft.com/en-us/library/dd357559.aspx
const (
	preloginVERSION         = 0
	preloginENCRYPTION      = 1
	preloginINSTOPT         = 2
	preloginTHREADID        = 3
	preloginMARS            = 4
	preloginTRACEID         = 5
	preloginFEDAUTHREQUIRED = 6
	preloginTERMINATOR      = 0xff
)

const (
	encryptOff    = 0 // Encryption is available but off.
	encryptOn     = 1 // Encryption is available and on.
	encryptNotSup = 2 // Encryption is not available.
	encryptReq    = 3 // Encryption is required.
	encryptStrict = 4
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func str2ucs2(s string) []byte {
	enc := utf16le.NewEncoder()
	res, err := enc.Bytes([]byte(s))
	if err != nil {
		panic("UTF16 encode failed unexpectedly: " + err.Error())
	}
	return res
}

func ucs22str(s []byte) (string, error) {
	if len(s)%2 != 0 {
		return "", CodecError{Message: fmt.Sprintf("odd length UTF16 data: %d bytes", len(s))}
	}
	dec := utf16le.NewDecoder()
	res, err := dec.Bytes(s)
	if err != nil {
		return "", CodecError{Message: "malformed UTF16 data: " + err.Error()}
	}
	return string(res), nil
}

type tdsSession struct {
	buf      *tdsBuffer
	loginAck loginAckStruct

	database   string
	packetSize int
	tranid     uint64

	// routedServer is set when the server answered the login with a
	// routing ENVCHANGE.
	routedServer string
	routedPort   uint16

	logFlags uint64
	logger   ContextLogger

	connid     string
	activityid string
}

func (s *tdsSession) LogF(ctx context.Context, category msdsn.Log, format string, v ...interface{}) {
	if s.logFlags&uint64(category) != 0 && s.logger != nil {
		s.logger.Log(ctx, category, fmt.Sprintf(format, v...))
	}
}

func writePrelogin(packetType packetType, w *tdsBuffer, fields map[uint8][]byte) error {
	var err error

	w.BeginPacket(packetType, false)
	offset := uint16(5*len(fields) + 1)
	keys := make([]uint8, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// The option table must be sorted by token, and the terminator
	// goes last.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	// writing header
	for _, k := range keys {
		err = w.WriteByte(k)
		if err != nil {
			return err
		}
		err = binary.Write(w, binary.BigEndian, offset)
		if err != nil {
			return err
		}
		v := fields[k]
		size := uint16(len(v))
		err = binary.Write(w, binary.BigEndian, size)
		if err != nil {
			return err
		}
		offset += size
	}
	err = w.WriteByte(preloginTERMINATOR)
	if err != nil {
		return err
	}
	// writing values
	for _, k := range keys {
		v := fields[k]
		written, err := w.Write(v)
		if err != nil {
			return err
		}
		if written != len(v) {
			return errors.New("mssql: write method didn't write the whole value")
		}
	}
	return w.FinishPacket()
}

func readPrelogin(r *tdsBuffer) (map[uint8][]byte, error) {
	packetType, err := r.BeginRead()
	if err != nil {
		return nil, err
	}
	structBuf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if packetType != packReply {
		return nil, protocolErrorf("expected PRELOGIN response packet type %d, got %d", packReply, packetType)
	}
	if len(structBuf) == 0 {
		return nil, protocolErrorf("empty PRELOGIN response")
	}
	offset := 0
	results := map[uint8][]byte{}
	for {
		// 5 bytes per record except the terminator.
		if offset >= len(structBuf) {
			return nil, protocolErrorf("PRELOGIN response missing terminator")
		}
		recType := structBuf[offset]
		if recType == preloginTERMINATOR {
			break
		}
		if offset+5 > len(structBuf) {
			return nil, protocolErrorf("truncated PRELOGIN option table")
		}
		recOffset := binary.BigEndian.Uint16(structBuf[offset+1:])
		recLen := binary.BigEndian.Uint16(structBuf[offset+3:])
		if int(recOffset)+int(recLen) > len(structBuf) {
			return nil, protocolErrorf("PRELOGIN option %d points outside the response", recType)
		}
		results[recType] = structBuf[recOffset : recOffset+recLen]
		offset += 5
	}
	return results, nil
}

// option flags 1
const (
	fUseDB   = 0x20
	fSetLang = 0x80
)

// option flags 2
const (
	fLanguageFatal = 0x01
	fODBC          = 0x02
	fIntSecurity   = 0x80
)

// type flags
const (
	fReadOnlyIntent = 0x20
)

// option flags 3
const (
	fChangePassword           = 0x01
	fSendYukonBinaryXML       = 0x02
	fUserInstance             = 0x04
	fUnknownCollationHandling = 0x08
	fExtension                = 0x10
)

type login struct {
	TDSVersion     uint32
	PacketSize     uint32
	ClientProgVer  uint32
	ClientPID      uint32
	ConnectionID   uint32
	OptionFlags1   uint8
	OptionFlags2   uint8
	TypeFlags      uint8
	OptionFlags3   uint8
	ClientTimeZone int32
	ClientLCID     uint32
	HostName       string
	UserName       string
	Password       string
	AppName        string
	ServerName     string
	CtlIntName     string
	Language       string
	Database       string
	ClientID       [6]byte
	SSPI           []byte
	AtchDBFile     string
	ChangePassword string
	FeatureExt     featureExts
}

type loginHeader struct {
	Length               uint32
	TDSVersion           uint32
	PacketSize           uint32
	ClientProgVer        uint32
	ClientPID            uint32
	ConnectionID         uint32
	OptionFlags1         uint8
	OptionFlags2         uint8
	TypeFlags            uint8
	OptionFlags3         uint8
	ClientTimeZone       int32
	ClientLCID           uint32
	HostNameOffset       uint16
	HostNameLength       uint16
	UserNameOffset       uint16
	UserNameLength       uint16
	PasswordOffset       uint16
	PasswordLength       uint16
	AppNameOffset        uint16
	AppNameLength        uint16
	ServerNameOffset     uint16
	ServerNameLength     uint16
	ExtensionOffset      uint16
	ExtensionLength      uint16
	CtlIntNameOffset     uint16
	CtlIntNameLength     uint16
	LanguageOffset       uint16
	LanguageLength       uint16
	DatabaseOffset       uint16
	DatabaseLength       uint16
	ClientID             [6]byte
	SSPIOffset           uint16
	SSPILength           uint16
	AtchDBFileOffset     uint16
	AtchDBFileLength     uint16
	ChangePasswordOffset uint16
	ChangePasswordLength uint16
	SSPILongLength       uint32
}

// manglePassword obfuscates a password per the LOGIN7 rules: swap the
// nibbles of every UTF-16 code unit byte, then XOR with 0xA5.
func manglePassword(password string) []byte {
	var ucs2password []byte = str2ucs2(password)
	for i, ch := range ucs2password {
		ucs2password[i] = ((ch << 4) & 0xff | (ch >> 4)) ^ 0xA5
	}
	return ucs2password
}

// demanglePassword is the inverse of manglePassword. It always treats
// its input as obfuscated; a cleartext password field is not recognised
// and does not decode to its original text.
func demanglePassword(mangled []byte) string {
	buf := make([]byte, len(mangled))
	for i, ch := range mangled {
		ch ^= 0xA5
		buf[i] = (ch >> 4) | ((ch << 4) & 0xff)
	}
	s, err := ucs22str(buf)
	if err != nil {
		return ""
	}
	return s
}

// http://msdn.microsoft.com/en-us/library/dd304019.aspx
func sendLogin(w *tdsBuffer, login *login) error {
	w.BeginPacket(packLogin7, false)
	hostname := str2ucs2(login.HostName)
	username := str2ucs2(login.UserName)
	password := manglePassword(login.Password)
	appname := str2ucs2(login.AppName)
	servername := str2ucs2(login.ServerName)
	ctlintname := str2ucs2(login.CtlIntName)
	language := str2ucs2(login.Language)
	database := str2ucs2(login.Database)
	atchdbfile := str2ucs2(login.AtchDBFile)
	changepassword := manglePassword(login.ChangePassword)
	featureExt := login.FeatureExt.toBytes()

	hdr := loginHeader{
		TDSVersion:           login.TDSVersion,
		PacketSize:           login.PacketSize,
		ClientProgVer:        login.ClientProgVer,
		ClientPID:            login.ClientPID,
		ConnectionID:         login.ConnectionID,
		OptionFlags1:         login.OptionFlags1,
		OptionFlags2:         login.OptionFlags2,
		TypeFlags:            login.TypeFlags,
		OptionFlags3:         login.OptionFlags3,
		ClientTimeZone:       login.ClientTimeZone,
		ClientLCID:           login.ClientLCID,
		HostNameLength:       uint16(len(hostname) / 2),
		UserNameLength:       uint16(len(username) / 2),
		PasswordLength:       uint16(len(password) / 2),
		AppNameLength:        uint16(len(appname) / 2),
		ServerNameLength:     uint16(len(servername) / 2),
		CtlIntNameLength:     uint16(len(ctlintname) / 2),
		LanguageLength:       uint16(len(language) / 2),
		DatabaseLength:       uint16(len(database) / 2),
		ClientID:             login.ClientID,
		SSPILength:           uint16(len(login.SSPI)),
		AtchDBFileLength:     uint16(len(atchdbfile) / 2),
		ChangePasswordLength: uint16(len(changepassword) / 2),
	}
	offset := uint16(binary.Size(hdr))
	hdr.HostNameOffset = offset
	offset += uint16(len(hostname))
	hdr.UserNameOffset = offset
	offset += uint16(len(username))
	hdr.PasswordOffset = offset
	offset += uint16(len(password))
	hdr.AppNameOffset = offset
	offset += uint16(len(appname))
	hdr.ServerNameOffset = offset
	offset += uint16(len(servername))
	if len(featureExt) > 0 {
		// ibExtension points at a 4 byte offset of the FeatureExt
		// block, which itself goes after all the string fields.
		hdr.OptionFlags3 |= fExtension
		hdr.ExtensionOffset = offset
		hdr.ExtensionLength = 4
		offset += 4
	}
	hdr.CtlIntNameOffset = offset
	offset += uint16(len(ctlintname))
	hdr.LanguageOffset = offset
	offset += uint16(len(language))
	hdr.DatabaseOffset = offset
	offset += uint16(len(database))
	hdr.SSPIOffset = offset
	offset += uint16(len(login.SSPI))
	hdr.AtchDBFileOffset = offset
	offset += uint16(len(atchdbfile))
	hdr.ChangePasswordOffset = offset
	offset += uint16(len(changepassword))
	featureExtOffset := uint32(offset)
	hdr.Length = uint32(offset) + uint32(len(featureExt))

	var err error
	err = binary.Write(w, binary.LittleEndian, &hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(hostname)
	if err != nil {
		return err
	}
	_, err = w.Write(username)
	if err != nil {
		return err
	}
	_, err = w.Write(password)
	if err != nil {
		return err
	}
	_, err = w.Write(appname)
	if err != nil {
		return err
	}
	_, err = w.Write(servername)
	if err != nil {
		return err
	}
	if len(featureExt) > 0 {
		err = binary.Write(w, binary.LittleEndian, featureExtOffset)
		if err != nil {
			return err
		}
	}
	_, err = w.Write(ctlintname)
	if err != nil {
		return err
	}
	_, err = w.Write(language)
	if err != nil {
		return err
	}
	_, err = w.Write(database)
	if err != nil {
		return err
	}
	_, err = w.Write(login.SSPI)
	if err != nil {
		return err
	}
	_, err = w.Write(atchdbfile)
	if err != nil {
		return err
	}
	_, err = w.Write(changepassword)
	if err != nil {
		return err
	}
	_, err = w.Write(featureExt)
	if err != nil {
		return err
	}
	return w.FinishPacket()
}

// parseLogin7 decodes a serialised LOGIN7 payload. The driver itself
// never receives one; tooling and the round-trip tests do.
func parseLogin7(buf []byte) (*login, error) {
	var hdr loginHeader
	if err := binary.Read(newSliceReader(buf), binary.LittleEndian, &hdr); err != nil {
		return nil, protocolErrorf("truncated LOGIN7 header")
	}
	if int(hdr.Length) > len(buf) {
		return nil, protocolErrorf("LOGIN7 length %d exceeds payload %d", hdr.Length, len(buf))
	}
	str := func(off, chars uint16) (string, error) {
		end := int(off) + int(chars)*2
		if end > len(buf) {
			return "", protocolErrorf("LOGIN7 field points outside the payload")
		}
		return ucs22str(buf[off:end])
	}
	l := &login{
		TDSVersion:     hdr.TDSVersion,
		PacketSize:     hdr.PacketSize,
		ClientProgVer:  hdr.ClientProgVer,
		ClientPID:      hdr.ClientPID,
		ConnectionID:   hdr.ConnectionID,
		OptionFlags1:   hdr.OptionFlags1,
		OptionFlags2:   hdr.OptionFlags2,
		TypeFlags:      hdr.TypeFlags,
		OptionFlags3:   hdr.OptionFlags3,
		ClientTimeZone: hdr.ClientTimeZone,
		ClientLCID:     hdr.ClientLCID,
		ClientID:       hdr.ClientID,
	}
	var err error
	if l.HostName, err = str(hdr.HostNameOffset, hdr.HostNameLength); err != nil {
		return nil, err
	}
	if l.UserName, err = str(hdr.UserNameOffset, hdr.UserNameLength); err != nil {
		return nil, err
	}
	pwEnd := int(hdr.PasswordOffset) + int(hdr.PasswordLength)*2
	if pwEnd > len(buf) {
		return nil, protocolErrorf("LOGIN7 field points outside the payload")
	}
	l.Password = demanglePassword(buf[hdr.PasswordOffset:pwEnd])
	if l.AppName, err = str(hdr.AppNameOffset, hdr.AppNameLength); err != nil {
		return nil, err
	}
	if l.ServerName, err = str(hdr.ServerNameOffset, hdr.ServerNameLength); err != nil {
		return nil, err
	}
	if l.CtlIntName, err = str(hdr.CtlIntNameOffset, hdr.CtlIntNameLength); err != nil {
		return nil, err
	}
	if l.Language, err = str(hdr.LanguageOffset, hdr.LanguageLength); err != nil {
		return nil, err
	}
	if l.Database, err = str(hdr.DatabaseOffset, hdr.DatabaseLength); err != nil {
		return nil, err
	}
	return l, nil
}

type sliceReader struct {
	buf []byte
	pos int
}

func newSliceReader(buf []byte) *sliceReader { return &sliceReader{buf: buf} }

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

func readUcs2(r io.Reader, numchars int) (res string, err error) {
	buf := make([]byte, numchars*2)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return "", err
	}
	return ucs22str(buf)
}

func readUsVarChar(r io.Reader) (res string, err error) {
	numchars, err := readUshort(r)
	if err != nil {
		return
	}
	return readUcs2(r, int(numchars))
}

func writeUsVarChar(w io.Writer, s string) (err error) {
	buf := str2ucs2(s)
	var numchars = len(buf) / 2
	if numchars > 0xffff {
		panic("invalid size for US_VARCHAR")
	}
	err = binary.Write(w, binary.LittleEndian, uint16(numchars))
	if err != nil {
		return
	}
	_, err = w.Write(buf)
	return
}

func readBVarChar(r io.Reader) (string, error) {
	numchars, err := readByte(r)
	if err != nil {
		return "", err
	}
	return readUcs2(r, int(numchars))
}

func writeBVarChar(w io.Writer, s string) (err error) {
	buf := str2ucs2(s)
	var numchars = len(buf) / 2
	if numchars > 0xff {
		panic("invalid size for B_VARCHAR")
	}
	err = binary.Write(w, binary.LittleEndian, uint8(numchars))
	if err != nil {
		return
	}
	_, err = w.Write(buf)
	return
}

func readBVarByte(r io.Reader) (res []byte, err error) {
	length, err := readByte(r)
	if err != nil {
		return
	}
	res = make([]byte, length)
	_, err = io.ReadFull(r, res)
	return
}

func readUshort(r io.Reader) (res uint16, err error) {
	err = binary.Read(r, binary.LittleEndian, &res)
	return
}

func readByte(r io.Reader) (res byte, err error) {
	var b [1]byte
	_, err = r.Read(b[:])
	res = b[0]
	return
}

// Packet Data Stream Headers
// http://msdn.microsoft.com/en-us/library/dd304953.aspx
type headerStruct struct {
	hdrtype uint16
	data    []byte
}

const (
	dataStmHdrQueryNotif    = 1 // query notifications
	dataStmHdrTransDescr    = 2 // MARS transaction descriptor (required)
	dataStmHdrTraceActivity = 3
)

// Transaction Descriptor Header
// http://msdn.microsoft.com/en-us/library/dd340515.aspx
type transDescrHdr struct {
	transDescr        uint64 // transaction descriptor returned from ENVCHANGE
	outstandingReqCnt uint32 // outstanding request count
}

func (hdr transDescrHdr) pack() (res []byte) {
	res = make([]byte, 8+4)
	binary.LittleEndian.PutUint64(res, hdr.transDescr)
	binary.LittleEndian.PutUint32(res[8:], hdr.outstandingReqCnt)
	return res
}

func writeAllHeaders(w io.Writer, headers []headerStruct) (err error) {
	// Calculating total length.
	var totallen uint32 = 4
	for _, hdr := range headers {
		totallen += 4 + 2 + uint32(len(hdr.data))
	}
	// writing
	err = binary.Write(w, binary.LittleEndian, totallen)
	if err != nil {
		return err
	}
	for _, hdr := range headers {
		var headerlen uint32 = 4 + 2 + uint32(len(hdr.data))
		err = binary.Write(w, binary.LittleEndian, headerlen)
		if err != nil {
			return err
		}
		err = binary.Write(w, binary.LittleEndian, hdr.hdrtype)
		if err != nil {
			return err
		}
		_, err = w.Write(hdr.data)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *tdsSession) currentHeaders() []headerStruct {
	return []headerStruct{
		{hdrtype: dataStmHdrTransDescr,
			data: transDescrHdr{s.tranid, 1}.pack()},
	}
}

func sendSqlBatch72(buf *tdsBuffer, sqltext string, headers []headerStruct, resetSession bool) (err error) {
	buf.BeginPacket(packSQLBatch, resetSession)

	if err = writeAllHeaders(buf, headers); err != nil {
		return
	}

	_, err = buf.Write(str2ucs2(sqltext))
	if err != nil {
		return
	}
	return buf.FinishPacket()
}

// sendAttention is the only request that may go out while another
// message is outstanding; the server acknowledges it with a DONE
// carrying the attention bit at the end of the interrupted response.
func sendAttention(buf *tdsBuffer) error {
	buf.BeginPacket(packAttention, false)
	return buf.FinishPacket()
}

// Transaction manager requests.
// http://msdn.microsoft.com/en-us/library/dd339887.aspx
const (
	tmGetDTCAddr    = 0
	tmPropagateXact = 1
	tmBeginXact     = 5
	tmPromoteXact   = 6
	tmCommitXact    = 7
	tmRollbackXact  = 8
	tmSaveXact      = 9
)

func sendBeginXact(buf *tdsBuffer, headers []headerStruct, isolation uint8, name string, resetSession bool) (err error) {
	buf.BeginPacket(packTransMgrReq, resetSession)
	if err = writeAllHeaders(buf, headers); err != nil {
		return
	}
	var rqtype uint16 = tmBeginXact
	if err = binary.Write(buf, binary.LittleEndian, &rqtype); err != nil {
		return
	}
	if err = binary.Write(buf, binary.LittleEndian, &isolation); err != nil {
		return
	}
	if err = writeBVarChar(buf, name); err != nil {
		return
	}
	return buf.FinishPacket()
}

const (
	fBeginXact = 1
)

func sendCommitXact(buf *tdsBuffer, headers []headerStruct, name string, flags uint8, isolation uint8, newname string, resetSession bool) error {
	buf.BeginPacket(packTransMgrReq, resetSession)
	if err := writeAllHeaders(buf, headers); err != nil {
		return err
	}
	var rqtype uint16 = tmCommitXact
	if err := binary.Write(buf, binary.LittleEndian, &rqtype); err != nil {
		return err
	}
	if err := writeBVarChar(buf, name); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, &flags); err != nil {
		return err
	}
	if flags&fBeginXact != 0 {
		if err := binary.Write(buf, binary.LittleEndian, &isolation); err != nil {
			return err
		}
		if err := writeBVarChar(buf, newname); err != nil {
			return err
		}
	}
	return buf.FinishPacket()
}

func sendRollbackXact(buf *tdsBuffer, headers []headerStruct, name string, flags uint8, isolation uint8, newname string, resetSession bool) error {
	buf.BeginPacket(packTransMgrReq, resetSession)
	if err := writeAllHeaders(buf, headers); err != nil {
		return err
	}
	var rqtype uint16 = tmRollbackXact
	if err := binary.Write(buf, binary.LittleEndian, &rqtype); err != nil {
		return err
	}
	if err := writeBVarChar(buf, name); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, &flags); err != nil {
		return err
	}
	if flags&fBeginXact != 0 {
		if err := binary.Write(buf, binary.LittleEndian, &isolation); err != nil {
			return err
		}
		if err := writeBVarChar(buf, newname); err != nil {
			return err
		}
	}
	return buf.FinishPacket()
}

func sendSaveXact(buf *tdsBuffer, headers []headerStruct, name string, resetSession bool) error {
	buf.BeginPacket(packTransMgrReq, resetSession)
	if err := writeAllHeaders(buf, headers); err != nil {
		return err
	}
	var rqtype uint16 = tmSaveXact
	if err := binary.Write(buf, binary.LittleEndian, &rqtype); err != nil {
		return err
	}
	if err := writeBVarChar(buf, name); err != nil {
		return err
	}
	return buf.FinishPacket()
}

func (s *tdsSession) preparePreloginFields(ctx context.Context, p msdsn.Config, fedAuthRequired bool) map[uint8][]byte {
	instanceBuf := []byte(p.Instance)
	instanceBuf = append(instanceBuf, 0) // zero terminate instance name

	var encrypt byte
	switch p.Encryption {
	default:
		panic(fmt.Errorf("unsupported encryption config %v", p.Encryption))
	case msdsn.EncryptionDisabled:
		encrypt = encryptNotSup
	case msdsn.EncryptionRequired:
		encrypt = encryptOn
	case msdsn.EncryptionOff:
		encrypt = encryptOff
	case msdsn.EncryptionStrict:
		encrypt = encryptStrict
	}
	v := getDriverVersion(driverVersion)
	fields := map[uint8][]byte{
		// 4 bytes for version and 2 bytes for minor version
		preloginVERSION:    {byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), 0, 0},
		preloginENCRYPTION: {encrypt},
		preloginINSTOPT:    instanceBuf,
		preloginTHREADID:   {0, 0, 0, 0},
		preloginMARS:       {0}, // MARS disabled
	}

	if !p.NoTraceID {
		traceID := make([]byte, 36) // 16 byte connection id + 16 byte activity id + 4 byte sequence number
		copy(traceID[:16], s.connid)
		copy(traceID[16:32], s.activityid)
		fields[preloginTRACEID] = traceID
		s.LogF(ctx, msdsn.LogDebug, "creating prelogin packet with connection id '%x' and activity id '%x'",
			traceID[:16], traceID[16:32])
	}
	if fedAuthRequired {
		fields[preloginFEDAUTHREQUIRED] = []byte{1}
	}

	return fields
}

// interpretEncryption works out what the wire does after the prelogin
// exchange, given what we offered and what the server answered.
func interpretEncryption(fields map[uint8][]byte, p msdsn.Config) (byte, error) {
	encryptBytes, ok := fields[preloginENCRYPTION]
	if !ok || len(encryptBytes) == 0 {
		return 0, protocolErrorf("PRELOGIN response is missing the ENCRYPTION option")
	}
	encrypt := encryptBytes[0]
	if p.Encryption == msdsn.EncryptionRequired && (encrypt == encryptNotSup || encrypt == encryptOff) {
		return 0, protocolErrorf("server does not support encryption")
	}
	if p.Encryption == msdsn.EncryptionDisabled && (encrypt == encryptOn || encrypt == encryptReq) {
		return 0, protocolErrorf("server requires encryption")
	}
	return encrypt, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func prepareLogin(ctx context.Context, c *Connector, p msdsn.Config, sess *tdsSession, packetSize uint32) *login {
	workstation := p.Workstation
	if workstation == "" {
		workstation = hostname()
	}
	l := &login{
		TDSVersion:    verTDS74,
		PacketSize:    packetSize,
		UserName:      p.User,
		Password:      p.Password,
		Database:      p.Database,
		ServerName:    p.Host,
		AppName:       p.AppName,
		CtlIntName:    "go-tds",
		HostName:      workstation,
		ClientProgVer: getDriverVersion(driverVersion),
		OptionFlags1:  fUseDB | fSetLang,
		OptionFlags2:  fODBC | fLanguageFatal,
	}
	l.FeatureExt.Add(&featureExtUTF8Support{})
	if c != nil && c.fedAuthLibrary != fedAuthLibraryReserved {
		if err := l.FeatureExt.Add(&featureExtFedAuth{
			FedAuthLibrary: c.fedAuthLibrary,
			FedAuthEcho:    true,
			FedAuthToken:   c.fedAuthToken,
			ADALWorkflow:   c.fedAuthWorkflow,
		}); err != nil {
			sess.LogF(ctx, msdsn.LogErrors, "fedauth extension rejected: %v", err)
		}
	}
	if c != nil && c.Authenticator != nil {
		initial, err := c.Authenticator.InitialBytes()
		if err == nil {
			l.SSPI = initial
			l.OptionFlags2 |= fIntSecurity
		} else {
			sess.LogF(ctx, msdsn.LogErrors, "authenticator failed to produce initial bytes: %v", err)
		}
	}
	return l
}

// connect drives the PreLoginSent -> TlsHandshake -> LoginSent -> Ready
// sequence on a freshly dialed transport. If the server answers the
// login with a routing ENVCHANGE, connect returns a RoutingError and
// the caller owns replacing the transport and starting over.
func (c *Conn) connect(ctx context.Context, p msdsn.Config) error {
	connector := c.connector
	var logger ContextLogger
	if connector != nil {
		logger = connector.logger
	}
	dialCtx := ctx
	if p.ConnTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.ConnTimeout)
		defer cancel()
	}
	conn, err := dialConnection(dialCtx, connector, p)
	if err != nil {
		if dialCtx.Err() != nil {
			return TimeoutError{kind: timeoutConnect}
		}
		return err
	}

	toconn := newTimeoutConn(conn, p.ConnTimeout)

	var packetSize uint16 = p.PacketSize
	if packetSize == 0 {
		packetSize = msdsn.DefaultPacketSize
	}
	if packetSize < msdsn.MinPacketSize {
		packetSize = msdsn.MinPacketSize
	} else if packetSize > msdsn.MaxPacketSize {
		packetSize = msdsn.MaxPacketSize
	}
	outbuf := newTdsBuffer(packetSize, toconn)

	sess := newSession(outbuf, logger, p)
	c.sess = sess

	if p.Encryption == msdsn.EncryptionStrict {
		// TDS 8.0: TLS is outermost, from the very first byte.
		c.setState(stateTLSHandshake)
		tlsConn, err := wrapTLS(dialCtx, conn, p.TLSConfig)
		if err != nil {
			conn.Close()
			return err
		}
		toconn.c = tlsConn
	}

	fedAuthRequired := c.connector != nil && c.connector.fedAuthLibrary != fedAuthLibraryReserved
	fields := sess.preparePreloginFields(ctx, p, fedAuthRequired)

	err = writePrelogin(packPrelogin, outbuf, fields)
	if err != nil {
		conn.Close()
		return err
	}
	c.setState(statePreLoginSent)
	fields, err = readPrelogin(outbuf)
	if err != nil {
		conn.Close()
		return err
	}
	encrypt := byte(encryptNotSup)
	if p.Encryption != msdsn.EncryptionStrict {
		encrypt, err = interpretEncryption(fields, p)
		if err != nil {
			conn.Close()
			return err
		}
	}

	if p.Encryption != msdsn.EncryptionStrict && encrypt != encryptNotSup {
		// TLS handshake is tunnelled through prelogin-typed packets
		// until it completes, then the login packet rides inside TLS.
		c.setState(stateTLSHandshake)
		var tlsConn *tls.Conn
		tlsConn, err = handshakeTLSOverPackets(dialCtx, outbuf, toconn, p.TLSConfig)
		if err != nil {
			conn.Close()
			if dialCtx.Err() != nil {
				return TimeoutError{kind: timeoutTLS}
			}
			return err
		}
		if encrypt == encryptOff {
			// Login-only encryption: fall back to the raw transport
			// after the login packet goes out.
			outbuf.afterFirst = func() {
				outbuf.transport = toconn
			}
		}
		outbuf.transport = tlsConn
	}

	l := prepareLogin(ctx, c.connector, p, sess, uint32(outbuf.PackageSize()))
	err = sendLogin(outbuf, l)
	if err != nil {
		conn.Close()
		return err
	}
	c.setState(stateLoginSent)

	err = sess.processLoginResponse(ctx, c.connector)
	if err != nil {
		conn.Close()
		return err
	}
	if sess.routedServer != "" {
		conn.Close()
		return RoutingError{Host: sess.routedServer, Port: sess.routedPort}
	}
	// ConnTimeout covers the handshake only; clear its deadline.
	toconn.timeout = 0
	_ = toconn.c.SetDeadline(time.Time{})
	c.setState(stateReady)
	return nil
}

// processLoginResponse drains the login token stream: ENVCHANGE and
// FEATUREEXTACK are applied to the session, SSPI challenges are handed
// to the authenticator, LOGINACK flags success.
func (s *tdsSession) processLoginResponse(ctx context.Context, c *Connector) error {
	var sspiLoop int
	for {
		tokChan := make(chan tokenStruct, 5)
		go processSingleResponse(ctx, s, tokChan)
		success := false
		var sspiChallenge []byte
		var loginErr error
		for tok := range tokChan {
			switch token := tok.(type) {
			case sspiStruct:
				sspiChallenge = token.Data
			case loginAckStruct:
				success = true
				s.loginAck = token
			case doneStruct:
				if token.isError() && loginErr == nil {
					loginErr = token.getError()
				}
			case error:
				if loginErr == nil {
					loginErr = token
				}
			}
		}
		if loginErr != nil {
			return loginErr
		}
		if success {
			return nil
		}
		if s.routedServer != "" {
			return nil
		}
		if sspiChallenge == nil {
			return AuthError{Message: "login response carried neither LOGINACK nor a challenge"}
		}
		if c == nil || c.Authenticator == nil {
			return AuthError{Message: "server requested integrated authentication but no authenticator is configured"}
		}
		sspiLoop++
		if sspiLoop > 10 {
			return AuthError{Message: "authentication exchange did not converge"}
		}
		next, err := c.Authenticator.NextBytes(sspiChallenge)
		if err != nil {
			return AuthError{Message: err.Error()}
		}
		s.buf.BeginPacket(packSSPIMessage, false)
		if _, err = s.buf.Write(next); err != nil {
			return err
		}
		if err = s.buf.FinishPacket(); err != nil {
			return err
		}
	}
}

func newSession(outbuf *tdsBuffer, logger ContextLogger, p msdsn.Config) *tdsSession {
	sess := &tdsSession{
		buf:        outbuf,
		logger:     logger,
		logFlags:   uint64(p.LogFlags),
		packetSize: outbuf.PackageSize(),
		database:   p.Database,
	}
	sess.connid, sess.activityid = newTraceIDs()
	return sess
}

func wrapTLS(ctx context.Context, conn net.Conn, config *tls.Config) (net.Conn, error) {
	if config == nil {
		config = &tls.Config{InsecureSkipVerify: true}
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, TransportError{Err: err}
	}
	return tlsConn, nil
}

// validIdentifier vets savepoint and transaction names before they are
// interpolated into a transaction manager request.
func validIdentifier(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_' || r == '@' || r == '#':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// newTraceIDs generates the connection and activity ids carried in the
// prelogin TRACEID field. Best effort: a failed random read leaves the
// ids zeroed rather than failing the connection.
func newTraceIDs() (connid, activityid string) {
	cid, err := uuid.NewRandom()
	if err != nil {
		return "", ""
	}
	aid, err := uuid.NewRandom()
	if err != nil {
		return string(cid[:]), ""
	}
	return string(cid[:]), string(aid[:])
}
