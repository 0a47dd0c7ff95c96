package mssql

import (
	"encoding/binary"
)

// Login7 feature extension ids.
// https://learn.microsoft.com/openspecs/windows_protocols/ms-tds
const (
	featExtSESSIONRECOVERY    byte = 0x01
	featExtFEDAUTH            byte = 0x02
	featExtCOLUMNENCRYPTION   byte = 0x04
	featExtGLOBALTRANSACTIONS byte = 0x05
	featExtAZURESQLSUPPORT    byte = 0x08
	featExtDATACLASSIFICATION byte = 0x09
	featExtUTF8SUPPORT        byte = 0x0A
	featExtAZURESQLDNSCACHING byte = 0x0B
	featExtTERMINATOR         byte = 0xFF
)

// Federated authentication library identifiers carried inside the
// FEDAUTH feature extension.
const (
	fedAuthLibraryLiveIDCompactToken = 0x00
	fedAuthLibrarySecurityToken      = 0x01
	fedAuthLibraryADAL               = 0x02
	fedAuthLibraryReserved           = 0x7F
)

const (
	fedAuthADALWorkflowPassword   = 0x01
	fedAuthADALWorkflowIntegrated = 0x02
)

type featureExt interface {
	featureID() byte
	toBytes() []byte
}

type featureExts struct {
	features map[byte]featureExt
}

func (e *featureExts) Add(f featureExt) error {
	if f == nil {
		return nil
	}
	id := f.featureID()
	if _, exists := e.features[id]; exists {
		return protocolErrorf("login error: duplicate feature %#x", id)
	}
	if e.features == nil {
		e.features = make(map[byte]featureExt)
	}
	e.features[id] = f
	return nil
}

func (e featureExts) toBytes() []byte {
	if len(e.features) == 0 {
		return nil
	}
	var d []byte
	// Emit in ascending feature id order so the block is stable.
	for id := 0; id < 256; id++ {
		f, ok := e.features[byte(id)]
		if !ok {
			continue
		}
		featBytes := f.toBytes()
		hdr := make([]byte, 5)
		hdr[0] = byte(id)
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(featBytes)))
		d = append(d, hdr...)
		d = append(d, featBytes...)
	}
	return append(d, featExtTERMINATOR)
}

// featureExtFedAuth carries the federated authentication block. The
// access token is produced by the pluggable authenticator; the core
// only owns the wire layout.
type featureExtFedAuth struct {
	FedAuthLibrary int
	FedAuthEcho    bool
	FedAuthToken   string
	ADALWorkflow   byte
}

func (e *featureExtFedAuth) featureID() byte { return featExtFEDAUTH }

func (e *featureExtFedAuth) toBytes() []byte {
	options := byte(e.FedAuthLibrary) << 1
	if e.FedAuthEcho {
		options |= 1
	}

	var d []byte
	switch e.FedAuthLibrary {
	case fedAuthLibrarySecurityToken:
		d = append(d, options)
		token := str2ucs2(e.FedAuthToken)
		tokenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(tokenBytes, uint32(len(token)))
		d = append(d, tokenBytes...)
		d = append(d, token...)
	case fedAuthLibraryADAL:
		d = append(d, options, e.ADALWorkflow)
	}
	return d
}

// featureExtUTF8Support asks the server to accept and emit UTF-8 data
// for varchar types.
type featureExtUTF8Support struct{}

func (e *featureExtUTF8Support) featureID() byte { return featExtUTF8SUPPORT }

func (e *featureExtUTF8Support) toBytes() []byte {
	return []byte{1}
}
