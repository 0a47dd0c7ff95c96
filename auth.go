package mssql

// Authenticator is the contract between the connection core and a
// pluggable authentication backend (Kerberos, SSPI, federated auth).
// The core owns packet framing and login state transitions; the
// authenticator owns credential handling.
//
// InitialBytes produces the first exchange block carried in the LOGIN7
// SSPI field. NextBytes is called once per server challenge until the
// exchange converges (an empty reply with a LOGINACK on the wire) or
// fails. Free releases any credential handles once login completes
// either way.
type Authenticator interface {
	InitialBytes() ([]byte, error)
	NextBytes([]byte) ([]byte, error)
	Free()
}
