//go:build !go1.25
// +build !go1.25

package msdsn

import (
	"crypto/tls"
)

// configureTLSSignatureSchemes is a no-op for Go versions before 1.25:
// the SignatureSchemes field is not available there and those toolchains
// still negotiate SHA-1 schemes when the server insists.
func configureTLSSignatureSchemes(config *tls.Config) {
}
