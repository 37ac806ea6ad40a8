// Package auth holds the pre-shared key primitives of the link handshake:
// challenge signing, session key wrapping and payload encryption.
//
// Every AES-CBC operation uses the key as its IV. That matches deployed
// peers and is a known weak construction.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// Verifier checks an AUTH challenge and returns the authenticated serial.
type Verifier interface {
	Verify(serial string, sign []byte) (string, error)
}

// PresharedKey verifies challenges signed with Key. When ExpectedSerial is
// set the recovered serial must equal it; otherwise it must equal the serial
// claimed in the request.
type PresharedKey struct {
	Key            []byte
	ExpectedSerial string
}

func (p PresharedKey) Verify(serial string, sign []byte) (string, error) {
	got, err := VerifySign(p.Key, sign)
	if err != nil {
		return "", err
	}
	want := strings.TrimSpace(p.ExpectedSerial)
	if want == "" {
		want = serial
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return "", fmt.Errorf("%w: got=%q", ErrSerialMismatch, got)
	}
	return got, nil
}

// FuncVerifier adapts a function into a Verifier.
type FuncVerifier func(serial string, sign []byte) (string, error)

func (f FuncVerifier) Verify(serial string, sign []byte) (string, error) {
	return f(serial, sign)
}
