package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	NonceLen      = 4
	crcLen        = 4
	SessionKeyLen = 16
)

// DefaultPresharedKey is the deployment key shared by stock firmware.
var DefaultPresharedKey = []byte{
	0x35, 0x32, 0x30, 0x32, 0x30, 0x22, 0x33, 0x14,
	0x30, 0x35, 0x20, 0x16, 0x30, 0x37, 0x30, 0x38,
}

// Sign builds the AUTH challenge: Enc(psk, serial || nonce || crc32(serial || nonce)).
func Sign(psk []byte, serial string, rng io.Reader) ([]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	body := make([]byte, 0, len(serial)+NonceLen+crcLen)
	body = append(body, serial...)
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, fmt.Errorf("auth: read nonce: %w", err)
	}
	body = append(body, nonce...)
	body = binary.BigEndian.AppendUint32(body, crc32.ChecksumIEEE(body))
	return Encrypt(psk, body)
}

// VerifySign decrypts sign and checks its CRC. It returns the serial number
// recovered from the challenge.
func VerifySign(psk, sign []byte) (string, error) {
	body, err := Decrypt(psk, sign)
	if err != nil {
		return "", err
	}
	if len(body) < NonceLen+crcLen {
		return "", fmt.Errorf("%w: len=%d", ErrSignatureFormat, len(body))
	}
	data := body[:len(body)-crcLen]
	var want [crcLen]byte
	binary.BigEndian.PutUint32(want[:], crc32.ChecksumIEEE(data))
	if subtle.ConstantTimeCompare(want[:], body[len(body)-crcLen:]) != 1 {
		return "", ErrSignatureMismatch
	}
	return string(data[:len(data)-NonceLen]), nil
}

func GenerateSessionKey(rng io.Reader) ([]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	key := make([]byte, SessionKeyLen)
	if _, err := io.ReadFull(rng, key); err != nil {
		return nil, fmt.Errorf("auth: read session key: %w", err)
	}
	return key, nil
}

func WrapSessionKey(psk, key []byte) ([]byte, error) {
	if len(key) != SessionKeyLen {
		return nil, fmt.Errorf("%w: len=%d", ErrInvalidSessionKey, len(key))
	}
	return Encrypt(psk, key)
}

func UnwrapSessionKey(psk, wrapped []byte) ([]byte, error) {
	key, err := Decrypt(psk, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	if len(key) != SessionKeyLen {
		return nil, fmt.Errorf("%w: len=%d", ErrInvalidSessionKey, len(key))
	}
	return key, nil
}
