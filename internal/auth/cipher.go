package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey        = errors.New("auth: invalid aes key length")
	ErrCiphertextLength  = errors.New("auth: ciphertext not a multiple of block size")
	ErrInvalidPadding    = errors.New("auth: invalid pkcs7 padding")
	ErrSignatureMismatch = errors.New("auth: signature crc mismatch")
	ErrSignatureFormat   = errors.New("auth: malformed signature")
	ErrSerialMismatch    = errors.New("auth: serial number mismatch")
	ErrInvalidSessionKey = errors.New("auth: invalid session key")
)

// Encrypt is AES-CBC with PKCS7 padding. The key doubles as the IV to stay
// wire compatible with deployed peers; callers must not treat the output as
// semantically secure.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:block.BlockSize()]).CryptBlocks(out, padded)
	return out, nil
}

func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: len=%d", ErrCiphertextLength, len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:bs]).CryptBlocks(out, ciphertext)
	return unpad(out, bs)
}

// EncryptedLen is the ciphertext length Encrypt produces for n plaintext bytes.
func EncryptedLen(n int) int {
	return (n/aes.BlockSize + 1) * aes.BlockSize
}

func ValidKey(key []byte) bool {
	switch len(key) {
	case 16, 24, 32:
		return true
	default:
		return false
	}
}

func newBlock(key []byte) (cipher.Block, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKey, len(key))
	}
	return aes.NewCipher(key)
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, bs int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
