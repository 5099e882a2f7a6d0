// Package aes seals small secrets (certificate and ATV passwords) at rest with AES-256-CBC.
//
// A sealed value is IV || ciphertext, PKCS#7 padded, under a 32 byte master key.
package aes

import (
	"bytes"
	aes2 "crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/go-faster/errors"
)

const KeySize = 32

var ErrBadPadding = errors.New("aes: invalid padding")

// GenerateKey returns a random 256-bit master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return key, nil
}

// DecodeKey parses a base64 master key as found in configuration.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode master key")
	}
	if len(key) != KeySize {
		Zero(key)
		return nil, errors.Errorf("master key must have %d bytes, has %d", KeySize, len(key))
	}
	return key, nil
}

// Seal encrypts plain with a fresh random IV and returns IV || ciphertext.
func Seal(plain, key []byte) ([]byte, error) {
	iv := make([]byte, aes2.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}
	ct, err := Encrypt(plain, key, iv)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

// Open reverses Seal. The returned slice is owned by the caller, who should Zero it when done.
func Open(sealed, key []byte) ([]byte, error) {
	if len(sealed) < 2*aes2.BlockSize {
		return nil, errors.New("aes: sealed value too short")
	}
	return Decrypt(sealed[aes2.BlockSize:], key, sealed[:aes2.BlockSize])
}

// Encrypt is AES-256-CBC with PKCS#7 padding. plain is not modified.
func Encrypt(plain, key, iv []byte) ([]byte, error) {
	block, err := newCipher(key, iv)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plain, aes2.BlockSize)
	defer Zero(padded)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes2.BlockSize != 0 {
		return nil, errors.New("aes: ciphertext is not a multiple of the block size")
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad <= 0 || pad > aes2.BlockSize {
		Zero(plain)
		return nil, ErrBadPadding
	}
	for i := 0; i < pad; i++ {
		if plain[len(plain)-1-i] != byte(pad) {
			Zero(plain)
			return nil, ErrBadPadding
		}
	}
	return plain[:len(plain)-pad], nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newCipher(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("aes: key must have %d bytes (AES-256), has %d", KeySize, len(key))
	}
	if len(iv) != aes2.BlockSize {
		return nil, errors.Errorf("aes: iv must have %d bytes, has %d", aes2.BlockSize, len(iv))
	}
	block, err := aes2.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	return block, nil
}

func pkcs7Pad(src []byte, blockSize int) []byte {
	padLen := blockSize - len(src)%blockSize
	out := make([]byte, len(src), len(src)+padLen)
	copy(out, src)
	return append(out, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}
