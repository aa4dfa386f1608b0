// Package codec encrypts and decrypts message bodies. Wire format:
// hex(iv) || hex(ciphertext), AES-256-CBC with PKCS#7 padding and a fresh
// random IV per encryption, so repeated encryptions of the same plaintext
// yield different ciphertexts.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Placeholder is returned for any ciphertext that cannot be decrypted.
// Decryption failure degrades per-message; it must never crash a pipeline.
const Placeholder = "[undecryptable]"

const ivHexLen = 2 * aes.BlockSize

// Encrypt encrypts plaintext under the given key string.
func Encrypt(plaintext, key string) (string, error) {
	block, err := aes.NewCipher(stretchKey(key))
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any cryptographic, padding, or format failure
// returns Placeholder instead of an error.
func Decrypt(ciphertext, key string) string {
	plain, err := decrypt(ciphertext, key)
	if err != nil {
		return Placeholder
	}
	return plain
}

func decrypt(ciphertext, key string) (string, error) {
	if len(ciphertext) <= ivHexLen {
		return "", errors.New("ciphertext too short")
	}
	iv, err := hex.DecodeString(ciphertext[:ivHexLen])
	if err != nil {
		return "", err
	}
	data, err := hex.DecodeString(ciphertext[ivHexLen:])
	if err != nil {
		return "", err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext not block aligned")
	}

	block, err := aes.NewCipher(stretchKey(key))
	if err != nil {
		return "", err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	return unpad(out)
}

// stretchKey maps an arbitrary key string onto a 32-byte AES-256 key.
func stretchKey(key string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(key))
	return h.Sum(nil)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) (string, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return "", errors.New("bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return "", errors.New("bad padding")
		}
	}
	return string(data[:len(data)-n]), nil
}
