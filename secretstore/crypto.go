package secretstore

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// saltSize is the size of the random argon2id salt.
	saltSize = 32

	// headerSize is the size of salt and key derivation parameters
	// preceding the nonce: salt(32) memory(4) iterations(4)
	// parallelism(1).
	headerSize = saltSize + 4 + 4 + 1
)

var (
	// ErrDecrypt is returned when a secret cannot be opened with the
	// store's passphrase.
	ErrDecrypt = errors.New("wrong passphrase or corrupted secret")

	// ErrMalformedSecret is returned for a stored secret too short to
	// hold its header.
	ErrMalformedSecret = errors.New("malformed secret")
)

// Params are the argon2id parameters deriving the encryption key of a
// secret.
type Params struct {
	// Memory is in KiB.
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the parameters used for new stores.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func deriveKey(passphrase, salt []byte, params Params) []byte {
	return argon2.IDKey(
		passphrase, salt, params.Iterations, params.Memory,
		params.Parallelism, chacha20poly1305.KeySize,
	)
}

// seal encrypts plaintext with a key stretched from passphrase. The result
// is salt | memory | iterations | parallelism | nonce | ciphertext, with
// integers in little endian.
func seal(plaintext, passphrase []byte, params Params) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt, params)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(nonce)+len(plaintext)+
		aead.Overhead())
	out = append(out, salt...)
	out = binary.LittleEndian.AppendUint32(out, params.Memory)
	out = binary.LittleEndian.AppendUint32(out, params.Iterations)
	out = append(out, params.Parallelism)
	out = append(out, nonce...)

	return aead.Seal(out, nonce, plaintext, nil), nil
}

// open reverses seal.
func open(sealed, passphrase []byte) ([]byte, error) {
	if len(sealed) < headerSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedSecret,
			len(sealed))
	}

	salt := sealed[:saltSize]
	params := Params{
		Memory:      binary.LittleEndian.Uint32(sealed[saltSize:]),
		Iterations:  binary.LittleEndian.Uint32(sealed[saltSize+4:]),
		Parallelism: sealed[saltSize+8],
	}
	nonce := sealed[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[headerSize+chacha20poly1305.NonceSizeX:]

	key := deriveKey(passphrase, salt, params)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}
