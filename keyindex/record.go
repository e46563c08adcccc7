package keyindex

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// RecordSize is the size of a derived public key record on disk.
const RecordSize = 33

// Prefix is the first byte of a key record. It tells an x-only key apart
// from the two parities of a compressed key.
type Prefix uint8

const (
	// XOnly marks a 32 byte x-only key.
	XOnly Prefix = 1

	// EvenY marks a compressed key with even y coordinate.
	EvenY Prefix = 2

	// OddY marks a compressed key with odd y coordinate.
	OddY Prefix = 3
)

// ErrMalformedKey is returned when a key record fails to decode.
var ErrMalformedKey = errors.New("malformed key record")

// Record is a derived public key stored at position Index of a key index.
type Record struct {
	Index  uint32
	Prefix Prefix
	Key    [32]byte
}

// NewRecord returns the record holding the compressed encoding of pub.
func NewRecord(index uint32, pub *btcec.PublicKey) Record {
	compressed := pub.SerializeCompressed()

	r := Record{Index: index, Prefix: Prefix(compressed[0])}
	copy(r.Key[:], compressed[1:])

	return r
}

// NewXOnlyRecord returns the record holding the x-only encoding of pub.
func NewXOnlyRecord(index uint32, pub *btcec.PublicKey) Record {
	r := Record{Index: index, Prefix: XOnly}
	copy(r.Key[:], schnorr.SerializePubKey(pub))

	return r
}

// IsXOnly reports whether the record stores an x-only key.
func (r Record) IsXOnly() bool {
	return r.Prefix == XOnly
}

// PubKey parses the stored key. X-only keys are lifted to even y.
func (r Record) PubKey() (*btcec.PublicKey, error) {
	if r.IsXOnly() {
		return schnorr.ParsePubKey(r.Key[:])
	}

	var compressed [RecordSize]byte
	compressed[0] = byte(r.Prefix)
	copy(compressed[1:], r.Key[:])

	return btcec.ParsePubKey(compressed[:])
}

func (r Record) encode() []byte {
	b := make([]byte, RecordSize)
	b[0] = byte(r.Prefix)
	copy(b[1:], r.Key[:])

	return b
}

func decodeRecord(index uint32, b []byte) (Record, error) {
	if len(b) != RecordSize {
		return Record{}, fmt.Errorf("%w: size %d", ErrMalformedKey, len(b))
	}

	prefix := Prefix(b[0])
	if prefix < XOnly || prefix > OddY {
		return Record{}, fmt.Errorf("%w: prefix %d", ErrMalformedKey,
			prefix)
	}

	r := Record{Index: index, Prefix: prefix}
	copy(r.Key[:], b[1:])

	return r, nil
}
