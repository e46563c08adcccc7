// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keytree implements hierarchical deterministic key derivation as
// defined by BIP32, seeded from BIP39 mnemonics, together with the BIP341
// key-path tweak used for single-key taproot outputs.
//
// Derivation never fails on an invalid child candidate. Instead it skips
// forward to the next child index, so callers always receive a usable key
// along with the index that actually produced it.
package keytree

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// HardenedKeyStart is the index at which a hardened key starts. Each
	// extended key has 2^31 normal child keys and 2^31 hardened child
	// keys.
	HardenedKeyStart = uint32(0x80000000)

	// ChainCodeSize is the size in bytes of a chain code.
	ChainCodeSize = 32
)

var (
	// ErrInvalidChild describes a candidate child key that cannot be used
	// because its scalar overflows the group order or the resulting point
	// is at infinity. Callers skip forward to the next index when they
	// see this error.
	ErrInvalidChild = errors.New("the extended key at this index is invalid")

	// ErrDeriveHardenedFromPublic is returned when a hardened child is
	// requested from a neutered key.
	ErrDeriveHardenedFromPublic = errors.New("cannot derive a hardened " +
		"key from a public key")

	// ErrUnusableSeed is returned when a seed produces an invalid master
	// key.
	ErrUnusableSeed = errors.New("unusable seed")

	// ErrInvalidSeedLen is returned when the seed length is outside the
	// range allowed by BIP32.
	ErrInvalidSeedLen = errors.New("seed length must be between 128 and " +
		"512 bits")

	// masterKey is the HMAC key used to derive the master node.
	masterKey = []byte("Bitcoin seed")
)

// ChainCode is the 32-byte entropy extension of an extended key.
type ChainCode [ChainCodeSize]byte

// Zero overwrites the chain code with zeroes.
func (c *ChainCode) Zero() {
	for i := range c {
		c[i] = 0
	}
}

// ExtendedKey is a key pair extended with a chain code. The private scalar is
// nil for a neutered key.
type ExtendedKey struct {
	priv      *secp.ModNScalar
	pub       *btcec.PublicKey
	chainCode ChainCode
}

// newPrivateExtendedKey builds an extended key from a private scalar and
// computes the matching public point.
func newPrivateExtendedKey(k *secp.ModNScalar, cc ChainCode) *ExtendedKey {
	priv := new(secp.ModNScalar).Set(k)
	pub := secp.NewPrivateKey(priv).PubKey()

	return &ExtendedKey{priv: priv, pub: pub, chainCode: cc}
}

// IsPrivate returns true when the key holds a private scalar.
func (k *ExtendedKey) IsPrivate() bool {
	return k.priv != nil
}

// PubKey returns the public point of the key.
func (k *ExtendedKey) PubKey() *btcec.PublicKey {
	return k.pub
}

// ChainCode returns a copy of the chain code.
func (k *ExtendedKey) ChainCode() ChainCode {
	return k.chainCode
}

// PrivKey returns a private key for the scalar, or nil when the key is
// neutered. The returned key is a copy and may be zeroed by the caller.
func (k *ExtendedKey) PrivKey() *btcec.PrivateKey {
	if k.priv == nil {
		return nil
	}

	return secp.NewPrivateKey(new(secp.ModNScalar).Set(k.priv))
}

// Fingerprint returns the first four bytes of the HASH160 of the compressed
// public key.
func (k *ExtendedKey) Fingerprint() uint32 {
	id := btcutil.Hash160(k.pub.SerializeCompressed())

	return binary.BigEndian.Uint32(id[:4])
}

// neuter returns a copy of the key without the private scalar.
func (k *ExtendedKey) neuter() *ExtendedKey {
	return &ExtendedKey{pub: k.pub, chainCode: k.chainCode}
}

// Zero clears the private scalar and the chain code.
func (k *ExtendedKey) Zero() {
	if k.priv != nil {
		k.priv.Zero()
	}
	k.chainCode.Zero()
}

// newMasterKey derives the master extended key from a seed.
func newMasterKey(seed []byte) (*ExtendedKey, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, ErrInvalidSeedLen
	}

	il, ir := hmacDigest(masterKey, seed)
	defer zero(il)

	var k secp.ModNScalar
	defer k.Zero()

	if overflow := k.SetByteSlice(il); overflow || k.IsZero() {
		return nil, ErrUnusableSeed
	}

	var cc ChainCode
	copy(cc[:], ir)
	zero(ir)

	return newPrivateExtendedKey(&k, cc), nil
}

// deriveHardenedPrivateChild derives the hardened child at index. The index
// is given without the hardened offset.
func (k *ExtendedKey) deriveHardenedPrivateChild(index uint32) (*ExtendedKey,
	error) {

	if k.priv == nil {
		return nil, ErrDeriveHardenedFromPublic
	}

	// data = 0x00 || ser256(k) || ser32(i).
	var data [1 + 32 + 4]byte
	k.priv.PutBytesUnchecked(data[1:33])
	binary.BigEndian.PutUint32(data[33:], index|HardenedKeyStart)
	defer zero(data[:])

	return k.privateChild(data[:])
}

// deriveNonHardenedPrivateChild derives the normal child at index from a
// private key.
func (k *ExtendedKey) deriveNonHardenedPrivateChild(index uint32) (
	*ExtendedKey, error) {

	if k.priv == nil {
		return nil, ErrDeriveHardenedFromPublic
	}

	return k.privateChild(publicData(k.pub, index))
}

// deriveNonHardenedPublicChild derives the public child at index. It works on
// both private and neutered keys, and always returns a neutered key.
func (k *ExtendedKey) deriveNonHardenedPublicChild(index uint32) (
	*ExtendedKey, error) {

	il, ir := hmacDigest(k.chainCode[:], publicData(k.pub, index))
	defer zero(il)

	var tweak secp.ModNScalar
	if overflow := tweak.SetByteSlice(il); overflow {
		return nil, ErrInvalidChild
	}

	// childKey = IL*G + parentKey.
	var tweakPoint, parentPoint, sum secp.JacobianPoint
	secp.ScalarBaseMultNonConst(&tweak, &tweakPoint)
	k.pub.AsJacobian(&parentPoint)
	secp.AddNonConst(&tweakPoint, &parentPoint, &sum)

	if isInfinity(&sum) {
		return nil, ErrInvalidChild
	}
	sum.ToAffine()

	var cc ChainCode
	copy(cc[:], ir)
	zero(ir)

	return &ExtendedKey{
		pub:       secp.NewPublicKey(&sum.X, &sum.Y),
		chainCode: cc,
	}, nil
}

// privateChild computes childKey = IL + parentKey mod n from the HMAC digest
// over data.
func (k *ExtendedKey) privateChild(data []byte) (*ExtendedKey, error) {
	il, ir := hmacDigest(k.chainCode[:], data)
	defer zero(il)
	defer zero(ir)

	var child secp.ModNScalar
	defer child.Zero()

	if overflow := child.SetByteSlice(il); overflow {
		return nil, ErrInvalidChild
	}

	child.Add(k.priv)
	if child.IsZero() {
		return nil, ErrInvalidChild
	}

	var cc ChainCode
	copy(cc[:], ir)

	return newPrivateExtendedKey(&child, cc), nil
}

// publicData builds serP(K) || ser32(i) for non-hardened derivation.
func publicData(pub *btcec.PublicKey, index uint32) []byte {
	data := make([]byte, 0, btcec.PubKeyBytesLenCompressed+4)
	data = append(data, pub.SerializeCompressed()...)

	return binary.BigEndian.AppendUint32(data, index)
}

// hmacDigest returns the two halves of HMAC-SHA512(key, data).
func hmacDigest(key, data []byte) ([]byte, []byte) {
	mac := hmac.New(sha512.New, key)
	_, _ = mac.Write(data)
	sum := mac.Sum(nil)

	return sum[:32], sum[32:]
}

// isInfinity reports whether the jacobian point is the point at infinity.
func isInfinity(p *secp.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}

// zero overwrites b with zeroes.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
