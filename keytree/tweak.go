// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keytree

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// TweakedKey is a taproot output key together with the internal key it was
// derived from.
type TweakedKey struct {
	// Internal is the untweaked child key.
	Internal *btcec.PublicKey

	// Output is the BIP341 key-path output key.
	Output *btcec.PublicKey

	// Index is the child index that produced a valid tweak.
	Index uint32
}

// tapTweak computes the BIP341 tweak for a key-path-only output:
// t = H_TapTweak(x(P)) and Q = lift_x(x(P)) + t*G. An overflowing tweak or a
// result at infinity is reported as ErrInvalidChild.
func tapTweak(pub *btcec.PublicKey) (*btcec.PublicKey, *secp.ModNScalar,
	error) {

	xOnly := schnorr.SerializePubKey(pub)
	h := chainhash.TaggedHash(chainhash.TagTapTweak, xOnly)

	t := new(secp.ModNScalar)
	if overflow := t.SetByteSlice(h[:]); overflow {
		return nil, nil, ErrInvalidChild
	}

	even, err := schnorr.ParsePubKey(xOnly)
	if err != nil {
		return nil, nil, err
	}

	var internal, tweakPoint, sum secp.JacobianPoint
	even.AsJacobian(&internal)
	secp.ScalarBaseMultNonConst(t, &tweakPoint)
	secp.AddNonConst(&internal, &tweakPoint, &sum)

	if isInfinity(&sum) {
		return nil, nil, ErrInvalidChild
	}
	sum.ToAffine()

	return secp.NewPublicKey(&sum.X, &sum.Y), t, nil
}

// Tweak returns the taproot output key for the non-hardened child at index.
// Should either the child derivation or the tweak be invalid, the next index
// is tried.
func (n *NeuteredNode) Tweak(index uint32) (*TweakedKey, error) {
	tweaked, _, err := deriveValid(
		Normal(index), func(c ChildNumber) (*TweakedKey, error) {
			child, err := n.childKey(c)
			if err != nil {
				return nil, err
			}

			output, _, err := tapTweak(child.pub)
			if err != nil {
				return nil, err
			}

			return &TweakedKey{
				Internal: child.pub,
				Output:   output,
				Index:    c.Index(),
			}, nil
		},
	)

	return tweaked, err
}

// TaprootKey returns the untweaked private key of the non-hardened child at
// index, following the same skip-forward rule as NeuteredNode.Tweak, along
// with the index actually used. Signers that apply the BIP86 tweak
// themselves consume the untweaked key.
func (n *FullNode) TaprootKey(index uint32) (*btcec.PrivateKey, uint32,
	error) {

	child, actual, err := deriveValid(
		Normal(index), func(c ChildNumber) (*ExtendedKey, error) {
			child, err := n.childKey(c)
			if err != nil {
				return nil, err
			}

			if _, _, err := tapTweak(child.pub); err != nil {
				child.Zero()
				return nil, err
			}

			return child, nil
		},
	)
	if err != nil {
		return nil, 0, err
	}
	defer child.Zero()

	return child.PrivKey(), actual.Index(), nil
}
