// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keytree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrInvalidPath is returned when a derivation path string cannot be parsed.
var ErrInvalidPath = errors.New("invalid derivation path")

// ChildNumber is a child index including the hardened bit.
type ChildNumber uint32

// Hardened returns the hardened child number for index.
func Hardened(index uint32) ChildNumber {
	return ChildNumber(index | HardenedKeyStart)
}

// Normal returns the non-hardened child number for index.
func Normal(index uint32) ChildNumber {
	return ChildNumber(index &^ HardenedKeyStart)
}

// IsHardened reports whether the child number is in the hardened range.
func (c ChildNumber) IsHardened() bool {
	return uint32(c)&HardenedKeyStart != 0
}

// Index returns the child index without the hardened bit.
func (c ChildNumber) Index() uint32 {
	return uint32(c) &^ HardenedKeyStart
}

// String returns the BIP32 notation, e.g. 44' or 7.
func (c ChildNumber) String() string {
	if c.IsHardened() {
		return fmt.Sprintf("%d'", c.Index())
	}

	return strconv.FormatUint(uint64(c), 10)
}

// next returns the following child number in the same range. Running out of
// indices within a range cannot happen in practice, since every skip has a
// probability below 2^-127.
func (c ChildNumber) next() ChildNumber {
	if c.Index() == HardenedKeyStart-1 {
		panic(fmt.Sprintf("child index space exhausted after %v", c))
	}

	return c + 1
}

// Path is a sequence of child numbers from the master node.
type Path []ChildNumber

// ParsePath parses a path of the form m/44'/0'/0'/1. The leading m is
// optional and h may be used instead of '.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return Path{}, nil
	}

	parts := strings.Split(s, "/")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'") ||
			strings.HasSuffix(part, "h")
		digits := strings.TrimRight(part, "'h")

		index, err := strconv.ParseUint(digits, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, part,
				err)
		}

		if hardened {
			path = append(path, Hardened(uint32(index)))
		} else {
			path = append(path, Normal(uint32(index)))
		}
	}

	return path, nil
}

// String returns the path in m/.. notation.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, c := range p {
		b.WriteString("/")
		b.WriteString(c.String())
	}

	return b.String()
}

// Equal reports whether both paths contain the same child numbers.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// Child returns a copy of the path extended by c.
func (p Path) Child(c ChildNumber) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)

	return append(child, c)
}

// position describes where a node sits in the tree.
type position struct {
	// path holds the child numbers from the master node to this node,
	// using the indices that actually produced each key.
	path Path

	// parentFP is the fingerprint of the parent node, zero for the
	// master node.
	parentFP uint32

	// fingerprint caches the fingerprint of this node.
	fingerprint uint32
}

// Depth returns the number of derivation steps from the master node.
func (p position) Depth() int {
	return len(p.path)
}

// Path returns a copy of the node's derivation path.
func (p position) Path() Path {
	return append(Path{}, p.path...)
}

// ChildNumber returns the child number of the node, zero for the master node.
func (p position) ChildNumber() ChildNumber {
	if len(p.path) == 0 {
		return 0
	}

	return p.path[len(p.path)-1]
}

// ParentFingerprint returns the parent's fingerprint.
func (p position) ParentFingerprint() uint32 {
	return p.parentFP
}

// Fingerprint returns the node's own fingerprint.
func (p position) Fingerprint() uint32 {
	return p.fingerprint
}

// deriveValid derives the child at start, skipping forward to the next index
// in the same range for as long as derive reports ErrInvalidChild. It returns
// the derived value together with the child number that produced it. Any
// other error aborts the loop.
//
// The loop has no static bound. Each skip happens with probability below
// 2^-127, so the chance of never terminating is negligible.
func deriveValid[T any](start ChildNumber,
	derive func(ChildNumber) (T, error)) (T, ChildNumber, error) {

	for c := start; ; c = c.next() {
		v, err := derive(c)
		if errors.Is(err, ErrInvalidChild) {
			log.Warnf("Skipping index %v: %v", c, err)

			continue
		}
		if err != nil {
			var empty T
			return empty, c, err
		}

		return v, c, nil
	}
}

// FullNode is a positioned extended key holding its private scalar.
type FullNode struct {
	key *ExtendedKey
	position
}

// NewMaster derives the master node from a BIP32 seed.
func NewMaster(seed []byte) (*FullNode, error) {
	key, err := newMasterKey(seed)
	if err != nil {
		return nil, err
	}

	return &FullNode{
		key: key,
		position: position{
			path:        Path{},
			fingerprint: key.Fingerprint(),
		},
	}, nil
}

// Key returns the node's extended key.
func (n *FullNode) Key() *ExtendedKey {
	return n.key
}

// PubKey returns the node's public key.
func (n *FullNode) PubKey() *btcec.PublicKey {
	return n.key.pub
}

// PrivKey returns a copy of the node's private key.
func (n *FullNode) PrivKey() *btcec.PrivateKey {
	return n.key.PrivKey()
}

// Child derives the direct child at c, skipping forward on invalid
// candidates. The returned node records the actual child number.
func (n *FullNode) Child(c ChildNumber) (*FullNode, error) {
	key, actual, err := deriveValid(c, n.childKey)
	if err != nil {
		return nil, err
	}

	return &FullNode{
		key: key,
		position: position{
			path:        n.path.Child(actual),
			parentFP:    n.fingerprint,
			fingerprint: key.Fingerprint(),
		},
	}, nil
}

// Derive follows a path relative to the node and returns the final node.
func (n *FullNode) Derive(path Path) (*FullNode, error) {
	node := n
	for _, c := range path {
		child, err := node.Child(c)
		if err != nil {
			return nil, err
		}

		// Intermediate private keys are no longer needed.
		if node != n {
			node.Zero()
		}
		node = child
	}

	return node, nil
}

// childKey derives the key at c without skipping.
func (n *FullNode) childKey(c ChildNumber) (*ExtendedKey, error) {
	if c.IsHardened() {
		return n.key.deriveHardenedPrivateChild(c.Index())
	}

	return n.key.deriveNonHardenedPrivateChild(c.Index())
}

// Neuter returns the public-only version of the node.
func (n *FullNode) Neuter() *NeuteredNode {
	return &NeuteredNode{
		key: n.key.neuter(),
		position: position{
			path:        n.Path(),
			parentFP:    n.parentFP,
			fingerprint: n.fingerprint,
		},
	}
}

// Zero clears the node's secret material.
func (n *FullNode) Zero() {
	n.key.Zero()
}

// NeuteredNode is a positioned extended key without the private scalar. It
// can only derive non-hardened children.
type NeuteredNode struct {
	key *ExtendedKey
	position
}

// PubKey returns the node's public key.
func (n *NeuteredNode) PubKey() *btcec.PublicKey {
	return n.key.pub
}

// ChainCode returns the node's chain code.
func (n *NeuteredNode) ChainCode() ChainCode {
	return n.key.chainCode
}

// Child derives the non-hardened child at index, skipping forward on invalid
// candidates. It returns ErrDeriveHardenedFromPublic for hardened indices.
func (n *NeuteredNode) Child(c ChildNumber) (*NeuteredNode, error) {
	key, actual, err := deriveValid(c, n.childKey)
	if err != nil {
		return nil, err
	}

	return &NeuteredNode{
		key: key,
		position: position{
			path:        n.path.Child(actual),
			parentFP:    n.fingerprint,
			fingerprint: key.Fingerprint(),
		},
	}, nil
}

// Derive follows a non-hardened path relative to the node.
func (n *NeuteredNode) Derive(path Path) (*NeuteredNode, error) {
	node := n
	for _, c := range path {
		child, err := node.Child(c)
		if err != nil {
			return nil, err
		}
		node = child
	}

	return node, nil
}

// ChildPubKey returns the public key of the non-hardened child at index,
// after skip-forward.
func (n *NeuteredNode) ChildPubKey(index uint32) (*btcec.PublicKey, error) {
	child, err := n.Child(Normal(index))
	if err != nil {
		return nil, err
	}

	return child.PubKey(), nil
}

// childKey derives the key at c without skipping.
func (n *NeuteredNode) childKey(c ChildNumber) (*ExtendedKey, error) {
	if c.IsHardened() {
		return nil, ErrDeriveHardenedFromPublic
	}

	return n.key.deriveNonHardenedPublicChild(c.Index())
}

// Equal reports whether both nodes hold the same key at the same position.
func (n *NeuteredNode) Equal(other *NeuteredNode) bool {
	return n.key.pub.IsEqual(other.key.pub) &&
		n.key.chainCode == other.key.chainCode &&
		n.path.Equal(other.path) &&
		n.parentFP == other.parentFP
}
