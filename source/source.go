// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package source defines the fixed set of derivation branches a wallet
// watches, their BIP44-style account paths and the output scripts built from
// their keys.
package source

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcvault/keytree"
)

// ErrUnknownSource is returned when a raw tag does not name a Source.
var ErrUnknownSource = errors.New("unknown source")

// Source identifies one of the wallet's derivation branches. The numeric
// value is persisted in ledger records and must not change.
type Source uint8

const (
	// Legacy0 is the receive branch of the pre-BIP44 layout, m/0'/0.
	Legacy0 Source = iota

	// Legacy0Change is the change branch of the pre-BIP44 layout,
	// m/0'/1.
	Legacy0Change

	// Legacy44 is the BIP44 P2PKH receive branch.
	Legacy44

	// Legacy44Change is the BIP44 P2PKH change branch.
	Legacy44Change

	// LegacySegwit is the BIP49 nested segwit receive branch.
	LegacySegwit

	// LegacySegwitChange is the BIP49 nested segwit change branch.
	LegacySegwitChange

	// Segwit0 pays to native segwit scripts using the keys of Legacy0.
	Segwit0

	// Segwit0Change pays to native segwit scripts using the keys of
	// Legacy0Change.
	Segwit0Change

	// Segwit is the BIP84 native segwit receive branch.
	Segwit

	// SegwitChange is the BIP84 native segwit change branch.
	SegwitChange

	// Taproot is the BIP86 receive branch.
	Taproot

	// TaprootChange is the BIP86 change branch.
	TaprootChange

	numSources
)

// ScriptKind is the output script template of a Source.
type ScriptKind uint8

const (
	// P2PKH pays to a public key hash.
	P2PKH ScriptKind = iota

	// NestedP2WPKH pays to a witness public key hash wrapped in P2SH.
	NestedP2WPKH

	// P2WPKH pays to a native witness public key hash.
	P2WPKH

	// P2TR pays to a key-path-only taproot output.
	P2TR
)

// String returns the name of the script kind.
func (k ScriptKind) String() string {
	switch k {
	case P2PKH:
		return "p2pkh"
	case NestedP2WPKH:
		return "np2wpkh"
	case P2WPKH:
		return "p2wpkh"
	case P2TR:
		return "p2tr"
	default:
		return "unknown script kind"
	}
}

// descriptor holds the static properties of a Source.
type descriptor struct {
	name    string
	account string
	change  bool
	kind    ScriptKind
	unique  Source
}

var descriptors = [numSources]descriptor{
	Legacy0: {
		name: "legacy0", account: "m/0'", kind: P2PKH,
		unique: Legacy0,
	},
	Legacy0Change: {
		name: "legacy0Change", account: "m/0'", change: true,
		kind: P2PKH, unique: Legacy0Change,
	},
	Legacy44: {
		name: "legacy44", account: "m/44'/0'/0'", kind: P2PKH,
		unique: Legacy44,
	},
	Legacy44Change: {
		name: "legacy44Change", account: "m/44'/0'/0'", change: true,
		kind: P2PKH, unique: Legacy44Change,
	},
	LegacySegwit: {
		name: "legacySegwit", account: "m/49'/0'/0'",
		kind: NestedP2WPKH, unique: LegacySegwit,
	},
	LegacySegwitChange: {
		name: "legacySegwitChange", account: "m/49'/0'/0'",
		change: true, kind: NestedP2WPKH,
		unique: LegacySegwitChange,
	},
	Segwit0: {
		name: "segwit0", account: "m/0'", kind: P2WPKH,
		unique: Legacy0,
	},
	Segwit0Change: {
		name: "segwit0Change", account: "m/0'", change: true,
		kind: P2WPKH, unique: Legacy0Change,
	},
	Segwit: {
		name: "segwit", account: "m/84'/0'/0'", kind: P2WPKH,
		unique: Segwit,
	},
	SegwitChange: {
		name: "segwitChange", account: "m/84'/0'/0'", change: true,
		kind: P2WPKH, unique: SegwitChange,
	},
	Taproot: {
		name: "taproot", account: "m/86'/0'/0'", kind: P2TR,
		unique: Taproot,
	},
	TaprootChange: {
		name: "taprootChange", account: "m/86'/0'/0'", change: true,
		kind: P2TR, unique: TaprootChange,
	},
}

// All returns every Source in tag order.
func All() []Source {
	all := make([]Source, 0, numSources)
	for s := Source(0); s < numSources; s++ {
		all = append(all, s)
	}

	return all
}

// Unique returns the sources that own a key index of their own. Mirror
// sources such as Segwit0 are excluded.
func Unique() []Source {
	var unique []Source
	for _, s := range All() {
		if s.IsUnique() {
			unique = append(unique, s)
		}
	}

	return unique
}

// FromTag converts a persisted tag to a Source.
func FromTag(tag uint8) (Source, error) {
	if tag >= uint8(numSources) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSource, tag)
	}

	return Source(tag), nil
}

// Valid reports whether s names a known Source.
func (s Source) Valid() bool {
	return s < numSources
}

// String returns the name of the source, e.g. taprootChange.
func (s Source) String() string {
	if !s.Valid() {
		return fmt.Sprintf("source(%d)", uint8(s))
	}

	return descriptors[s].name
}

// Kind returns the output script template.
func (s Source) Kind() ScriptKind {
	return descriptors[s].kind
}

// IsChange reports whether the source is a change branch.
func (s Source) IsChange() bool {
	return descriptors[s].change
}

// XOnly reports whether keys of the source are stored as x-only tweaked
// output keys.
func (s Source) XOnly() bool {
	return s.Kind() == P2TR
}

// IsWitness reports whether spending an output of the source requires
// witness data.
func (s Source) IsWitness() bool {
	return s.Kind() != P2PKH
}

// UniqueSource returns the source owning the key index used by s.
func (s Source) UniqueSource() Source {
	return descriptors[s].unique
}

// IsUnique reports whether s owns its key index.
func (s Source) IsUnique() bool {
	return s.UniqueSource() == s
}

// Mirrors returns every source sharing the key index of s, starting with the
// owner.
func (s Source) Mirrors() []Source {
	owner := s.UniqueSource()
	mirrors := []Source{owner}
	for _, other := range All() {
		if other != owner && other.UniqueSource() == owner {
			mirrors = append(mirrors, other)
		}
	}

	return mirrors
}

// AccountPath returns the hardened account path of the source.
func (s Source) AccountPath() keytree.Path {
	p, err := keytree.ParsePath(descriptors[s].account)
	if err != nil {
		panic(fmt.Sprintf("invalid account path for %v: %v", s, err))
	}

	return p
}

// BranchPath returns the account path followed by the base or change
// branch. Key indices are derived from the node at this path.
func (s Source) BranchPath() keytree.Path {
	branch := keytree.Normal(0)
	if s.IsChange() {
		branch = keytree.Normal(1)
	}

	return s.AccountPath().Child(branch)
}

// FileName returns the name of the key index file of the source.
func (s Source) FileName() string {
	return fmt.Sprintf("PublicKey - %s.dat", s.UniqueSource())
}
