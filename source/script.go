package source

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TaggedScript is an output script together with the source and key index
// it was derived from.
type TaggedScript struct {
	// Source is the branch the key belongs to.
	Source Source

	// Index is the key index within the source's branch.
	Index uint32

	// PkScript is the output script.
	PkScript []byte
}

// String returns a compact description used in logs.
func (t TaggedScript) String() string {
	return fmt.Sprintf("%v/%d:%x", t.Source, t.Index, t.PkScript)
}

// Equal reports whether both tagged scripts are identical.
func (t TaggedScript) Equal(other TaggedScript) bool {
	return t.Source == other.Source && t.Index == other.Index &&
		bytes.Equal(t.PkScript, other.PkScript)
}

// FundingOutpoint notifies the wallet that an output paying to one of its
// scripts was seen.
type FundingOutpoint struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	Script   TaggedScript
}

// String returns a compact description used in logs.
func (f FundingOutpoint) String() string {
	return fmt.Sprintf("%v %v -> %v", f.OutPoint, f.Amount, f.Script)
}

// Address returns the address paying to key under the source's script kind.
// For P2TR sources key must already be the tweaked output key.
func (s Source) Address(key *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	switch s.Kind() {
	case P2PKH:
		return btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(key.SerializeCompressed()), params,
		)

	case NestedP2WPKH:
		redeem, err := s.RedeemScript(key)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressScriptHash(redeem, params)

	case P2WPKH:
		return btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(key.SerializeCompressed()), params,
		)

	case P2TR:
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(key), params,
		)

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownSource, s)
	}
}

// PkScript returns the output script paying to key.
func (s Source) PkScript(key *btcec.PublicKey) ([]byte, error) {
	// The script does not depend on the network, the address is only a
	// vehicle here.
	addr, err := s.Address(key, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// RedeemScript returns the P2SH redeem script of a nested segwit key, the
// version 0 witness program of its key hash.
func (s Source) RedeemScript(key *btcec.PublicKey) ([]byte, error) {
	if s.Kind() != NestedP2WPKH {
		return nil, fmt.Errorf("source %v has no redeem script", s)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.SerializeCompressed()),
		&chaincfg.MainNetParams,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// Tag returns the tagged script paying to key at index.
func (s Source) Tag(index uint32, key *btcec.PublicKey) (TaggedScript,
	error) {

	script, err := s.PkScript(key)
	if err != nil {
		return TaggedScript{}, err
	}

	return TaggedScript{Source: s, Index: index, PkScript: script}, nil
}
