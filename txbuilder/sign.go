// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/pkg/btcunit"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// maxRebalanceRounds is the number of refund adjustments after which the
// refund is only lowered.
const maxRebalanceRounds = 4

// Signed is a fully signed payment.
type Signed struct {
	Tx *wire.MsgTx

	// Refund is the refund output, nil without refund. It is always
	// output RefundIndex of Tx.
	Refund *wire.TxOut

	// PrevScripts and PrevValues describe the spent outputs in input
	// order.
	PrevScripts [][]byte
	PrevValues  []btcutil.Amount
}

// secretSource is an implementation of txauthor.SecretsSource over the keys
// of the inputs being signed, indexed by encoded address.
type secretSource struct {
	keys   map[string]*btcec.PrivateKey
	params *chaincfg.Params
}

// GetKey returns the private key paying to addr.
func (s *secretSource) GetKey(addr btcutil.Address) (*btcec.PrivateKey,
	bool, error) {

	key, ok := s.keys[addr.EncodeAddress()]
	if !ok {
		return nil, false, fmt.Errorf("no key for address %v", addr)
	}

	return key, true, nil
}

// GetScript is unused, nested segwit inputs are signed by key.
func (s *secretSource) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no script for address %v", addr)
}

// ChainParams returns the network of the addresses.
func (s *secretSource) ChainParams() *chaincfg.Params {
	return s.params
}

// zero clears every private key of the source.
func (s *secretSource) zero() {
	for _, key := range s.keys {
		key.Zero()
	}
}

// Signer signs predicted transactions with keys derived from the master
// node.
type Signer struct {
	master *keytree.FullNode
	params *chaincfg.Params
}

// NewSigner returns a signer deriving keys from master.
func NewSigner(master *keytree.FullNode, params *chaincfg.Params) *Signer {
	return &Signer{master: master, params: params}
}

// inputKey derives the signing key of coin and returns it together with the
// script it pays to. Taproot keys are returned untweaked, the signing code
// applies the key-path tweak.
func inputKey(branch *keytree.FullNode, coin ledger.Coin) (*btcec.PrivateKey,
	*btcec.PublicKey, error) {

	if coin.Source.XOnly() {
		internal, _, err := branch.TaprootKey(coin.Path)
		if err != nil {
			return nil, nil, err
		}

		output := txscript.ComputeTaprootKeyNoScript(internal.PubKey())

		return internal, output, nil
	}

	child, err := branch.Child(keytree.Normal(coin.Path))
	if err != nil {
		return nil, nil, err
	}
	defer child.Zero()

	return child.PrivKey(), child.PubKey(), nil
}

// secrets derives the keys of every input.
func (s *Signer) secrets(inputs ledger.Tally) (*secretSource, [][]byte,
	[]btcutil.Amount, error) {

	branches := make(map[string]*keytree.FullNode)
	defer func() {
		for _, b := range branches {
			b.Zero()
		}
	}()

	src := &secretSource{
		keys:   make(map[string]*btcec.PrivateKey, len(inputs)),
		params: s.params,
	}
	scripts := make([][]byte, 0, len(inputs))
	values := make([]btcutil.Amount, 0, len(inputs))

	for _, coin := range inputs {
		if !coin.IsSpendable() {
			panic(fmt.Sprintf("signing unspendable %v", &coin))
		}

		path := coin.Source.BranchPath()
		branch, ok := branches[path.String()]
		if !ok {
			var err error
			branch, err = s.master.Derive(path)
			if err != nil {
				return nil, nil, nil, err
			}
			branches[path.String()] = branch
		}

		key, pub, err := inputKey(branch, coin)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("derive key of %v: %w",
				&coin, err)
		}

		addr, err := coin.Source.Address(pub, s.params)
		if err != nil {
			return nil, nil, nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, nil, nil, err
		}

		src.keys[addr.EncodeAddress()] = key
		scripts = append(scripts, script)
		values = append(values, coin.Amount)
	}

	return src, scripts, values, nil
}

// Sign signs the predicted transaction. With a refund the stub refund
// script is replaced by refundScript, and the refund value is rebalanced
// against the actual signed size until it no longer changes.
//
// ECDSA signature lengths depend on the signed refund value, so the
// rebalance can alternate between two values. Once a value repeats or
// maxRebalanceRounds is reached the refund is only lowered, and the first
// signature paying at least the fee rate is kept.
//
// The signed transaction is verified through the script engine. A failure
// means keys and ledger disagree and aborts.
func (s *Signer) Sign(p *Predictor, refundScript []byte) (*Signed, error) {
	if p.HasRefund() && len(refundScript) == 0 {
		return nil, fmt.Errorf("refund of %v needs a script", p)
	}

	secrets, scripts, values, err := s.secrets(p.Inputs)
	if err != nil {
		return nil, err
	}
	defer secrets.zero()

	tx := p.UnsignedTx()
	if p.HasRefund() {
		tx.TxOut[RefundIndex].PkScript = refundScript
	}

	funds := p.Funds()
	amount := btcutil.Amount(p.Recipient.Value)
	tried := fn.NewSet[int64]()
	settling := false
	for round := 1; ; round++ {
		for _, in := range tx.TxIn {
			in.SignatureScript, in.Witness = nil, nil
		}

		err := txauthor.AddAllInputScripts(tx, scripts, values, secrets)
		if err != nil {
			return nil, err
		}

		if !p.HasRefund() {
			break
		}

		fee := p.req.Rate.FeeForWeight(btcunit.TxWeight(tx))
		if funds < amount+fee {
			return nil, fmt.Errorf("%w: signed fee %v", ErrCostGreaterThanFunds,
				fee)
		}

		current := tx.TxOut[RefundIndex].Value
		change := int64(funds - amount - fee)
		if change == current {
			break
		}

		tried.Add(current)
		if tried.Contains(change) || round >= maxRebalanceRounds {
			settling = true
		}

		// The current refund already pays at least the rate.
		if settling && change > current {
			log.Debugf("Settled refund at %d after %d rounds", current,
				round)
			break
		}

		log.Debugf("Rebalancing refund from %d to %d in round %d",
			current, change, round)
		tx.TxOut[RefundIndex].Value = change
	}

	if err := validateMsgTx(tx, scripts, values); err != nil {
		panic(fmt.Sprintf("signed transaction %v fails verification: "+
			"%v", tx.TxHash(), err))
	}

	log.Tracef("Signed transaction: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))

	signed := &Signed{Tx: tx, PrevScripts: scripts, PrevValues: values}
	if p.HasRefund() {
		signed.Refund = tx.TxOut[RefundIndex]
	}

	return signed, nil
}

// validateMsgTx verifies transaction input scripts for tx. All previous
// output scripts from outputs redeemed by the transaction, in the same order
// they are spent, must be passed in the prevScripts slice.
func validateMsgTx(tx *wire.MsgTx, prevScripts [][]byte,
	inputValues []btcutil.Amount) error {

	inputFetcher, err := txauthor.TXPrevOutFetcher(
		tx, prevScripts, inputValues,
	)
	if err != nil {
		return err
	}

	hashCache := txscript.NewTxSigHashes(tx, inputFetcher)
	for i, prevScript := range prevScripts {
		vm, err := txscript.NewEngine(
			prevScript, tx, i, txscript.StandardVerifyFlags, nil,
			hashCache, int64(inputValues[i]), inputFetcher,
		)
		if err != nil {
			return fmt.Errorf("cannot create script engine: %w", err)
		}
		err = vm.Execute()
		if err != nil {
			return fmt.Errorf("cannot validate transaction: %w", err)
		}
	}

	return nil
}
