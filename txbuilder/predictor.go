// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder selects coins for a payment, predicts the cost of the
// resulting transaction and signs it.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/pkg/btcunit"
	"github.com/btcsuite/btcvault/source"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// TxVersion is the version of built transactions.
	TxVersion = 2

	// DefaultDustAmount is the smallest refund worth an output.
	DefaultDustAmount btcutil.Amount = 546

	// RefundIndex is the output index of the refund, which always follows
	// the recipient.
	RefundIndex = 1

	// ecdsaWitnessSigSize is the worst case DER signature plus sighash
	// byte of a P2WPKH witness.
	ecdsaWitnessSigSize = 73

	// compressedPubKeySize is the size of a compressed public key.
	compressedPubKeySize = 33

	// schnorrSigSize is the size of a default sighash taproot signature.
	schnorrSigSize = 64

	// nestedSigScriptSize is the size of the P2SH-P2WPKH signature
	// script pushing the witness program.
	nestedSigScriptSize = 1 + 1 + 1 + 20
)

var (
	// ErrDustAmount is returned when the payment amount does not exceed
	// the dust limit.
	ErrDustAmount = errors.New("amount is dust")

	// ErrIllegalFeeRate is returned for a fee rate that is not positive.
	ErrIllegalFeeRate = errors.New("fee rate must be positive")

	// ErrCostGreaterThanFunds is returned when the spendable coins do not
	// even cover the fee of a zero amount payment.
	ErrCostGreaterThanFunds = errors.New("transaction cost exceeds funds")

	// errInsufficientFunds is returned internally when a candidate input
	// set does not cover amount and fee.
	errInsufficientFunds = errors.New("insufficient funds")
)

// NotEnoughFundsError is returned when the coins cover the fee but not the
// amount. Cost is the fee of spending all coins.
type NotEnoughFundsError struct {
	Cost btcutil.Amount
}

// Error implements the error interface.
func (e *NotEnoughFundsError) Error() string {
	return fmt.Sprintf("not enough funds, transaction cost %v", e.Cost)
}

// Request describes a payment.
type Request struct {
	// Amount is paid to PkScript.
	Amount   btcutil.Amount
	PkScript []byte

	// Rate is the fee rate.
	Rate btcunit.SatPerVByte

	// LockHeight sets the locktime of the transaction when present.
	LockHeight fn.Option[uint32]

	// Dust is the smallest refund worth an output. Zero selects
	// DefaultDustAmount.
	Dust btcutil.Amount
}

func (r *Request) dust() btcutil.Amount {
	if r.Dust == 0 {
		return DefaultDustAmount
	}

	return r.Dust
}

// Predictor is an unsigned transaction spending Inputs to a recipient and an
// optional refund. Its size is estimated with worst case stub signatures.
type Predictor struct {
	req       Request
	Inputs    ledger.Tally
	Recipient *wire.TxOut

	// Refund is nil when the remainder is absorbed by the fee.
	Refund *wire.TxOut
}

// refundStubScript stands in for the taproot change script until a change
// index is allocated.
var refundStubScript = make([]byte, txsizes.P2TRPkScriptSize)

// Build returns the predictor spending coins to the request, adding a
// refund when the remainder exceeds the dust limit.
func Build(req Request, coins ledger.Tally) (*Predictor, error) {
	p := &Predictor{
		req:       req,
		Inputs:    coins,
		Recipient: wire.NewTxOut(int64(req.Amount), req.PkScript),
	}
	if err := p.computeRefund(); err != nil {
		return nil, err
	}

	return p, nil
}

// computeRefund adds the refund output when the funds allow it.
func (p *Predictor) computeRefund() error {
	funds, dust := p.Funds(), p.req.dust()

	withoutRefund := p.req.Amount + p.Fee()
	if funds < withoutRefund {
		return fmt.Errorf("%w: %v < %v", errInsufficientFunds, funds,
			withoutRefund)
	}
	if funds <= withoutRefund+dust {
		return nil
	}

	p.Refund = wire.NewTxOut(1, refundStubScript)
	withRefund := p.req.Amount + p.Fee()
	if funds <= withRefund+dust {
		p.Refund = nil
		return nil
	}
	p.Refund.Value = int64(funds - withRefund)

	return nil
}

// Funds returns the value of the inputs.
func (p *Predictor) Funds() btcutil.Amount {
	return p.Inputs.Total()
}

// HasRefund reports whether the transaction pays a refund.
func (p *Predictor) HasRefund() bool {
	return p.Refund != nil
}

// HasWitness reports whether any input is spent with witness data.
func (p *Predictor) HasWitness() bool {
	for _, c := range p.Inputs {
		if c.Source.IsWitness() {
			return true
		}
	}

	return false
}

// Fee returns the fee of the estimated transaction, the rate applied to its
// virtual size and rounded to the nearest satoshi.
func (p *Predictor) Fee() btcutil.Amount {
	return p.req.Rate.FeeForWeight(btcunit.TxWeight(p.estimateTx()))
}

// sequence returns the input sequence. A locktime is only enforced when at
// least one input is not final.
func (p *Predictor) sequence() uint32 {
	if p.req.LockHeight.IsSome() {
		return wire.MaxTxInSequenceNum - 1
	}

	return wire.MaxTxInSequenceNum
}

// UnsignedTx returns the transaction without input scripts.
func (p *Predictor) UnsignedTx() *wire.MsgTx {
	tx := wire.NewMsgTx(TxVersion)
	tx.LockTime = p.req.LockHeight.UnwrapOr(0)

	for _, c := range p.Inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: c.OutPoint,
			Sequence:         p.sequence(),
		})
	}

	tx.AddTxOut(wire.NewTxOut(p.Recipient.Value, p.Recipient.PkScript))
	if p.Refund != nil {
		tx.AddTxOut(wire.NewTxOut(p.Refund.Value, p.Refund.PkScript))
	}

	return tx
}

// estimateTx returns the transaction with worst case stub input scripts.
func (p *Predictor) estimateTx() *wire.MsgTx {
	tx := p.UnsignedTx()
	for i, c := range p.Inputs {
		tx.TxIn[i].SignatureScript, tx.TxIn[i].Witness = inputStub(
			c.Source.Kind(),
		)
	}

	return tx
}

// inputStub returns placeholder spending data sized like a real signature
// for the script kind.
func inputStub(kind source.ScriptKind) ([]byte, wire.TxWitness) {
	ecdsaWitness := func() wire.TxWitness {
		return wire.TxWitness{
			make([]byte, ecdsaWitnessSigSize),
			make([]byte, compressedPubKeySize),
		}
	}

	switch kind {
	case source.P2PKH:
		return make([]byte, txsizes.RedeemP2PKHSigScriptSize), nil

	case source.NestedP2WPKH:
		return make([]byte, nestedSigScriptSize), ecdsaWitness()

	case source.P2WPKH:
		return nil, ecdsaWitness()

	default:
		return nil, wire.TxWitness{make([]byte, schnorrSigSize)}
	}
}

// String returns a compact description used in logs.
func (p *Predictor) String() string {
	refund := "none"
	if p.Refund != nil {
		refund = btcutil.Amount(p.Refund.Value).String()
	}

	return fmt.Sprintf("inputs=%d funds=%v amount=%v fee=%v refund=%s "+
		"rate=%v", len(p.Inputs), p.Funds(),
		btcutil.Amount(p.Recipient.Value), p.Fee(), refund, p.req.Rate)
}
