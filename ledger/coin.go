// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger stores every coin the wallet has seen in an append-only
// file of fixed-size records, and tracks each coin through receipt,
// confirmation, spending and chain reorganizations.
package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/source"
)

// ReceivedKind classifies how a coin was received.
type ReceivedKind uint8

const (
	// Unconfirmed is a coin seen in the mempool at Height.
	Unconfirmed ReceivedKind = 0

	// Confirmed is a coin mined at Height.
	Confirmed ReceivedKind = 1

	// Rollback is a coin that was confirmed at Height before a
	// reorganization, and has a pending spend waiting to be resolved.
	Rollback ReceivedKind = 2
)

// String returns the name of the received kind.
func (k ReceivedKind) String() string {
	switch k {
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	case Rollback:
		return "rollback"
	default:
		return fmt.Sprintf("received(%d)", uint8(k))
	}
}

// ReceivedState is the receive side of a coin's lifecycle.
type ReceivedState struct {
	Kind   ReceivedKind
	Height int32
}

// UnconfirmedAt returns an unconfirmed state first seen at height.
func UnconfirmedAt(height int32) ReceivedState {
	return ReceivedState{Kind: Unconfirmed, Height: height}
}

// ConfirmedAt returns a state confirmed at height.
func ConfirmedAt(height int32) ReceivedState {
	return ReceivedState{Kind: Confirmed, Height: height}
}

// RolledBackFrom returns the state of a coin whose confirmation at height
// was undone.
func RolledBackFrom(height int32) ReceivedState {
	return ReceivedState{Kind: Rollback, Height: height}
}

// String returns e.g. confirmed(812000).
func (r ReceivedState) String() string {
	return fmt.Sprintf("%v(%d)", r.Kind, r.Height)
}

// SpentKind classifies the spend side of a coin.
type SpentKind uint8

const (
	// Unspent is a coin without a known spend.
	Unspent SpentKind = 0

	// Pending is a coin spent by an unconfirmed transaction.
	Pending SpentKind = 1

	// Spent is a coin spent by a confirmed transaction.
	Spent SpentKind = 2
)

// String returns the name of the spent kind.
func (k SpentKind) String() string {
	switch k {
	case Unspent:
		return "unspent"
	case Pending:
		return "pending"
	case Spent:
		return "spent"
	default:
		return fmt.Sprintf("spent(%d)", uint8(k))
	}
}

// SpendRecord describes the transaction spending a coin.
type SpendRecord struct {
	// Height is the block height of the spend, or the tip height when
	// the spend was seen for pending spends.
	Height int32

	// ChangeOuts lists the output indices of Tx paying back to the
	// wallet.
	ChangeOuts []uint8

	// Tx is the spending transaction.
	Tx *wire.MsgTx
}

// SpentState is the spend side of a coin's lifecycle. Record is nil for
// unspent coins.
type SpentState struct {
	Kind   SpentKind
	Record *SpendRecord
}

// UnspentState returns the state of a coin without spend.
func UnspentState() SpentState {
	return SpentState{Kind: Unspent}
}

// PendingSpend returns a pending spend state.
func PendingSpend(record SpendRecord) SpentState {
	return SpentState{Kind: Pending, Record: &record}
}

// ConfirmedSpend returns a confirmed spend state.
func ConfirmedSpend(record SpendRecord) SpentState {
	return SpentState{Kind: Spent, Record: &record}
}

// Height returns the spend height, zero for unspent coins.
func (s SpentState) Height() int32 {
	if s.Record == nil {
		return 0
	}

	return s.Record.Height
}

// String returns e.g. pending(812001).
func (s SpentState) String() string {
	if s.Kind == Unspent {
		return s.Kind.String()
	}

	return fmt.Sprintf("%v(%d)", s.Kind, s.Height())
}

// Coin is an output paying to the wallet.
type Coin struct {
	// ID is the position of the coin's record in the ledger. It is
	// assigned on append and ignored when appending.
	ID int

	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	Received ReceivedState
	Spent    SpentState

	// Source and Path locate the key the output pays to.
	Source source.Source
	Path   uint32
}

// IsSpendable reports whether the coin is confirmed and unspent.
func (c *Coin) IsSpendable() bool {
	return c.Received.Kind == Confirmed && c.Spent.Kind == Unspent
}

// String returns a compact description used in logs.
func (c *Coin) String() string {
	return fmt.Sprintf("coin#%d %v %v %v %v %v/%d", c.ID, c.OutPoint,
		c.Amount, c.Received, c.Spent, c.Source, c.Path)
}

// Tally is a list of coins.
type Tally []Coin

// Total returns the sum of the coins' amounts.
func (t Tally) Total() btcutil.Amount {
	var total btcutil.Amount
	for _, c := range t {
		total += c.Amount
	}

	return total
}

// Balance groups coins by the part of the balance they contribute to.
type Balance struct {
	// Available holds confirmed unspent coins.
	Available Tally

	// PendingReceive holds coins waiting for confirmation.
	PendingReceive Tally

	// PendingSpend holds coins spent by unconfirmed transactions.
	PendingSpend Tally
}

// TallyKind classifies a balance-changing event.
type TallyKind uint8

const (
	// ReceiveConfirmed is a new confirmed coin.
	ReceiveConfirmed TallyKind = iota

	// ReceiveUnconfirmed is a new unconfirmed coin.
	ReceiveUnconfirmed

	// ReceivePromoted is an unconfirmed coin that confirmed.
	ReceivePromoted

	// SpentConfirmed is a coin spent in a block.
	SpentConfirmed

	// SpentUnconfirmed is a coin spent by a mempool transaction.
	SpentUnconfirmed

	// SpentPromoted is a pending spend that confirmed.
	SpentPromoted

	// TallyRollback signals that a reorganization was processed.
	TallyRollback
)

// String returns the name of the tally kind.
func (k TallyKind) String() string {
	switch k {
	case ReceiveConfirmed:
		return "receiveConfirmed"
	case ReceiveUnconfirmed:
		return "receiveUnconfirmed"
	case ReceivePromoted:
		return "receivePromoted"
	case SpentConfirmed:
		return "spentConfirmed"
	case SpentUnconfirmed:
		return "spentUnconfirmed"
	case SpentPromoted:
		return "spentPromoted"
	case TallyRollback:
		return "rollback"
	default:
		return fmt.Sprintf("tally(%d)", uint8(k))
	}
}

// TallyEvent is a classified change of the wallet balance. Amount is zero for
// rollback events.
type TallyEvent struct {
	Kind   TallyKind
	Amount btcutil.Amount
}

// String returns e.g. spentPromoted(0.001 BTC).
func (e TallyEvent) String() string {
	if e.Kind == TallyRollback {
		return e.Kind.String()
	}

	return fmt.Sprintf("%v(%v)", e.Kind, e.Amount)
}
