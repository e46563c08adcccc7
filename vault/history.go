package vault

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Flow tells whether a history record paid to or from the wallet.
type Flow uint8

const (
	// Incoming records coins received by the wallet.
	Incoming Flow = iota

	// Outgoing records payments made by the wallet.
	Outgoing
)

// String returns incoming or outgoing.
func (f Flow) String() string {
	if f == Outgoing {
		return "outgoing"
	}

	return "incoming"
}

// HistoryRecord is one transaction of the wallet history.
type HistoryRecord struct {
	Flow    Flow
	Pending bool
	TxID    chainhash.Hash

	// Address is the receiving address of incoming records and the
	// recipient of outgoing ones. It is empty when unknown.
	Address string

	// Amount is the received total, or the amount sent to others.
	Amount btcutil.Amount

	Height int32

	// Time is the timestamp of the block at Height when known.
	Time fn.Option[time.Time]
}

// HeightLookup returns the timestamp of the block at height, false when the
// block is unknown.
type HeightLookup func(ctx context.Context, height int32) (time.Time, bool,
	error)

// historyKey identifies the record of a transaction. A payment with change
// yields one record in each direction.
type historyKey struct {
	flow Flow
	txid chainhash.Hash
}

// history builds the ordered history records of the current ledger.
func (r *runningState) history(ctx context.Context) ([]HistoryRecord,
	error) {

	coins, err := r.ledgers.Current().All(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[historyKey]*HistoryRecord)
	add := func(flow Flow, pending bool, txid chainhash.Hash,
		height int32) *HistoryRecord {

		key := historyKey{flow: flow, txid: txid}
		rec, ok := groups[key]
		if !ok {
			rec = &HistoryRecord{
				Flow:    flow,
				Pending: pending,
				TxID:    txid,
				Height:  height,
			}
			groups[key] = rec
		}

		return rec
	}

	for _, c := range coins {
		err := r.addIncoming(ctx, c, add)
		if err != nil {
			return nil, err
		}

		r.addOutgoing(c, add)
	}

	records := make([]HistoryRecord, 0, len(groups))
	for _, rec := range groups {
		records = append(records, *rec)
	}
	slices.SortFunc(records, compareHistory)

	return records, nil
}

// addIncoming adds a received coin. Change coins are part of the outgoing
// record of the transaction that created them.
func (r *runningState) addIncoming(ctx context.Context, c ledger.Coin,
	add func(Flow, bool, chainhash.Hash, int32) *HistoryRecord) error {

	var pending bool
	switch {
	case c.Received.Kind == ledger.Unconfirmed &&
		c.Spent.Kind == ledger.Unspent:

		pending = true

	case c.Received.Kind == ledger.Confirmed:

	default:
		return nil
	}

	if c.Source.IsChange() {
		return nil
	}

	addr, err := r.index(c.Source).Address(
		ctx, c.Source, c.Path, r.cfg.ChainParams,
	)
	if err != nil {
		return err
	}

	rec := add(Incoming, pending, c.OutPoint.Hash, c.Received.Height)
	rec.Address = addr.EncodeAddress()
	rec.Amount += c.Amount

	return nil
}

// addOutgoing adds the spend of a coin. Every coin spent by a transaction
// carries the same record, which is only counted once.
func (r *runningState) addOutgoing(c ledger.Coin,
	add func(Flow, bool, chainhash.Hash, int32) *HistoryRecord) {

	var pending bool
	switch {
	case c.Received.Kind == ledger.Confirmed && c.Spent.Kind == ledger.Pending:
		pending = true

	case c.Spent.Kind == ledger.Spent:

	default:
		return
	}

	spend := c.Spent.Record
	rec := add(Outgoing, pending, spend.Tx.TxHash(), spend.Height)
	if rec.Amount != 0 || rec.Address != "" {
		return
	}

	for i, out := range spend.Tx.TxOut {
		if !slices.Contains(spend.ChangeOuts, uint8(i)) {
			rec.Amount += btcutil.Amount(out.Value)
		}
	}

	if len(spend.Tx.TxOut) > 0 {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			spend.Tx.TxOut[0].PkScript, r.cfg.ChainParams,
		)
		if err == nil && len(addrs) > 0 {
			rec.Address = addrs[0].EncodeAddress()
		}
	}
}

// compareHistory orders records by height, outgoing before incoming at the
// same height, then by transaction id.
func compareHistory(a, b HistoryRecord) int {
	if c := cmp.Compare(a.Height, b.Height); c != 0 {
		return c
	}
	if a.Flow != b.Flow {
		if a.Flow == Outgoing {
			return -1
		}

		return 1
	}

	return bytes.Compare(a.TxID[:], b.TxID[:])
}

// fillTimes looks up the block time of every distinct height of records.
func fillTimes(ctx context.Context, records []HistoryRecord,
	lookup HeightLookup) error {

	heights := fn.NewSet[int32]()
	for _, rec := range records {
		heights.Add(rec.Height)
	}

	times := make(map[int32]time.Time, len(heights))
	for height := range heights {
		t, ok, err := lookup(ctx, height)
		if err != nil {
			return err
		}
		if ok {
			times[height] = t
		}
	}

	for i := range records {
		if t, ok := times[records[i].Height]; ok {
			records[i].Time = fn.Some(t)
		}
	}

	return nil
}
