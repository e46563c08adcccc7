// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/fileio"
	"github.com/davecgh/go-spew/spew"
)

// Direction selects the boundary searched by FindBoundary.
type Direction uint8

const (
	// First searches the first record at or above a height.
	First Direction = iota

	// Last searches the last record at or below a height.
	Last
)

// Ledger is an append-only file of coin records. A coin's id is the
// position of its record. Records are appended in non-decreasing received
// height order and updated in place only to change their state.
//
// A Ledger is not safe for concurrent mutation.
type Ledger struct {
	file *fileio.RecordFile
}

// Open opens the ledger file at path.
func Open(ctx context.Context, pool *fileio.Pool, path string,
	create bool) (*Ledger, error) {

	file, err := fileio.Open(ctx, pool, path, RecordSize, create)
	if err != nil {
		return nil, err
	}

	return &Ledger{file: file}, nil
}

// Path returns the path of the ledger file.
func (l *Ledger) Path() string {
	return l.file.Path()
}

// Close closes the ledger file.
func (l *Ledger) Close() error {
	return l.file.Close()
}

// Count returns the number of coins in the ledger.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	return l.file.Count(ctx)
}

// Append adds the coin at the end of the ledger and returns its id.
func (l *Ledger) Append(ctx context.Context, coin Coin) (int, error) {
	b, err := encodeCoin(&coin)
	if err != nil {
		return 0, err
	}

	id, err := l.file.Append(ctx, b)
	if err != nil {
		return 0, err
	}

	log.Debugf("Appended %v", newLogClosure(func() string {
		coin.ID = id
		return coin.String()
	}))

	return id, nil
}

// AppendAll appends the coins in order. Their ids are reassigned by
// position.
func (l *Ledger) AppendAll(ctx context.Context, coins []Coin) error {
	records := make([][]byte, 0, len(coins))
	for i := range coins {
		b, err := encodeCoin(&coins[i])
		if err != nil {
			return err
		}
		records = append(records, b)
	}

	_, err := l.file.Append(ctx, records...)

	return err
}

// Write overwrites the record of an existing coin identified by coin.ID.
func (l *Ledger) Write(ctx context.Context, coin Coin) error {
	b, err := encodeCoin(&coin)
	if err != nil {
		return err
	}

	if err := l.file.Write(ctx, coin.ID, b); err != nil {
		return err
	}

	log.Tracef("Rewrote %v", newLogClosure(func() string {
		return spew.Sdump(coin)
	}))

	return nil
}

// Sync flushes the ledger to stable storage.
func (l *Ledger) Sync(ctx context.Context) error {
	return l.file.Sync(ctx)
}

// Truncate removes every coin from the ledger.
func (l *Ledger) Truncate(ctx context.Context) error {
	return l.file.Truncate(ctx, 0)
}

// Find returns the coin with the given id.
func (l *Ledger) Find(ctx context.Context, id int) (Coin, error) {
	coins, err := l.FindRange(ctx, id, id)
	if err != nil {
		return Coin{}, err
	}

	return coins[0], nil
}

// FindRange returns the coins with ids from through through, inclusive. The
// upper bound is clamped to the last coin.
func (l *Ledger) FindRange(ctx context.Context, from,
	through int) ([]Coin, error) {

	records, err := l.file.ReadRange(ctx, from, through)
	if err != nil {
		return nil, err
	}

	coins := make([]Coin, 0, len(records))
	for i, b := range records {
		coins = append(coins, mustDecode(from+i, b))
	}

	return coins, nil
}

// All returns every coin in the ledger. An empty ledger yields no coins and
// no error.
func (l *Ledger) All(ctx context.Context) ([]Coin, error) {
	coins, err := l.FindRange(ctx, 0, int(^uint(0)>>1))
	if errors.Is(err, fileio.ErrFileEmpty) {
		return nil, nil
	}

	return coins, err
}

// mustDecode decodes a record, aborting on corruption. The ledger is local
// state written by this package only, so a malformed record means the file
// was damaged and continuing could lose funds.
func mustDecode(id int, b []byte) Coin {
	coin, err := decodeCoin(id, b)
	if err != nil {
		panic(fmt.Sprintf("ledger record %d is corrupt: %v", id, err))
	}

	return coin
}

// FindBoundary binary searches the ledger by received height. With First it
// returns the id of the first coin whose height is at least height, or the
// coin count when there is none. With Last it returns the id of the last
// coin whose height is at most height, or -1 when there is none. Duplicate
// heights are handled by the search converging on the outermost match.
func (l *Ledger) FindBoundary(ctx context.Context, height int32,
	dir Direction) (int, error) {

	count, err := l.Count(ctx)
	if err != nil {
		return 0, err
	}

	var searchErr error
	heightAt := func(id int) int32 {
		if searchErr != nil {
			return 0
		}

		coin, err := l.Find(ctx, id)
		if err != nil {
			searchErr = err
			return 0
		}

		return coin.Received.Height
	}

	var id int
	switch dir {
	case First:
		id = sort.Search(count, func(i int) bool {
			return heightAt(i) >= height
		})

	case Last:
		id = sort.Search(count, func(i int) bool {
			return heightAt(i) > height
		}) - 1

	default:
		return 0, fmt.Errorf("unknown direction %d", dir)
	}

	if searchErr != nil {
		return 0, searchErr
	}

	return id, nil
}

// FindOutpoint scans forward from id from for the coin spending to op. The
// scan reads window records at a time, doubling the window after each miss.
// It returns false when the outpoint is not in the ledger.
func (l *Ledger) FindOutpoint(ctx context.Context, op wire.OutPoint, from,
	window int) (Coin, bool, error) {

	count, err := l.Count(ctx)
	if err != nil {
		return Coin{}, false, err
	}

	window = max(window, 1)
	for start := max(from, 0); start < count; {
		coins, err := l.FindRange(ctx, start, start+window-1)
		if err != nil {
			return Coin{}, false, err
		}

		for _, coin := range coins {
			if coin.OutPoint == op {
				return coin, true, nil
			}
		}

		start += window
		window *= 2
	}

	return Coin{}, false, nil
}

// SpendableTally returns the confirmed unspent coins.
func (l *Ledger) SpendableTally(ctx context.Context) (Tally, error) {
	coins, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	var spendable Tally
	for _, c := range coins {
		if c.IsSpendable() {
			spendable = append(spendable, c)
		}
	}

	return spendable, nil
}

// FullTally groups the coins into available, pending receive and pending
// spend.
func (l *Ledger) FullTally(ctx context.Context) (Balance, error) {
	coins, err := l.All(ctx)
	if err != nil {
		return Balance{}, err
	}

	var balance Balance
	for _, c := range coins {
		if c.IsSpendable() {
			balance.Available = append(balance.Available, c)
		}
		if c.Received.Kind == Unconfirmed {
			balance.PendingReceive = append(
				balance.PendingReceive, c,
			)
		}
		if c.Spent.Kind == Pending {
			balance.PendingSpend = append(balance.PendingSpend, c)
		}
	}

	return balance, nil
}

// Outpoints returns the outpoints of the spendable coins.
func (l *Ledger) Outpoints(ctx context.Context) ([]wire.OutPoint, error) {
	spendable, err := l.SpendableTally(ctx)
	if err != nil {
		return nil, err
	}

	ops := make([]wire.OutPoint, 0, len(spendable))
	for _, c := range spendable {
		ops = append(ops, c.OutPoint)
	}

	return ops, nil
}

// PendingTransactions returns the unconfirmed transactions spending coins of
// the ledger, one entry per spent coin.
func (l *Ledger) PendingTransactions(ctx context.Context) ([]*wire.MsgTx,
	error) {

	coins, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	var txs []*wire.MsgTx
	for _, c := range coins {
		if c.Spent.Kind == Pending {
			txs = append(txs, c.Spent.Record.Tx)
		}
	}

	return txs, nil
}

// Spent applies a spend transition to the coin with the given id and
// returns the resulting tally event. Replayed notifications for an already
// recorded spend return false without an event and without error.
//
// Spending a coin that is not confirmed, or moving a coin back to unspent,
// violates the ledger's state machine and aborts.
func (l *Ledger) Spent(ctx context.Context, id int,
	state SpentState) (TallyEvent, bool, error) {

	if state.Record != nil {
		if err := state.Record.Validate(); err != nil {
			return TallyEvent{}, false, err
		}
	}

	coin, err := l.Find(ctx, id)
	if err != nil {
		return TallyEvent{}, false, err
	}

	event, ok := spendTransition(&coin, state)
	if !ok {
		return TallyEvent{}, false, nil
	}

	coin.Spent = state
	if err := l.Write(ctx, coin); err != nil {
		return TallyEvent{}, false, err
	}
	if err := l.Sync(ctx); err != nil {
		return TallyEvent{}, false, err
	}

	return event, true, nil
}

// spendTransition classifies moving coin to state. It returns false for
// replays that leave the coin unchanged.
func spendTransition(coin *Coin, state SpentState) (TallyEvent, bool) {
	if coin.Received.Kind != Confirmed || state.Kind == Unspent ||
		state.Record == nil {

		panic(fmt.Sprintf("illegal spend transition of %v to %v", coin,
			state))
	}

	confirmHeight := coin.Received.Height
	checkHeight := func(spendHeight int32) {
		if confirmHeight > spendHeight {
			panic(fmt.Sprintf("spend at %d precedes confirmation "+
				"of %v", spendHeight, coin))
		}
	}

	event := TallyEvent{Amount: coin.Amount}
	switch {
	case coin.Spent.Kind == Unspent && state.Kind == Pending:
		checkHeight(state.Height())
		event.Kind = SpentUnconfirmed

	case coin.Spent.Kind == Unspent && state.Kind == Spent:
		checkHeight(state.Height())
		event.Kind = SpentConfirmed

	case coin.Spent.Kind == Pending && state.Kind == Spent:
		checkHeight(coin.Spent.Height())
		if coin.Spent.Height() > state.Height() {
			panic(fmt.Sprintf("spend at %d precedes pending spend "+
				"of %v", state.Height(), coin))
		}
		event.Kind = SpentPromoted

	case coin.Spent.Kind == Pending && state.Kind == Pending:
		return TallyEvent{}, false

	case coin.Spent.Kind == Spent:
		log.Debugf("Ignoring %v for already spent %v", state, coin)

		return TallyEvent{}, false

	default:
		panic(fmt.Sprintf("illegal spend transition of %v to %v", coin,
			state))
	}

	return event, true
}
