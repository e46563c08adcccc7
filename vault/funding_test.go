package vault

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestFundingNotifications walks a funding through every notification
// order and checks the emitted tally events.
func TestFundingNotifications(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := h.ctx
	funding := h.funding(1, source.Segwit, 1, 5000)

	require.NoError(t, h.vault.FundingUnconfirmed(ctx, funding, 100))

	// Funding index 1 extends the window by a single key.
	events := h.sink.takeEvents()
	require.Len(t, events, 2)
	watched, ok := events[0].(WatchedScriptEvent)
	require.True(t, ok)
	require.Equal(t, source.Segwit, watched.Script.Source)
	require.EqualValues(t, 6, watched.Script.Index)
	require.Equal(t, TallyEvent{ledger.TallyEvent{
		Kind: ledger.ReceiveUnconfirmed, Amount: 5000,
	}}, events[1])

	// A replayed mempool notification is ignored.
	require.NoError(t, h.vault.FundingUnconfirmed(ctx, funding, 100))
	require.Empty(t, h.sink.takeTallies())

	outcome, err := h.vault.FundingConfirmed(ctx, funding, 101)
	require.NoError(t, err)
	require.Equal(t, Relaxed, outcome)
	require.Equal(t, []ledger.TallyEvent{{
		Kind: ledger.ReceivePromoted, Amount: 5000,
	}}, h.sink.takeTallies())

	// Duplicate confirmations and late mempool notifications are
	// ignored.
	outcome, err = h.vault.FundingConfirmed(ctx, funding, 101)
	require.NoError(t, err)
	require.Equal(t, Relaxed, outcome)
	require.NoError(t, h.vault.FundingUnconfirmed(ctx, funding, 102))
	require.Empty(t, h.sink.takeTallies())

	balance, err := h.vault.AvailableCoins(ctx)
	require.NoError(t, err)
	require.Len(t, balance.Available, 1)
	require.Empty(t, balance.PendingReceive)

	coin := balance.Available[0]
	require.Equal(t, funding.OutPoint, coin.OutPoint)
	require.Equal(t, ledger.ConfirmedAt(101), coin.Received)
	require.Equal(t, source.Segwit, coin.Source)
	require.EqualValues(t, 1, coin.Path)
}

// TestFundingMirrorSource checks a funding to a source sharing the key
// index of another.
func TestFundingMirrorSource(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	funding := h.funding(2, source.Segwit0, 3, 7000)

	outcome, err := h.vault.FundingConfirmed(h.ctx, funding, 50)
	require.NoError(t, err)
	require.Equal(t, Relaxed, outcome)
	require.Equal(t, []ledger.TallyEvent{{
		Kind: ledger.ReceiveConfirmed, Amount: 7000,
	}}, h.sink.takeTallies())

	// The owner's keys extended by three, tagged for both sources.
	scripts, err := h.vault.ScriptPubKeys(h.ctx)
	require.NoError(t, err)

	var legacy0, segwit0 int
	for _, s := range scripts {
		switch s.Source {
		case source.Legacy0:
			legacy0++
		case source.Segwit0:
			segwit0++
		}
	}
	require.Equal(t, 9, legacy0)
	require.Equal(t, 9, segwit0)
}

// TestFundingStrictOutcome checks that funding an index at a multiple of
// the lookahead requests a rescan.
func TestFundingStrictOutcome(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	outcome, err := h.vault.FundingConfirmed(
		h.ctx, h.funding(1, source.Taproot, 0, 1000), 10,
	)
	require.NoError(t, err)
	require.Equal(t, Relaxed, outcome)
	h.sink.takeEvents()

	outcome, err = h.vault.FundingConfirmed(
		h.ctx, h.funding(2, source.Taproot, 5, 1000), 11,
	)
	require.NoError(t, err)
	require.Equal(t, Strict, outcome)

	var watched []uint32
	for _, e := range h.sink.takeEvents() {
		if w, ok := e.(WatchedScriptEvent); ok {
			require.Equal(t, source.Taproot, w.Script.Source)
			watched = append(watched, w.Script.Index)
		}
	}
	require.Equal(t, []uint32{6, 7, 8, 9, 10}, watched)
}

// TestFundingScriptMismatch checks that fundings not matching the key index
// are rejected without touching the ledger.
func TestFundingScriptMismatch(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	wrongScript := h.funding(1, source.Segwit, 1, 5000)
	wrongScript.Script.PkScript = h.script(source.Segwit, 2).PkScript

	notDerived := h.funding(2, source.Segwit, 1, 5000)
	notDerived.Script.Index = 500

	unknownSource := h.funding(3, source.Segwit, 1, 5000)
	unknownSource.Script.Source = source.Source(200)

	otherSource := h.funding(4, source.Segwit, 1, 5000)
	otherSource.Script.Source = source.Taproot

	testCases := []struct {
		funding source.FundingOutpoint
		reason  string
	}{
		{funding: wrongScript, reason: "derived at index 2"},
		{funding: notDerived, reason: "derived at index 1"},
		{funding: unknownSource, reason: "unknown"},
		{funding: otherSource, reason: "not derived by taproot"},
	}

	for _, tc := range testCases {
		f := tc.funding
		_, err := h.vault.FundingConfirmed(h.ctx, f, 100)
		require.ErrorIs(t, err, ErrScriptMismatch, f.String())
		require.ErrorContains(t, err, tc.reason)

		err = h.vault.FundingUnconfirmed(h.ctx, f, 100)
		require.ErrorIs(t, err, ErrScriptMismatch, f.String())
		require.ErrorContains(t, err, tc.reason)
	}

	require.Empty(t, h.sink.takeEvents())

	balance, err := h.vault.AvailableCoins(h.ctx)
	require.NoError(t, err)
	require.Empty(t, balance.Available)
	require.Empty(t, balance.PendingReceive)
}

// TestFundingInvalidAmount checks that amounts a coin record cannot hold
// are rejected without events.
func TestFundingInvalidAmount(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	for i, amount := range []btcutil.Amount{-1, btcutil.MaxSatoshi + 1} {
		f := h.funding(byte(i+1), source.Segwit, 1, amount)

		_, err := h.vault.FundingConfirmed(h.ctx, f, 100)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)

		err = h.vault.FundingUnconfirmed(h.ctx, f, 100)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}

	require.Empty(t, h.sink.takeEvents())

	balance, err := h.vault.AvailableCoins(h.ctx)
	require.NoError(t, err)
	require.Empty(t, balance.Available)
	require.Empty(t, balance.PendingReceive)
}

// TestSpendScenario spends a confirmed coin through the mempool and a
// block.
func TestSpendScenario(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := h.ctx

	funding := h.funding(1, source.Taproot, 0, 100)
	h.fundConfirmed(funding, 100)

	ops, err := h.vault.SpendableOutpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{funding.OutPoint}, ops)

	tx := testSpendTx(funding.OutPoint)
	err = h.vault.SpentUnconfirmed(ctx, funding.OutPoint, 150, nil, tx)
	require.NoError(t, err)
	require.Equal(t, []ledger.TallyEvent{{
		Kind: ledger.SpentUnconfirmed, Amount: 100,
	}}, h.sink.takeTallies())

	ops, err = h.vault.SpendableOutpoints(ctx)
	require.NoError(t, err)
	require.Empty(t, ops)

	// Replays leave the coin unchanged.
	err = h.vault.SpentUnconfirmed(ctx, funding.OutPoint, 150, nil, tx)
	require.NoError(t, err)
	require.Empty(t, h.sink.takeTallies())

	pending, err := h.vault.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, tx.TxHash(), pending[0].TxHash())

	balance, err := h.vault.AvailableCoins(ctx)
	require.NoError(t, err)
	require.Empty(t, balance.Available)
	require.Len(t, balance.PendingSpend, 1)

	err = h.vault.SpentConfirmed(ctx, funding.OutPoint, 150, nil, tx)
	require.NoError(t, err)
	require.Equal(t, []ledger.TallyEvent{{
		Kind: ledger.SpentPromoted, Amount: 100,
	}}, h.sink.takeTallies())

	err = h.vault.SpentConfirmed(ctx, funding.OutPoint, 150, nil, tx)
	require.NoError(t, err)
	require.Empty(t, h.sink.takeTallies())

	balance, err = h.vault.AvailableCoins(ctx)
	require.NoError(t, err)
	require.Empty(t, balance.Available)
	require.Empty(t, balance.PendingSpend)

	pending, err = h.vault.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestSpendUnknownOutpoint checks that spending an outpoint the ledger
// never recorded aborts.
func TestSpendUnknownOutpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, Restore(ctx, cfg, testWords))
	cfg.Sink.(*mockSink).On("Notify", mock.Anything, mock.Anything).
		Return(nil)

	r, err := load(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.close())
	})

	op := testOutPoint(9)
	state := ledger.PendingSpend(ledger.SpendRecord{
		Height: 10, Tx: testSpendTx(op),
	})
	require.Panics(t, func() {
		_ = r.spend(ctx, op, state)
	})
}

// TestClassifyFunding checks the funding table against every recorded
// state.
func TestClassifyFunding(t *testing.T) {
	t.Parallel()

	pending := ledger.PendingSpend(ledger.SpendRecord{
		Height: 120, Tx: testSpendTx(testOutPoint(1)),
	})
	coinWith := func(recv ledger.ReceivedState,
		spent ledger.SpentState) ledger.Coin {

		return ledger.Coin{
			ID:       4,
			OutPoint: testOutPoint(1),
			Amount:   900,
			Received: recv,
			Spent:    spent,
			Source:   source.Taproot,
		}
	}
	unspent := ledger.UnspentState()

	testCases := []struct {
		name      string
		existing  fn.Option[ledger.Coin]
		incoming  ledger.ReceivedState
		action    coinAction
		event     fn.Option[ledger.TallyKind]
		spentKind ledger.SpentKind
	}{
		{
			name:     "new confirmed",
			existing: fn.None[ledger.Coin](),
			incoming: ledger.ConfirmedAt(100),
			action:   actionAppend,
			event:    fn.Some(ledger.ReceiveConfirmed),
		},
		{
			name:     "new unconfirmed",
			existing: fn.None[ledger.Coin](),
			incoming: ledger.UnconfirmedAt(100),
			action:   actionAppend,
			event:    fn.Some(ledger.ReceiveUnconfirmed),
		},
		{
			name: "promoted",
			existing: fn.Some(coinWith(
				ledger.UnconfirmedAt(99), unspent,
			)),
			incoming: ledger.ConfirmedAt(100),
			action:   actionRewrite,
			event:    fn.Some(ledger.ReceivePromoted),
		},
		{
			name: "replayed unconfirmed",
			existing: fn.Some(coinWith(
				ledger.UnconfirmedAt(99), unspent,
			)),
			incoming: ledger.UnconfirmedAt(100),
			action:   actionNone,
		},
		{
			name: "late unconfirmed",
			existing: fn.Some(coinWith(
				ledger.ConfirmedAt(99), unspent,
			)),
			incoming: ledger.UnconfirmedAt(100),
			action:   actionNone,
		},
		{
			name: "duplicate confirmed",
			existing: fn.Some(coinWith(
				ledger.ConfirmedAt(99), pending,
			)),
			incoming: ledger.ConfirmedAt(100),
			action:   actionNone,
		},
		{
			name: "unconfirmed after rollback",
			existing: fn.Some(coinWith(
				ledger.RolledBackFrom(99), pending,
			)),
			incoming: ledger.UnconfirmedAt(100),
			action:   actionNone,
		},
		{
			name: "confirmed after rollback",
			existing: fn.Some(coinWith(
				ledger.RolledBackFrom(99), pending,
			)),
			incoming:  ledger.ConfirmedAt(100),
			action:    actionRewrite,
			spentKind: ledger.Pending,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			action, coin, event := classifyFunding(
				tc.existing, coinWith(tc.incoming, unspent),
			)
			require.Equal(t, tc.action, action)
			require.Equal(t, tc.incoming, coin.Received)
			require.Equal(t, tc.spentKind, coin.Spent.Kind)

			if tc.existing.IsSome() {
				require.Equal(t, 4, coin.ID)
			}

			require.Equal(t, tc.event.IsSome(), event.IsSome())
			event.WhenSome(func(e ledger.TallyEvent) {
				require.Equal(t, tc.event.UnsafeFromSome(),
					e.Kind)
				require.EqualValues(t, 900, e.Amount)
			})
		})
	}

	require.Panics(t, func() {
		classifyFunding(
			fn.None[ledger.Coin](),
			coinWith(ledger.RolledBackFrom(100), unspent),
		)
	})
}
