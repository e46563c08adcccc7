package vault

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
	"github.com/stretchr/testify/require"
)

func stateCoin(id int, recv ledger.ReceivedState,
	spent ledger.SpentState) ledger.Coin {

	return ledger.Coin{
		ID:       id,
		OutPoint: testOutPoint(byte(id)),
		Amount:   1000,
		Received: recv,
		Spent:    spent,
		Source:   source.Segwit,
		Path:     uint32(id),
	}
}

func pendingAt(height int32) ledger.SpentState {
	return ledger.PendingSpend(ledger.SpendRecord{
		Height: height, Tx: testSpendTx(testOutPoint(0)),
	})
}

func spentAt(height int32) ledger.SpentState {
	return ledger.ConfirmedSpend(ledger.SpendRecord{
		Height: height, Tx: testSpendTx(testOutPoint(0)),
	})
}

// TestRollbackCoin checks the rollback of every legal coin state.
func TestRollbackCoin(t *testing.T) {
	t.Parallel()

	const height = 100
	unspent := ledger.UnspentState()

	testCases := []struct {
		name     string
		coin     ledger.Coin
		kept     bool
		received ledger.ReceivedState
		spent    ledger.SpentKind
	}{
		{
			name: "spent coin confirmed in replaced block",
			coin: stateCoin(
				1, ledger.ConfirmedAt(100), spentAt(101),
			),
		},
		{
			name: "spend in replaced block",
			coin: stateCoin(
				1, ledger.ConfirmedAt(99), spentAt(100),
			),
			kept:     true,
			received: ledger.ConfirmedAt(99),
			spent:    ledger.Unspent,
		},
		{
			name: "settled spend",
			coin: stateCoin(
				1, ledger.ConfirmedAt(98), spentAt(99),
			),
			kept:     true,
			received: ledger.ConfirmedAt(98),
			spent:    ledger.Spent,
		},
		{
			name: "pending spend of replaced coin",
			coin: stateCoin(
				1, ledger.ConfirmedAt(100), pendingAt(150),
			),
			kept:     true,
			received: ledger.RolledBackFrom(100),
			spent:    ledger.Pending,
		},
		{
			name: "pending spend of settled coin",
			coin: stateCoin(
				1, ledger.ConfirmedAt(99), pendingAt(150),
			),
			kept:     true,
			received: ledger.ConfirmedAt(99),
			spent:    ledger.Pending,
		},
		{
			name: "confirmed in replaced block",
			coin: stateCoin(1, ledger.ConfirmedAt(100), unspent),
		},
		{
			name:     "confirmed before",
			coin:     stateCoin(1, ledger.ConfirmedAt(99), unspent),
			kept:     true,
			received: ledger.ConfirmedAt(99),
		},
		{
			name: "unconfirmed at rollback height",
			coin: stateCoin(1, ledger.UnconfirmedAt(100), unspent),
		},
		{
			name:     "unconfirmed before",
			coin:     stateCoin(1, ledger.UnconfirmedAt(50), unspent),
			kept:     true,
			received: ledger.UnconfirmedAt(50),
		},
		{
			name: "already rolled back",
			coin: stateCoin(
				1, ledger.RolledBackFrom(120), pendingAt(150),
			),
			kept:     true,
			received: ledger.RolledBackFrom(120),
			spent:    ledger.Pending,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			coin, kept := rollbackCoin(tc.coin, height)
			require.Equal(t, tc.kept, kept)
			if !kept {
				return
			}

			require.Equal(t, tc.received, coin.Received)
			require.Equal(t, tc.spent, coin.Spent.Kind)
		})
	}

	for _, spent := range []ledger.SpentState{unspent, spentAt(150)} {
		coin := stateCoin(1, ledger.RolledBackFrom(120), spent)
		require.Panics(t, func() {
			rollbackCoin(coin, height)
		})
	}
	require.Panics(t, func() {
		rollbackCoin(
			stateCoin(1, ledger.UnconfirmedAt(50), pendingAt(60)),
			height,
		)
	})
}

// TestConsolidateCoins checks which coins survive a consolidation and
// their order.
func TestConsolidateCoins(t *testing.T) {
	t.Parallel()

	const threshold, stale = 194, 100
	unspent := ledger.UnspentState()

	coins := []ledger.Coin{
		stateCoin(0, ledger.ConfirmedAt(196), unspent),
		stateCoin(1, ledger.ConfirmedAt(10), unspent),
		stateCoin(2, ledger.ConfirmedAt(10), spentAt(11)),
		stateCoin(3, ledger.ConfirmedAt(10), spentAt(195)),
		stateCoin(4, ledger.UnconfirmedAt(99), unspent),
		stateCoin(5, ledger.UnconfirmedAt(100), unspent),
		stateCoin(6, ledger.ConfirmedAt(10), pendingAt(99)),
		stateCoin(7, ledger.ConfirmedAt(10), pendingAt(100)),
		stateCoin(8, ledger.RolledBackFrom(99), pendingAt(150)),
		stateCoin(9, ledger.RolledBackFrom(150), pendingAt(150)),
	}

	kept := consolidateCoins(coins, threshold, stale)

	var ids []int
	for _, c := range kept {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []int{1, 3, 7, 5, 9, 0}, ids)

	require.Panics(t, func() {
		consolidateCoins([]ledger.Coin{
			stateCoin(1, ledger.RolledBackFrom(120), unspent),
		}, threshold, stale)
	})
}

// TestRollbackScenario rolls back a reorganized block and replays it.
func TestRollbackScenario(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := h.ctx

	settled := h.funding(1, source.Taproot, 0, 1000)
	spentLate := h.funding(2, source.Taproot, 1, 2000)
	unconfirmed := h.funding(3, source.Segwit, 1, 3000)
	replaced := h.funding(4, source.Taproot, 2, 4000)
	replacedLater := h.funding(5, source.Taproot, 3, 5000)
	dropped := h.funding(6, source.Taproot, 4, 6000)

	h.fundConfirmed(spentLate, 99)
	h.fundConfirmed(settled, 100)
	require.NoError(t, h.vault.FundingUnconfirmed(ctx, unconfirmed, 100))
	h.fundConfirmed(replaced, 101)
	h.fundConfirmed(replacedLater, 102)
	h.fundConfirmed(dropped, 102)

	spendTx := testSpendTx(settled.OutPoint)
	for _, op := range []wire.OutPoint{
		settled.OutPoint, replaced.OutPoint, replacedLater.OutPoint,
	} {
		err := h.vault.SpentUnconfirmed(ctx, op, 1000, nil, spendTx)
		require.NoError(t, err)
	}
	err := h.vault.SpentConfirmed(
		ctx, spentLate.OutPoint, 101, nil, testSpendTx(spentLate.OutPoint),
	)
	require.NoError(t, err)
	h.sink.takeEvents()

	checkBalance := func() {
		t.Helper()

		balance, err := h.vault.AvailableCoins(ctx)
		require.NoError(t, err)

		require.Len(t, balance.Available, 1)
		require.Equal(t, spentLate.OutPoint,
			balance.Available[0].OutPoint)

		require.Len(t, balance.PendingReceive, 1)
		require.Equal(t, unconfirmed.OutPoint,
			balance.PendingReceive[0].OutPoint)

		require.Len(t, balance.PendingSpend, 3)
		require.Equal(t, ledger.ConfirmedAt(100),
			balance.PendingSpend[0].Received)
		require.Equal(t, ledger.RolledBackFrom(101),
			balance.PendingSpend[1].Received)
		require.Equal(t, ledger.RolledBackFrom(102),
			balance.PendingSpend[2].Received)
	}

	rollbackEvent := []ledger.TallyEvent{{Kind: ledger.TallyRollback}}

	require.NoError(t, h.vault.Rollback(ctx, 101))
	require.Equal(t, rollbackEvent, h.sink.takeTallies())
	checkBalance()

	// Rolling back to the same height again changes nothing.
	require.NoError(t, h.vault.Rollback(ctx, 101))
	require.Equal(t, rollbackEvent, h.sink.takeTallies())
	checkBalance()

	// The reorganized block is mined again and the pending spend is
	// carried over without tally event.
	outcome, err := h.vault.FundingConfirmed(ctx, replaced, 103)
	require.NoError(t, err)
	require.Equal(t, Relaxed, outcome)
	require.Empty(t, h.sink.takeTallies())

	err = h.vault.SpentConfirmed(ctx, replaced.OutPoint, 1001, nil, spendTx)
	require.NoError(t, err)
	require.Equal(t, []ledger.TallyEvent{{
		Kind: ledger.SpentPromoted, Amount: 4000,
	}}, h.sink.takeTallies())

	// The dropped coin is recorded anew when its block is mined again.
	outcome, err = h.vault.FundingConfirmed(ctx, dropped, 104)
	require.NoError(t, err)
	require.Equal(t, Relaxed, outcome)
	require.Equal(t, []ledger.TallyEvent{{
		Kind: ledger.ReceiveConfirmed, Amount: 6000,
	}}, h.sink.takeTallies())
}

// TestConsolidatePreservesSpendable consolidates the ledger and checks the
// spendable tally and the persisted active slot.
func TestConsolidatePreservesSpendable(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := h.ctx

	spendable := h.funding(1, source.Taproot, 0, 1000)
	settled := h.funding(2, source.Taproot, 1, 2000)
	stale := h.funding(3, source.Segwit, 1, 3000)
	pending := h.funding(4, source.Segwit, 2, 4000)
	recent := h.funding(5, source.Legacy44, 1, 5000)

	h.fundConfirmed(spendable, 10)
	h.fundConfirmed(settled, 10)
	require.NoError(t, h.vault.FundingUnconfirmed(ctx, stale, 50))
	h.fundConfirmed(pending, 150)
	h.fundConfirmed(recent, 195)

	require.NoError(t, h.vault.SpentConfirmed(
		ctx, settled.OutPoint, 11, nil, testSpendTx(settled.OutPoint),
	))
	require.NoError(t, h.vault.SpentUnconfirmed(
		ctx, pending.OutPoint, 150, nil, testSpendTx(pending.OutPoint),
	))
	require.NoError(t, h.vault.SpentConfirmed(
		ctx, recent.OutPoint, 196, nil, testSpendTx(recent.OutPoint),
	))
	h.sink.takeEvents()

	before, err := h.vault.AvailableCoins(ctx)
	require.NoError(t, err)

	require.NoError(t, h.vault.Consolidate(ctx, 200))
	require.Empty(t, h.sink.takeEvents())

	after, err := h.vault.AvailableCoins(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Available, after.Available)
	require.Empty(t, after.PendingReceive)
	require.Len(t, after.PendingSpend, 1)
	require.Equal(t, pending.OutPoint, after.PendingSpend[0].OutPoint)

	slot, err := NewProperties(h.cfg.Secrets, h.cfg.Properties).
		ActiveSlot()
	require.NoError(t, err)
	require.Equal(t, ledger.SlotSecond, slot)

	// A vault loaded from the same files reads the consolidated ledger.
	reloaded := openVault(t, h.cfg)
	t.Cleanup(func() {
		require.NoError(t, reloaded.Stop(ctx))
	})

	history, err := reloaded.History(ctx, nil)
	require.NoError(t, err)

	var incoming, outgoing int
	for _, rec := range history {
		switch rec.Flow {
		case Incoming:
			incoming++
		case Outgoing:
			outgoing++
		}
	}
	require.Equal(t, 3, incoming)
	require.Equal(t, 2, outgoing)
}
