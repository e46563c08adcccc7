// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/btcsuite/btcvault/ledger"
)

// rollbackCoin returns the state of coin after the chain was rolled back so
// that height is the first block to be replaced. It returns false for coins
// that no longer exist.
func rollbackCoin(coin ledger.Coin, height int32) (ledger.Coin, bool) {
	received, spent := coin.Received, coin.Spent

	switch {
	case received.Kind == ledger.Confirmed && spent.Kind == ledger.Spent:
		if received.Height >= height {
			return coin, false
		}
		if spent.Height() >= height {
			coin.Spent = ledger.UnspentState()
		}

		return coin, true

	case received.Kind == ledger.Confirmed && spent.Kind == ledger.Pending:
		if received.Height >= height {
			coin.Received = ledger.RolledBackFrom(received.Height)
		}

		return coin, true

	case received.Kind != ledger.Rollback && spent.Kind == ledger.Unspent:
		return coin, received.Height < height

	case received.Kind == ledger.Rollback && spent.Kind == ledger.Pending:
		return coin, true
	}

	panic(fmt.Sprintf("rollback to %d of illegal %v", height, &coin))
}

// rollbackCoins applies rollbackCoin to every coin, keeping their order.
func rollbackCoins(coins []ledger.Coin, height int32) []ledger.Coin {
	kept := make([]ledger.Coin, 0, len(coins))
	for _, c := range coins {
		if c, ok := rollbackCoin(c, height); ok {
			kept = append(kept, c)
		}
	}

	return kept
}

// consolidateCoins drops the coins that are settled below threshold, and
// the unconfirmed, pending and rolled back states older than stale. The
// survivors are ordered by received height.
func consolidateCoins(coins []ledger.Coin, threshold,
	stale int32) []ledger.Coin {

	kept := make([]ledger.Coin, 0, len(coins))
	for _, c := range coins {
		received, spent := c.Received, c.Spent

		var drop bool
		switch {
		case received.Kind == ledger.Confirmed:
			switch spent.Kind {
			case ledger.Spent:
				drop = received.Height < threshold &&
					spent.Height() < threshold

			case ledger.Pending:
				drop = spent.Height() < stale
			}

		case received.Kind == ledger.Unconfirmed &&
			spent.Kind == ledger.Unspent:

			drop = received.Height < stale

		case received.Kind == ledger.Rollback &&
			spent.Kind == ledger.Pending:

			drop = received.Height < stale || spent.Height() < stale

		default:
			panic(fmt.Sprintf("consolidating illegal %v", &c))
		}

		if drop {
			log.Debugf("Consolidation drops %v", &c)
			continue
		}
		kept = append(kept, c)
	}

	slices.SortStableFunc(kept, func(a, b ledger.Coin) int {
		return cmp.Compare(a.Received.Height, b.Received.Height)
	})

	return kept
}

// storeAndSwitch replaces the current ledger by coins through the backup
// slot and persists the new active slot.
func (r *runningState) storeAndSwitch(ctx context.Context,
	coins []ledger.Coin) error {

	return r.ledgers.StoreAndSwitch(ctx, coins, r.props.SetActiveSlot)
}

// rollback undoes every block from height on. The rollback event is sent
// even when the ledger could not be rewritten.
func (r *runningState) rollback(ctx context.Context, height int32) error {
	log.Infof("Rolling back to height %d", height)

	defer r.notify(ctx, TallyEvent{ledger.TallyEvent{
		Kind: ledger.TallyRollback,
	}})

	coins, err := r.ledgers.Current().All(ctx)
	if err != nil {
		return err
	}

	return r.storeAndSwitch(ctx, rollbackCoins(coins, height))
}

// consolidate prunes settled and stale coins relative to the tip.
func (r *runningState) consolidate(ctx context.Context, tip int32) error {
	threshold := tip - r.cfg.ConsolidateBacklog
	stale := tip - r.cfg.ConsolidateUnconfirmed

	coins, err := r.ledgers.Current().All(ctx)
	if err != nil {
		return err
	}

	kept := consolidateCoins(coins, threshold, stale)
	log.Infof("Consolidating at tip %d keeps %d of %d coins", tip,
		len(kept), len(coins))

	return r.storeAndSwitch(ctx, kept)
}

// Rollback undoes the effect of every block from height on, after a chain
// reorganization. A rollback event is always emitted.
func (v *Vault) Rollback(ctx context.Context, height int32) error {
	return v.do(ctx, "rollback",
		func(ctx context.Context, r *runningState) error {
			return r.rollback(ctx, height)
		},
	)
}

// Consolidate prunes coins that are settled relative to tip from the
// ledger.
func (v *Vault) Consolidate(ctx context.Context, tip int32) error {
	return v.do(ctx, "consolidate",
		func(ctx context.Context, r *runningState) error {
			return r.consolidate(ctx, tip)
		},
	)
}
