package vault

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
	"golang.org/x/sync/errgroup"
)

// AvailableCoins returns the coins of the current ledger grouped into
// available, pending receive and pending spend.
func (v *Vault) AvailableCoins(ctx context.Context) (ledger.Balance, error) {
	var balance ledger.Balance
	err := v.do(ctx, "available coins",
		func(ctx context.Context, r *runningState) error {
			var err error
			balance, err = r.ledgers.Current().FullTally(ctx)

			return err
		},
	)

	return balance, err
}

// PendingTransactions returns the unconfirmed transactions spending coins
// of the wallet, one entry per pending coin.
func (v *Vault) PendingTransactions(ctx context.Context) ([]*wire.MsgTx,
	error) {

	var txs []*wire.MsgTx
	err := v.do(ctx, "pending transactions",
		func(ctx context.Context, r *runningState) error {
			var err error
			txs, err = r.ledgers.Current().PendingTransactions(ctx)

			return err
		},
	)

	return txs, err
}

// SpendableOutpoints returns the outpoints of the spendable coins, which a
// chain scanner watches for spends.
func (v *Vault) SpendableOutpoints(ctx context.Context) ([]wire.OutPoint,
	error) {

	var ops []wire.OutPoint
	err := v.do(ctx, "spendable outpoints",
		func(ctx context.Context, r *runningState) error {
			var err error
			ops, err = r.ledgers.Current().Outpoints(ctx)

			return err
		},
	)

	return ops, err
}

// History returns the transactions of the wallet ordered by height. When
// lookup is set it is called once per distinct height, outside the main
// loop, to fill in block times.
func (v *Vault) History(ctx context.Context,
	lookup HeightLookup) ([]HistoryRecord, error) {

	var records []HistoryRecord
	err := v.do(ctx, "history",
		func(ctx context.Context, r *runningState) error {
			var err error
			records, err = r.history(ctx)

			return err
		},
	)
	if err != nil || lookup == nil {
		return records, err
	}

	if err := fillTimes(ctx, records, lookup); err != nil {
		return nil, err
	}

	return records, nil
}

// LastAddress returns the encoded address of the next unused index of src.
func (v *Vault) LastAddress(ctx context.Context,
	src source.Source) (string, error) {

	var addr string
	err := v.do(ctx, "last address",
		func(ctx context.Context, r *runningState) error {
			if !src.Valid() {
				return source.ErrUnknownSource
			}

			idx := r.index(src)
			index, err := idx.NextUnused(ctx)
			if err != nil {
				return err
			}

			a, err := idx.Address(ctx, src, index, r.cfg.ChainParams)
			if err != nil {
				return err
			}
			addr = a.EncodeAddress()

			return nil
		},
	)

	return addr, err
}

// ScriptPubKeys returns the tagged script of every derived key for every
// source.
func (v *Vault) ScriptPubKeys(ctx context.Context) ([]source.TaggedScript,
	error) {

	var scripts []source.TaggedScript
	err := v.do(ctx, "script pubkeys",
		func(ctx context.Context, r *runningState) error {
			unique := source.Unique()
			results := make([][]source.TaggedScript, len(unique))

			g, ctx := errgroup.WithContext(ctx)
			for i, src := range unique {
				idx := r.index(src)
				g.Go(func() error {
					var err error
					results[i], err = idx.ScriptPubKeys(ctx)

					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for _, s := range results {
				scripts = append(scripts, s...)
			}

			return nil
		},
	)

	return scripts, err
}
