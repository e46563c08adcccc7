// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrScriptMismatch is returned for a funding whose tagged script is not
// the one derived at its source and index.
var ErrScriptMismatch = errors.New("funding script does not match key index")

// coinAction is the ledger change classified for a funding.
type coinAction uint8

const (
	// actionNone leaves the ledger unchanged.
	actionNone coinAction = iota

	// actionAppend adds a new coin.
	actionAppend

	// actionRewrite updates the existing coin in place.
	actionRewrite
)

// classifyFunding decides how a funding with the received state changes the
// ledger given the coin already recorded for its outpoint, if any. It
// returns the coin to write and the event to emit.
func classifyFunding(existing fn.Option[ledger.Coin], coin ledger.Coin) (
	coinAction, ledger.Coin, fn.Option[ledger.TallyEvent]) {

	noEvent := fn.None[ledger.TallyEvent]()
	event := func(kind ledger.TallyKind) fn.Option[ledger.TallyEvent] {
		return fn.Some(ledger.TallyEvent{Kind: kind, Amount: coin.Amount})
	}

	incoming := coin.Received.Kind
	if incoming == ledger.Rollback {
		panic(fmt.Sprintf("funding %v with rollback state", &coin))
	}

	if existing.IsNone() {
		if incoming == ledger.Confirmed {
			return actionAppend, coin, event(ledger.ReceiveConfirmed)
		}

		return actionAppend, coin, event(ledger.ReceiveUnconfirmed)
	}

	prior := existing.UnsafeFromSome()
	coin.ID = prior.ID

	switch {
	case prior.Received.Kind == ledger.Unconfirmed &&
		incoming == ledger.Confirmed:

		return actionRewrite, coin, event(ledger.ReceivePromoted)

	case incoming == ledger.Unconfirmed &&
		prior.Received.Kind != ledger.Rollback:

		log.Debugf("Ignoring late unconfirmed funding of %v", &prior)

		return actionNone, coin, noEvent

	case prior.Received.Kind == ledger.Confirmed:
		log.Warnf("Received duplicate confirmed funding of %v", &prior)

		return actionNone, coin, noEvent

	case prior.Received.Kind == ledger.Rollback &&
		incoming == ledger.Unconfirmed:

		log.Errorf("Received unconfirmed funding of rolled back %v",
			&prior)

		return actionNone, coin, noEvent

	case prior.Received.Kind == ledger.Rollback &&
		prior.Spent.Kind == ledger.Pending:

		// Rolled forward, the pending spend is carried over.
		coin.Spent = prior.Spent

		return actionRewrite, coin, noEvent
	}

	panic(fmt.Sprintf("illegal funding of %v as %v", &prior, coin.Received))
}

// checkScript verifies that the tagged script is derived at its index.
func (r *runningState) checkScript(ctx context.Context,
	tagged source.TaggedScript) error {

	if !tagged.Source.Valid() {
		return fmt.Errorf("%w: %v", ErrScriptMismatch,
			source.ErrUnknownSource)
	}

	script, err := r.index(tagged.Source).Script(
		ctx, tagged.Source, tagged.Index,
	)
	switch {
	case errors.Is(err, fileio.ErrOutOfRange),
		errors.Is(err, fileio.ErrFileEmpty):

		return r.scriptMismatch(ctx, tagged)

	case err != nil:
		return err

	case !bytes.Equal(script, tagged.PkScript):
		return r.scriptMismatch(ctx, tagged)
	}

	return nil
}

// scriptMismatch returns the mismatch error of tagged, naming the index
// that derives its script when the key index holds one.
func (r *runningState) scriptMismatch(ctx context.Context,
	tagged source.TaggedScript) error {

	index, err := r.index(tagged.Source).FindIndex(
		ctx, tagged.Source, tagged.PkScript,
	)
	switch {
	case errors.Is(err, keyindex.ErrScriptNotFound):
		return fmt.Errorf("%w: %v is not derived by %v",
			ErrScriptMismatch, tagged, tagged.Source)

	case err != nil:
		return err
	}

	return fmt.Errorf("%w: %v is derived at index %d", ErrScriptMismatch,
		tagged, index)
}

// findCoin searches the current ledger for the coin of op, starting at the
// first coin received at least MaximumRollback blocks below height.
func (r *runningState) findCoin(ctx context.Context, op wire.OutPoint,
	height int32) (fn.Option[ledger.Coin], error) {

	current := r.ledgers.Current()
	from, err := current.FindBoundary(
		ctx, height-r.cfg.MaximumRollback, ledger.First,
	)
	if err != nil {
		return fn.None[ledger.Coin](), err
	}

	coin, ok, err := current.FindOutpoint(ctx, op, from, r.cfg.FindBuffer)
	if err != nil || !ok {
		return fn.None[ledger.Coin](), err
	}

	return fn.Some(coin), nil
}

// fund records a funding in the received state.
func (r *runningState) fund(ctx context.Context,
	funding source.FundingOutpoint,
	received ledger.ReceivedState) (CommitOutcome, error) {

	log.Infof("Funding %v %v", funding, received)

	if err := ledger.CheckAmount(funding.Amount); err != nil {
		return Relaxed, err
	}

	tagged := funding.Script
	if err := r.checkScript(ctx, tagged); err != nil {
		return Relaxed, err
	}

	idx := r.index(tagged.Source)
	_, scripts, err := idx.Rebuffer(ctx, fn.Some(tagged.Index))
	if err != nil {
		return Relaxed, fmt.Errorf("rebuffer %v: %w", tagged.Source, err)
	}
	r.notifyScripts(ctx, scripts)

	outcome := Relaxed
	if tagged.Index > 0 && tagged.Index%uint32(idx.Lookahead()) == 0 {
		outcome = Strict
	}

	existing, err := r.findCoin(ctx, funding.OutPoint, received.Height)
	if err != nil {
		return outcome, err
	}

	action, coin, event := classifyFunding(existing, ledger.Coin{
		OutPoint: funding.OutPoint,
		Amount:   funding.Amount,
		Received: received,
		Spent:    ledger.UnspentState(),
		Source:   tagged.Source,
		Path:     tagged.Index,
	})

	current := r.ledgers.Current()
	switch action {
	case actionAppend:
		_, err = current.Append(ctx, coin)

	case actionRewrite:
		err = current.Write(ctx, coin)
	}
	if err != nil {
		return outcome, err
	}
	if action != actionNone {
		if err := current.Sync(ctx); err != nil {
			return outcome, err
		}
	}

	event.WhenSome(func(e ledger.TallyEvent) {
		r.notify(ctx, TallyEvent{e})
	})

	return outcome, nil
}

// spend applies a spend notification to the coin of op. The outpoint must
// belong to a recorded coin.
func (r *runningState) spend(ctx context.Context, op wire.OutPoint,
	state ledger.SpentState) error {

	log.Infof("Spending %v %v", op, state)

	current := r.ledgers.Current()
	coin, ok, err := current.FindOutpoint(ctx, op, 0, r.cfg.FindBuffer)
	if err != nil {
		return err
	}
	if !ok {
		panic(fmt.Sprintf("spend of unknown outpoint %v", op))
	}

	event, changed, err := current.Spent(ctx, coin.ID, state)
	if err != nil {
		return err
	}
	if !changed {
		log.Debugf("Ignoring replayed spend of %v", &coin)
		return nil
	}

	r.notify(ctx, TallyEvent{event})

	return nil
}

// FundingConfirmed records an output paying to the wallet mined at height.
// It returns Strict when the funded index requires the block to be
// rescanned with the newly derived scripts.
func (v *Vault) FundingConfirmed(ctx context.Context,
	funding source.FundingOutpoint, height int32) (CommitOutcome, error) {

	var outcome CommitOutcome
	err := v.do(ctx, "funding confirmed",
		func(ctx context.Context, r *runningState) error {
			var err error
			outcome, err = r.fund(
				ctx, funding, ledger.ConfirmedAt(height),
			)

			return err
		},
	)

	return outcome, err
}

// FundingUnconfirmed records an output paying to the wallet seen in the
// mempool while the tip was at height.
func (v *Vault) FundingUnconfirmed(ctx context.Context,
	funding source.FundingOutpoint, height int32) error {

	return v.do(ctx, "funding unconfirmed",
		func(ctx context.Context, r *runningState) error {
			_, err := r.fund(ctx, funding, ledger.UnconfirmedAt(height))
			return err
		},
	)
}

// SpentConfirmed records that op was spent by tx mined at height.
// changeOuts lists the outputs of tx paying back to the wallet.
func (v *Vault) SpentConfirmed(ctx context.Context, op wire.OutPoint,
	height int32, changeOuts []uint8, tx *wire.MsgTx) error {

	state := ledger.ConfirmedSpend(ledger.SpendRecord{
		Height: height, ChangeOuts: changeOuts, Tx: tx,
	})

	return v.do(ctx, "spent confirmed",
		func(ctx context.Context, r *runningState) error {
			return r.spend(ctx, op, state)
		},
	)
}

// SpentUnconfirmed records that op was spent by tx seen in the mempool
// while the tip was at height.
func (v *Vault) SpentUnconfirmed(ctx context.Context, op wire.OutPoint,
	height int32, changeOuts []uint8, tx *wire.MsgTx) error {

	state := ledger.PendingSpend(ledger.SpendRecord{
		Height: height, ChangeOuts: changeOuts, Tx: tx,
	})

	return v.do(ctx, "spent unconfirmed",
		func(ctx context.Context, r *runningState) error {
			return r.spend(ctx, op, state)
		},
	)
}
