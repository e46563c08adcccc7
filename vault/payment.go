package vault

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/pkg/btcunit"
	"github.com/btcsuite/btcvault/source"
	"github.com/btcsuite/btcvault/txbuilder"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// PaymentRequest describes an outgoing payment.
type PaymentRequest struct {
	// Amount is paid to PkScript.
	Amount   btcutil.Amount
	PkScript []byte

	// Rate is the fee rate.
	Rate btcunit.SatPerVByte

	// Height is the current tip. It is used as locktime and as the
	// height the payment is recorded at.
	Height int32
}

// txRequest returns the builder request of the payment.
func (r *runningState) txRequest(amount btcutil.Amount, pkScript []byte,
	rate btcunit.SatPerVByte, lock fn.Option[uint32]) txbuilder.Request {

	return txbuilder.Request{
		Amount:     amount,
		PkScript:   pkScript,
		Rate:       rate,
		LockHeight: lock,
		Dust:       r.cfg.DustAmount,
	}
}

// selectCoins chooses the inputs of a payment among the spendable coins.
func (r *runningState) selectCoins(ctx context.Context,
	req txbuilder.Request) (*txbuilder.Predictor, error) {

	spendable, err := r.ledgers.Current().SpendableTally(ctx)
	if err != nil {
		return nil, err
	}

	return txbuilder.Select(req, spendable)
}

// changeScript allocates the next taproot change index and returns its
// tagged script.
func (r *runningState) changeScript(ctx context.Context) (
	source.TaggedScript, error) {

	idx := r.index(source.TaprootChange)
	index, scripts, err := idx.Rebuffer(ctx, fn.None[uint32]())
	if err != nil {
		return source.TaggedScript{}, err
	}
	r.notifyScripts(ctx, scripts)

	script, err := idx.Script(ctx, source.TaprootChange, index)
	if err != nil {
		return source.TaggedScript{}, err
	}

	return source.TaggedScript{
		Source:   source.TaprootChange,
		Index:    index,
		PkScript: script,
	}, nil
}

// pay builds, signs and dispatches a payment, then records the refund as an
// unconfirmed funding and the inputs as pending spends.
func (r *runningState) pay(ctx context.Context,
	payment PaymentRequest) (*wire.MsgTx, error) {

	req := r.txRequest(
		payment.Amount, payment.PkScript, payment.Rate,
		fn.Some(uint32(payment.Height)),
	)
	p, err := r.selectCoins(ctx, req)
	if err != nil {
		return nil, err
	}

	var change source.TaggedScript
	if p.HasRefund() {
		change, err = r.changeScript(ctx)
		if err != nil {
			return nil, err
		}
	}

	master, err := r.props.Master(r.cfg.SeedPassword)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	signer := txbuilder.NewSigner(master, r.cfg.ChainParams)
	signed, err := signer.Sign(p, change.PkScript)
	if err != nil {
		return nil, err
	}

	var changeOuts []uint8
	if signed.Refund != nil {
		changeOuts = []uint8{txbuilder.RefundIndex}
	}

	// The spend record must fit in every input's ledger record.
	record := ledger.SpendRecord{
		Height:     payment.Height,
		ChangeOuts: changeOuts,
		Tx:         signed.Tx,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	err = r.cfg.Dispatcher.Dispatch(ctx, signed.Tx)
	if err != nil {
		return nil, fmt.Errorf("dispatch payment: %w", err)
	}

	txid := signed.Tx.TxHash()
	log.Debugf("Dispatched payment: %v", newLogClosure(func() string {
		return spew.Sdump(signed.Tx)
	}))
	log.Infof("Paid %v to %x in %v (%v) with refund %v", payment.Amount,
		payment.PkScript, txid, btcunit.TxVSize(signed.Tx),
		signed.Refund != nil)

	if signed.Refund != nil {
		refund := source.FundingOutpoint{
			OutPoint: *wire.NewOutPoint(&txid, txbuilder.RefundIndex),
			Amount:   btcutil.Amount(signed.Refund.Value),
			Script:   change,
		}
		_, err := r.fund(
			ctx, refund, ledger.UnconfirmedAt(payment.Height),
		)
		if err != nil {
			return nil, err
		}
	}

	pending := ledger.PendingSpend(record)
	for _, coin := range p.Inputs {
		if err := r.spend(ctx, coin.OutPoint, pending); err != nil {
			return nil, err
		}
	}

	return signed.Tx, nil
}

// EstimateCost returns the fee of paying amount to pkScript at rate from
// the spendable coins.
func (v *Vault) EstimateCost(ctx context.Context, amount btcutil.Amount,
	pkScript []byte, rate btcunit.SatPerVByte) (btcutil.Amount, error) {

	var cost btcutil.Amount
	err := v.do(ctx, "estimate cost",
		func(ctx context.Context, r *runningState) error {
			req := r.txRequest(
				amount, pkScript, rate, fn.None[uint32](),
			)
			p, err := r.selectCoins(ctx, req)
			if err != nil {
				return err
			}
			cost = p.Fee()

			return nil
		},
	)

	return cost, err
}

// Pay builds and signs a payment, hands it to the dispatcher and records
// its effect on the ledger. It returns the dispatched transaction.
func (v *Vault) Pay(ctx context.Context,
	payment PaymentRequest) (*wire.MsgTx, error) {

	var tx *wire.MsgTx
	err := v.do(ctx, "pay", func(ctx context.Context, r *runningState) error {
		var err error
		tx, err = r.pay(ctx, payment)

		return err
	})

	return tx, err
}
