// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/pkg/btcunit"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// adaptedCandidates is the number of highest value coins tried when looking
// for a right-sized refund.
const adaptedCandidates = 6

// minRelayRate is the default relay policy's minimum fee rate.
var minRelayRate = btcunit.CalcSatPerVByte(
	txrules.DefaultRelayFeePerKb, btcunit.NewVByte(1000),
)

// Select chooses the inputs paying the request from the spendable coins.
// It first looks among the highest value coins for a refund between half
// and four times the amount, then adds coins greatest first until the
// payment is covered, and finally falls back to spending every coin.
func Select(req Request, spendable ledger.Tally) (*Predictor, error) {
	if req.Amount <= req.dust() {
		return nil, fmt.Errorf("%w: %v", ErrDustAmount, req.Amount)
	}
	if !req.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: %v", ErrIllegalFeeRate, req.Rate)
	}
	if req.Rate.LessThan(minRelayRate) {
		log.Warnf("Fee rate %v is below the relay minimum of %d sat/kvb",
			req.Rate, minRelayRate.FeePerKVByte())
	}

	err := txrules.CheckOutput(
		wire.NewTxOut(int64(req.Amount), req.PkScript),
		txrules.DefaultRelayFeePerKb,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDustAmount, err)
	}

	all, err := Build(req, spendable)
	if err != nil {
		return nil, fundsError(req, spendable, err)
	}

	sorted := slices.Clone(spendable)
	slices.SortStableFunc(sorted, func(a, b ledger.Coin) int {
		return cmp.Compare(a.Amount, b.Amount)
	})

	if p, ok := selectAdapted(req, sorted); ok {
		log.Debugf("Selected right-sized refund: %v", p)
		return p, nil
	}
	if p, ok := selectGreatestFirst(req, sorted); ok {
		log.Debugf("Selected greatest first: %v", p)
		return p, nil
	}

	log.Debugf("Selected all coins: %v", all)

	return all, nil
}

// fundsError classifies a failure to pay from every coin.
func fundsError(req Request, coins ledger.Tally, err error) error {
	if !errors.Is(err, errInsufficientFunds) {
		return err
	}

	zero := req
	zero.Amount = 0
	if p, err := Build(zero, coins); err == nil {
		return &NotEnoughFundsError{Cost: p.Fee()}
	}

	return ErrCostGreaterThanFunds
}

// selectAdapted adds the highest value coins in ascending order until the
// refund is right-sized. A build without refund is an exact match.
func selectAdapted(req Request, sorted ledger.Tally) (*Predictor, bool) {
	upper := req.Amount * 4
	lower := max(req.Amount/2, req.dust())

	top := sorted[max(0, len(sorted)-adaptedCandidates):]
	for n := 1; n <= len(top); n++ {
		p, err := Build(req, top[:n])
		if err != nil {
			continue
		}
		if p.Refund == nil {
			return p, true
		}

		refund := btcutil.Amount(p.Refund.Value)
		if refund > upper {
			return nil, false
		}
		if refund >= lower {
			return p, true
		}
	}

	return nil, false
}

// selectGreatestFirst adds coins from the highest value down until the
// payment is covered.
func selectGreatestFirst(req Request, sorted ledger.Tally) (*Predictor,
	bool) {

	var inputs ledger.Tally
	for i := len(sorted) - 1; i >= 0; i-- {
		inputs = append(inputs, sorted[i])

		if p, err := Build(req, inputs); err == nil {
			return p, true
		}
	}

	return nil, false
}
