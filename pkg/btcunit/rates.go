// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides fee rate and transaction size units.
package btcunit

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places shown when
	// formatting a fee rate.
	floatStringPrecision = 3
)

// ErrInvalidFeeRate is returned when a fee rate cannot be represented.
var ErrInvalidFeeRate = errors.New("invalid fee rate")

// SatPerVByte is a fee rate in sat/vbyte. The rate is kept as an exact
// rational number of satoshis per kilo-weight-unit so fractional rates such
// as 1.5 sat/vb do not lose precision.
type SatPerVByte struct {
	satsPerKWU *big.Rat
}

// NewSatPerVByte returns a whole-satoshi fee rate.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte returns the rate paying fee for vb virtual bytes.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	if vb.wu == 0 {
		return SatPerVByte{satsPerKWU: big.NewRat(0, 1)}
	}

	return SatPerVByte{satsPerKWU: big.NewRat(
		int64(fee)*kilo, safeUint64ToInt64(vb.wu),
	)}
}

// ParseSatPerVByte converts a decimal sat/vb rate. Negative, infinite and
// NaN values are rejected.
func ParseSatPerVByte(rate float64) (SatPerVByte, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return SatPerVByte{}, fmt.Errorf("%w: %v sat/vb",
			ErrInvalidFeeRate, rate)
	}

	perVByte := new(big.Rat).SetFloat64(rate)
	if perVByte == nil {
		return SatPerVByte{}, fmt.Errorf("%w: %v sat/vb",
			ErrInvalidFeeRate, rate)
	}

	// sat/vb * 1000 / 4 = sat/kwu.
	perKWU := perVByte.Mul(
		perVByte, big.NewRat(kilo, blockchain.WitnessScaleFactor),
	)

	return SatPerVByte{satsPerKWU: perKWU}, nil
}

// rat returns the rate, treating the zero value as zero.
func (s SatPerVByte) rat() *big.Rat {
	if s.satsPerKWU == nil {
		return new(big.Rat)
	}

	return s.satsPerKWU
}

// IsPositive reports whether the rate is above zero.
func (s SatPerVByte) IsPositive() bool {
	return s.rat().Sign() > 0
}

// FeeForWeight returns the fee for weight, rounded to the nearest satoshi
// with halves rounded up.
func (s SatPerVByte) FeeForWeight(weight WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(
		s.rat(), big.NewRat(safeUint64ToInt64(weight.wu), kilo),
	)

	// floor(fee + 1/2)
	fee.Add(fee, big.NewRat(1, 2))
	quotient := new(big.Int).Div(fee.Num(), fee.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeePerKVByte returns the rate in sat/kvb truncated to whole satoshis, the
// unit of the relay policy checks.
func (s SatPerVByte) FeePerKVByte() btcutil.Amount {
	perKVB := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, 1),
	)
	quotient := new(big.Int).Div(perKVB.Num(), perKVB.Denom())

	return btcutil.Amount(quotient.Int64())
}

// Equal reports whether both rates are identical.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) == 0
}

// LessThan reports whether the rate is below other.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) < 0
}

// String returns e.g. 1.500 sat/vb.
func (s SatPerVByte) String() string {
	perVByte := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, kilo),
	)

	return perVByte.FloatString(floatStringPrecision) + " sat/vb"
}

// safeUint64ToInt64 converts a uint64 to an int64, capping the result at
// math.MaxInt64.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
