package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// baseUnit stores a transaction size in weight units (wu).
type baseUnit struct {
	wu uint64
}

// ToWU converts the unit to a WeightUnit.
func (b baseUnit) ToWU() WeightUnit {
	return WeightUnit{b}
}

// ToVB converts the unit to a VByte.
func (b baseUnit) ToVB() VByte {
	return VByte{b}
}

// WeightUnit expresses a transaction size as base size * 3 + total size.
type WeightUnit struct {
	baseUnit
}

// NewWeightUnit creates a new WeightUnit from a uint64 value.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit{baseUnit{wu: val}}
}

// Weight returns the size in weight units.
func (w WeightUnit) Weight() uint64 {
	return w.wu
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", w.wu)
}

// VByte expresses a transaction size in virtual bytes, a quarter of its
// weight rounded up.
type VByte struct {
	baseUnit
}

// NewVByte creates a new VByte from a uint64 value.
func NewVByte(val uint64) VByte {
	return VByte{baseUnit{wu: val * blockchain.WitnessScaleFactor}}
}

// VSize returns the size in whole virtual bytes.
func (v VByte) VSize() uint64 {
	return (v.wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", v.VSize())
}

// TxWeight returns the weight of tx as serialized, witness included.
func TxWeight(tx *wire.MsgTx) WeightUnit {
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	return NewWeightUnit(uint64(weight))
}

// TxVSize returns the virtual size of tx.
func TxVSize(tx *wire.MsgTx) VByte {
	return NewVByte(TxWeight(tx).ToVB().VSize())
}
