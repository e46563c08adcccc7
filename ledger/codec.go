// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/source"
)

const (
	// RecordSize is the size of a coin record on disk.
	RecordSize = 4096

	// headerSize is the size of the fixed fields preceding the
	// transaction slot.
	headerSize = 63

	// TxSlotSize is the largest serialized spending transaction a record
	// can hold.
	TxSlotSize = RecordSize - headerSize

	// maxChangeOuts is the number of change output indices a record
	// holds.
	maxChangeOuts = 4

	// noChange marks an unused change output byte.
	noChange = 0xff
)

// Field offsets within a record.
const (
	offTxID        = 0
	offVout        = offTxID + 32
	offAmount      = offVout + 4
	offSource      = offAmount + 8
	offPath        = offSource + 1
	offRecvType    = offPath + 4
	offRecvHeight  = offRecvType + 1
	offSpentType   = offRecvHeight + 4
	offSpentHeight = offSpentType + 1
	offChange      = offSpentHeight + 4
	offTx          = offChange + maxChangeOuts
)

// The field offsets must add up to the header size.
var (
	_ [offTx - headerSize]struct{}
	_ [headerSize - offTx]struct{}
)

var (
	// ErrTxTooLarge is returned when a spending transaction does not fit
	// into the record's transaction slot.
	ErrTxTooLarge = errors.New("spending transaction too large for record")

	// ErrTooManyChangeOuts is returned when a spend lists more change
	// outputs than a record holds.
	ErrTooManyChangeOuts = errors.New("too many change outputs")

	// ErrInvalidChangeOut is returned for a change output index that
	// collides with the unused change marker.
	ErrInvalidChangeOut = errors.New("invalid change output index")

	// ErrInvalidAmount is returned for a coin amount outside of
	// 0...MaxSatoshi.
	ErrInvalidAmount = errors.New("invalid coin amount")

	// ErrMalformedRecord is returned when a record fails a structural
	// check on decode.
	ErrMalformedRecord = errors.New("malformed coin record")
)

// CheckAmount returns ErrInvalidAmount unless amount can be stored.
func CheckAmount(amount btcutil.Amount) error {
	if amount < 0 || amount > btcutil.MaxSatoshi {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	return nil
}

// Validate checks that the spend record fits into a coin record.
func (r *SpendRecord) Validate() error {
	if r.Tx == nil {
		return fmt.Errorf("%w: spend record without transaction",
			ErrMalformedRecord)
	}
	if len(r.ChangeOuts) > maxChangeOuts {
		return fmt.Errorf("%w: %d", ErrTooManyChangeOuts,
			len(r.ChangeOuts))
	}
	for _, out := range r.ChangeOuts {
		if out == noChange {
			return fmt.Errorf("%w: %d", ErrInvalidChangeOut, out)
		}
	}
	if size := r.Tx.SerializeSize(); size > TxSlotSize {
		return fmt.Errorf("%w: %d bytes", ErrTxTooLarge, size)
	}

	return nil
}

// encodeCoin serializes the coin into a record. The record id is not stored,
// it is the record's position.
func encodeCoin(c *Coin) ([]byte, error) {
	if err := CheckAmount(c.Amount); err != nil {
		return nil, err
	}

	b := make([]byte, RecordSize)
	copy(b[offTxID:], c.OutPoint.Hash[:])
	binary.BigEndian.PutUint32(b[offVout:], c.OutPoint.Index)
	binary.BigEndian.PutUint64(b[offAmount:], uint64(c.Amount))
	b[offSource] = byte(c.Source)
	binary.BigEndian.PutUint32(b[offPath:], c.Path)
	b[offRecvType] = byte(c.Received.Kind)
	binary.BigEndian.PutUint32(b[offRecvHeight:], uint32(c.Received.Height))
	b[offSpentType] = byte(c.Spent.Kind)

	if c.Spent.Kind == Unspent {
		return b, nil
	}

	rec := c.Spent.Record
	if rec == nil {
		return nil, fmt.Errorf("%w: %v without spend record",
			ErrMalformedRecord, c.Spent.Kind)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	binary.BigEndian.PutUint32(b[offSpentHeight:], uint32(rec.Height))
	for i := 0; i < maxChangeOuts; i++ {
		b[offChange+i] = noChange
		if i < len(rec.ChangeOuts) {
			b[offChange+i] = rec.ChangeOuts[i]
		}
	}

	var tx bytes.Buffer
	if err := rec.Tx.Serialize(&tx); err != nil {
		return nil, err
	}
	copy(b[offTx:], tx.Bytes())

	return b, nil
}

// decodeCoin parses a record written by encodeCoin.
func decodeCoin(id int, b []byte) (Coin, error) {
	if len(b) != RecordSize {
		return Coin{}, fmt.Errorf("%w: size %d", ErrMalformedRecord,
			len(b))
	}

	c := Coin{ID: id}
	copy(c.OutPoint.Hash[:], b[offTxID:offVout])
	c.OutPoint.Index = binary.BigEndian.Uint32(b[offVout:])

	amount := binary.BigEndian.Uint64(b[offAmount:])
	if amount > btcutil.MaxSatoshi {
		return Coin{}, fmt.Errorf("%w: amount %d", ErrMalformedRecord,
			amount)
	}
	c.Amount = btcutil.Amount(amount)

	src, err := source.FromTag(b[offSource])
	if err != nil {
		return Coin{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	c.Source = src
	c.Path = binary.BigEndian.Uint32(b[offPath:])

	c.Received = ReceivedState{
		Kind:   ReceivedKind(b[offRecvType]),
		Height: int32(binary.BigEndian.Uint32(b[offRecvHeight:])),
	}
	if c.Received.Kind > Rollback {
		return Coin{}, fmt.Errorf("%w: received type %d",
			ErrMalformedRecord, c.Received.Kind)
	}

	kind := SpentKind(b[offSpentType])
	switch kind {
	case Unspent:
		c.Spent = UnspentState()

		return c, nil

	case Pending, Spent:

	default:
		return Coin{}, fmt.Errorf("%w: spent type %d",
			ErrMalformedRecord, kind)
	}

	rec := SpendRecord{
		Height: int32(binary.BigEndian.Uint32(b[offSpentHeight:])),
	}
	for _, out := range b[offChange:offTx] {
		if out == noChange {
			break
		}
		rec.ChangeOuts = append(rec.ChangeOuts, out)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b[offTx:])); err != nil {
		return Coin{}, fmt.Errorf("%w: spending tx: %v",
			ErrMalformedRecord, err)
	}
	rec.Tx = tx
	c.Spent = SpentState{Kind: kind, Record: &rec}

	return c, nil
}
