// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"fmt"
)

// Slot names one of the two ledgers of a Pair.
type Slot uint8

const (
	// SlotFirst is the ledger stored with the .1 suffix.
	SlotFirst Slot = 0

	// SlotSecond is the ledger stored with the .2 suffix.
	SlotSecond Slot = 1
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	return s ^ 1
}

// String returns first or second.
func (s Slot) String() string {
	if s == SlotFirst {
		return "first"
	}

	return "second"
}

// Suffix returns the file name suffix of the slot.
func (s Slot) Suffix() string {
	return fmt.Sprintf(".%d", uint8(s)+1)
}

// PersistFunc records which slot is current so the choice survives a
// restart.
type PersistFunc func(ctx context.Context, current Slot) error

// Pair holds two ledgers, one current and one backup. Rewriting the ledger
// fills the backup and then flips which slot is current, so readers never
// observe a ledger half way through a rewrite.
type Pair struct {
	slots   [2]*Ledger
	current Slot
}

// NewPair returns a pair of the two ledgers with current being authoritative.
func NewPair(first, second *Ledger, current Slot) *Pair {
	return &Pair{
		slots:   [2]*Ledger{first, second},
		current: current,
	}
}

// Current returns the authoritative ledger.
func (p *Pair) Current() *Ledger {
	return p.slots[p.current]
}

// Backup returns the ledger that is rewritten next.
func (p *Pair) Backup() *Ledger {
	return p.slots[p.current.Other()]
}

// CurrentSlot returns the slot of the authoritative ledger.
func (p *Pair) CurrentSlot() Slot {
	return p.current
}

// StoreAndSwitch replaces the ledger content by coins. The coins are written
// to the backup, which is synced, the new slot is persisted, and only then
// the roles are swapped. A failure at any step leaves the current ledger
// authoritative and untouched.
func (p *Pair) StoreAndSwitch(ctx context.Context, coins []Coin,
	persist PersistFunc) error {

	backup := p.Backup()
	if err := backup.Truncate(ctx); err != nil {
		return fmt.Errorf("truncate backup ledger: %w", err)
	}
	if err := backup.AppendAll(ctx, coins); err != nil {
		return fmt.Errorf("fill backup ledger: %w", err)
	}
	if err := backup.Sync(ctx); err != nil {
		return fmt.Errorf("sync backup ledger: %w", err)
	}

	next := p.current.Other()
	if persist != nil {
		if err := persist(ctx, next); err != nil {
			return fmt.Errorf("persist ledger slot: %w", err)
		}
	}

	log.Infof("Switched ledger from %v to %v slot with %d coins",
		p.current, next, len(coins))
	p.current = next

	return nil
}

// Close closes both ledgers.
func (p *Pair) Close() error {
	var firstErr error
	for _, l := range p.slots {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
