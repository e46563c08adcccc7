package vault

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
)

// Event is a notification produced while the vault processes a request. It
// is either a TallyEvent or a WatchedScriptEvent.
type Event interface {
	fmt.Stringer

	isEvent()
}

// TallyEvent reports a classified change of the balance.
type TallyEvent struct {
	ledger.TallyEvent
}

func (TallyEvent) isEvent() {}

// WatchedScriptEvent reports a newly derived script the scanner should
// start watching.
type WatchedScriptEvent struct {
	Script source.TaggedScript
}

func (WatchedScriptEvent) isEvent() {}

// String returns a compact description used in logs.
func (e WatchedScriptEvent) String() string {
	return fmt.Sprintf("watch(%v)", e.Script)
}

// EventSink receives the vault's events. Delivery is part of the mutation
// that produced the event, a returned error aborts the process.
type EventSink interface {
	Notify(ctx context.Context, event Event) error
}

// TxDispatcher broadcasts signed transactions.
type TxDispatcher interface {
	Dispatch(ctx context.Context, tx *wire.MsgTx) error
}

// CommitOutcome tells the scanner whether a confirmed funding moved the
// lookahead window far enough to require a rescan with the new scripts.
type CommitOutcome uint8

const (
	// Relaxed needs no further action.
	Relaxed CommitOutcome = iota

	// Strict means the funded index is a multiple of the lookahead and
	// the block should be rescanned with the new scripts.
	Strict
)

// String returns strict or relaxed.
func (o CommitOutcome) String() string {
	if o == Strict {
		return "strict"
	}

	return "relaxed"
}
