package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
)

// vaultState is the lifecycle state of a Vault. It is only touched by the
// main loop.
type vaultState interface {
	fmt.Stringer

	isVaultState()
}

// idleState is a vault whose files are not loaded yet.
type idleState struct{}

func (idleState) isVaultState() {}

func (idleState) String() string {
	return "idle"
}

// stoppedState is a vault whose files were closed.
type stoppedState struct{}

func (stoppedState) isVaultState() {}

func (stoppedState) String() string {
	return "stopped"
}

// runningState bundles the resources of a loaded vault.
type runningState struct {
	cfg     *Config
	props   *Properties
	pool    *fileio.Pool
	ledgers *ledger.Pair

	// indices holds the key index of every unique source.
	indices map[source.Source]*keyindex.SourceIndex
}

func (*runningState) isVaultState() {}

func (*runningState) String() string {
	return "running"
}

// load opens the ledgers and key indices of an initialized wallet.
func load(ctx context.Context, cfg *Config) (*runningState, error) {
	props := NewProperties(cfg.Secrets, cfg.Properties)
	slot, err := props.ActiveSlot()
	if err != nil {
		return nil, err
	}

	r := &runningState{
		cfg:     cfg,
		props:   props,
		pool:    fileio.NewPool(cfg.FileWorkers),
		indices: make(map[source.Source]*keyindex.SourceIndex),
	}

	var slots [2]*ledger.Ledger
	for _, s := range []ledger.Slot{ledger.SlotFirst, ledger.SlotSecond} {
		slots[s], err = ledger.Open(ctx, r.pool, cfg.ledgerPath(s), false)
		if err != nil {
			for _, l := range slots {
				if l != nil {
					_ = l.Close()
				}
			}

			return nil, fmt.Errorf("open %v ledger: %w", s, err)
		}
	}
	r.ledgers = ledger.NewPair(slots[0], slots[1], slot)

	for _, src := range source.Unique() {
		if err := r.openIndex(ctx, src); err != nil {
			r.close()
			return nil, err
		}
	}

	log.Infof("Loaded vault from %s with %v ledger active", cfg.DataDir,
		slot)

	return r, nil
}

// openIndex opens the key index of src.
func (r *runningState) openIndex(ctx context.Context, src source.Source) error {
	account, err := r.props.LoadNode(src)
	if err != nil {
		return err
	}

	keys, err := keyindex.Open(ctx, r.pool, r.cfg.keyIndexPath(src), false)
	if err != nil {
		return fmt.Errorf("open %v key index: %w", src, err)
	}

	idx, err := keyindex.New(r.cfg.indexConfig(src, account), keys)
	if err != nil {
		_ = keys.Close()
		return err
	}
	r.indices[src] = idx

	return nil
}

// index returns the key index serving src.
func (r *runningState) index(src source.Source) *keyindex.SourceIndex {
	idx, ok := r.indices[src.UniqueSource()]
	if !ok {
		panic(fmt.Sprintf("no key index for %v", src))
	}

	return idx
}

// close closes every file of the bundle.
func (r *runningState) close() error {
	var errs []error
	if r.ledgers != nil {
		errs = append(errs, r.ledgers.Close())
	}
	for _, idx := range r.indices {
		errs = append(errs, idx.Close())
	}

	return errors.Join(errs...)
}

// notify delivers an event to the sink. A failing sink leaves the vault
// state and the scanner's view out of sync, so it aborts.
func (r *runningState) notify(ctx context.Context, event Event) {
	log.Debugf("Notifying %v", event)

	if err := r.cfg.Sink.Notify(ctx, event); err != nil {
		panic(fmt.Sprintf("event sink failed on %v: %v", event, err))
	}
}

// notifyScripts announces newly derived scripts.
func (r *runningState) notifyScripts(ctx context.Context,
	scripts []source.TaggedScript) {

	for _, s := range scripts {
		r.notify(ctx, WatchedScriptEvent{Script: s})
	}
}
