// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault is the ledger engine of the wallet. It owns the coin
// ledgers and key indices, applies funding, spend, rollback and
// consolidation notifications, answers balance and history queries and
// builds payments.
//
// All state is owned by a single main loop goroutine. Every public method
// submits a request to that loop and waits for its result, so requests are
// applied one at a time in arrival order.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrIllegalState is returned for requests the vault cannot serve in its
// current lifecycle state.
var ErrIllegalState = errors.New("illegal vault state")

// Vault is the ledger engine. It moves from idle to running on Load and to
// stopped on Stop.
type Vault struct {
	cfg Config

	// state is only accessed by the main loop.
	state vaultState

	requestChan chan any

	// lifetimeCtx is canceled when the main loop exits.
	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New validates cfg and returns an idle vault with its main loop running.
func New(cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &Vault{
		cfg:         cfg,
		state:       idleState{},
		requestChan: make(chan any),
	}
	v.lifetimeCtx, v.cancel = context.WithCancel(context.Background())

	v.wg.Add(1)
	go v.mainLoop()

	return v, nil
}

// resultChan is a generic channel for returning errors to callers.
type resultChan chan error

// loadReq requests the wallet files to be opened.
type loadReq struct {
	resp resultChan
}

// stopReq requests the wallet files to be closed and the main loop to exit.
type stopReq struct {
	resp resultChan
}

// opReq runs an operation against the loaded state.
type opReq struct {
	name string
	fn   func(ctx context.Context, r *runningState) error
	resp resultChan
}

// mainLoop serializes every request of the vault.
func (v *Vault) mainLoop() {
	defer v.wg.Done()
	defer v.cancel()

	for {
		select {
		case req := <-v.requestChan:
			switch r := req.(type) {
			case loadReq:
				v.handleLoadReq(r)

			case opReq:
				v.handleOpReq(r)

			case stopReq:
				v.handleStopReq(r)

				return

			default:
				log.Errorf("Vault received unknown request type: %T",
					req)
			}

		case <-v.lifetimeCtx.Done():
			return
		}
	}
}

// handleLoadReq opens the wallet files of an idle vault.
func (v *Vault) handleLoadReq(req loadReq) {
	if _, ok := v.state.(idleState); !ok {
		req.resp <- fmt.Errorf("%w: load in %v state", ErrIllegalState,
			v.state)

		return
	}

	running, err := load(v.lifetimeCtx, &v.cfg)
	if err != nil {
		req.resp <- err
		return
	}

	v.state = running
	req.resp <- nil
}

// handleOpReq runs an operation if the vault is running.
func (v *Vault) handleOpReq(req opReq) {
	running, ok := v.state.(*runningState)
	if !ok {
		req.resp <- fmt.Errorf("%w: %s in %v state", ErrIllegalState,
			req.name, v.state)

		return
	}

	req.resp <- req.fn(v.lifetimeCtx, running)
}

// handleStopReq closes the files of a running vault.
func (v *Vault) handleStopReq(req stopReq) {
	var err error
	if running, ok := v.state.(*runningState); ok {
		err = running.close()
	}

	log.Infof("Vault stopped from %v state", v.state)
	v.state = stoppedState{}
	req.resp <- err
}

// sendReq sends a request to the main loop or handles cancellation.
func (v *Vault) sendReq(ctx context.Context, req any) error {
	select {
	case v.requestChan <- req:
		return nil

	case <-v.lifetimeCtx.Done():
		return fmt.Errorf("%w: vault stopped", ErrIllegalState)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForResp waits for the response from a request or handles
// cancellation. A request accepted by the main loop always runs to
// completion even when ctx is canceled.
func (v *Vault) waitForResp(ctx context.Context, resp <-chan error) error {
	select {
	case err := <-resp:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the main loop against the loaded state.
func (v *Vault) do(ctx context.Context, name string,
	fn func(ctx context.Context, r *runningState) error) error {

	req := opReq{name: name, fn: fn, resp: make(resultChan, 1)}
	if err := v.sendReq(ctx, req); err != nil {
		return err
	}

	return v.waitForResp(ctx, req.resp)
}

// Load opens the files of an initialized wallet and starts serving
// requests.
func (v *Vault) Load(ctx context.Context) error {
	req := loadReq{resp: make(resultChan, 1)}
	if err := v.sendReq(ctx, req); err != nil {
		return err
	}

	return v.waitForResp(ctx, req.resp)
}

// Stop closes the wallet files and ends the main loop. A stopped vault
// rejects every further request with ErrIllegalState.
func (v *Vault) Stop(ctx context.Context) error {
	req := stopReq{resp: make(resultChan, 1)}
	if err := v.sendReq(ctx, req); err != nil {
		return err
	}

	err := v.waitForResp(ctx, req.resp)
	v.wg.Wait()

	return err
}
