// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package fileio provides append-only files of fixed-size records whose
// blocking I/O runs on a bounded worker pool.
package fileio

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the number of concurrent file operations allowed by a
// pool created with a non-positive size.
const DefaultWorkers = 4

// Pool bounds the number of blocking file operations in flight.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool running at most workers operations at once.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do runs fn once a worker is free and returns its result. The context only
// bounds the wait for a free worker. Once fn started it always runs to
// completion.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return fn()
}

// Go runs fn on a worker in the background. The returned channel receives
// the result of fn, or the context error when no worker became free.
func (p *Pool) Go(ctx context.Context, fn func() error) <-chan error {
	done := make(chan error, 1)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		done <- err
		return done
	}

	go func() {
		defer p.sem.Release(1)

		done <- fn()
	}()

	return done
}
