package fileio

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const testRecordSize = 8

func record(b byte) []byte {
	return bytes.Repeat([]byte{b}, testRecordSize)
}

func newTestFile(t *testing.T) *RecordFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), "records.dat")
	f, err := Open(
		context.Background(), NewPool(2), path, testRecordSize, true,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	return f
}

// TestRecordFileAppendRead checks appending and reading records back.
func TestRecordFileAppendRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newTestFile(t)

	_, err := f.Read(ctx, 0)
	require.ErrorIs(t, err, ErrFileEmpty)

	first, err := f.Append(ctx, record(1), record(2))
	require.NoError(t, err)
	require.Zero(t, first)

	first, err = f.Append(ctx, record(3))
	require.NoError(t, err)
	require.Equal(t, 2, first)

	count, err := f.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	rec, err := f.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, record(2), rec)

	// The upper bound is clamped to the last record.
	recs, err := f.ReadRange(ctx, 1, 100)
	require.NoError(t, err)
	require.Equal(t, [][]byte{record(2), record(3)}, recs)

	_, err = f.Read(ctx, 3)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = f.Append(ctx, []byte{1})
	require.ErrorIs(t, err, ErrRecordSize)
}

// TestRecordFileWriteTruncate checks in-place overwrites and truncation.
func TestRecordFileWriteTruncate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newTestFile(t)

	_, err := f.Append(ctx, record(1), record(2))
	require.NoError(t, err)

	require.NoError(t, f.Write(ctx, 1, record(9)))
	rec, err := f.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, record(9), rec)

	// Writing beyond the end is not an append.
	err = f.Write(ctx, 2, record(7))
	require.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, f.Truncate(ctx, 0))
	require.NoError(t, f.Sync(ctx))

	count, err := f.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

// TestPoolBounded checks that the pool never runs more operations than it
// has workers.
func TestPoolBounded(t *testing.T) {
	t.Parallel()

	pool := NewPool(2)

	var (
		running atomic.Int32
		peak    atomic.Int32
		failed  atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := pool.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				running.Add(-1)

				return nil
			})
			if err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	require.LessOrEqual(t, peak.Load(), int32(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the pool, then a cancelled context cannot acquire a worker.
	block := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = pool.Do(context.Background(), func() error {
				started <- struct{}{}
				<-block

				return nil
			})
		}()
	}
	<-started
	<-started

	err := pool.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	close(block)
}

// TestRecordFileChunkedAppend checks that an append spanning several chunks
// keeps the records in order.
func TestRecordFileChunkedAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newTestFile(t)

	_, err := f.Append(ctx, record(0xff))
	require.NoError(t, err)

	n := 3*appendChunkRecords + 5
	records := make([][]byte, n)
	for i := range records {
		records[i] = record(byte(i))
	}

	first, err := f.Append(ctx, records...)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	count, err := f.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, n+1, count)

	got, err := f.ReadRange(ctx, 1, n)
	require.NoError(t, err)
	require.Equal(t, records, got)
}

// TestPoolGo checks background operations and their results.
func TestPoolGo(t *testing.T) {
	t.Parallel()

	pool := NewPool(1)
	errTest := errors.New("test")

	block := make(chan struct{})
	first := pool.Go(context.Background(), func() error {
		<-block
		return errTest
	})

	// The only worker is busy, so a cancelled context gets no worker.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, <-pool.Go(ctx, func() error { return nil }),
		context.Canceled)

	close(block)
	require.ErrorIs(t, <-first, errTest)
	require.NoError(t, <-pool.Go(context.Background(), func() error {
		return nil
	}))
}
