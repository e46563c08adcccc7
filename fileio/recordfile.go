// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fileio

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrFileEmpty is returned when reading from a file without records.
	ErrFileEmpty = errors.New("no records in file")

	// ErrOutOfRange is returned when a record id is beyond the end of the
	// file.
	ErrOutOfRange = errors.New("record id out of range")

	// ErrRecordSize is returned when a record does not have the file's
	// record size.
	ErrRecordSize = errors.New("record has wrong size")
)

// appendChunkRecords is the number of records an append writes per worker.
const appendChunkRecords = 32

// RecordFile is a file of fixed-size records addressed by their position.
// It is not safe for concurrent mutation, callers serialize writes.
type RecordFile struct {
	file       *os.File
	path       string
	recordSize int
	pool       *Pool
}

// Open opens the record file at path, creating it when create is set.
func Open(ctx context.Context, pool *Pool, path string, recordSize int,
	create bool) (*RecordFile, error) {

	if recordSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrRecordSize, recordSize)
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	var file *os.File
	err := pool.Do(ctx, func() error {
		var err error
		file, err = os.OpenFile(path, flags, 0600)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open record file %s: %w", path, err)
	}

	log.Debugf("Opened record file %s (record size %d)", path, recordSize)

	return &RecordFile{
		file:       file,
		path:       path,
		recordSize: recordSize,
		pool:       pool,
	}, nil
}

// Path returns the file's path.
func (f *RecordFile) Path() string {
	return f.path
}

// RecordSize returns the size of one record in bytes.
func (f *RecordFile) RecordSize() int {
	return f.recordSize
}

// Count returns the number of complete records in the file. A torn trailing
// record is ignored and overwritten by the next append.
func (f *RecordFile) Count(ctx context.Context) (int, error) {
	var count int
	err := f.pool.Do(ctx, func() error {
		var err error
		count, err = f.count()

		return err
	})

	return count, err
}

func (f *RecordFile) count() (int, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}

	return int(info.Size() / int64(f.recordSize)), nil
}

// Read returns the record at id.
func (f *RecordFile) Read(ctx context.Context, id int) ([]byte, error) {
	records, err := f.ReadRange(ctx, id, id)
	if err != nil {
		return nil, err
	}

	return records[0], nil
}

// ReadRange returns the records from id from through id through, both
// inclusive. The upper bound is clamped to the last record.
func (f *RecordFile) ReadRange(ctx context.Context, from,
	through int) ([][]byte, error) {

	var records [][]byte
	err := f.pool.Do(ctx, func() error {
		count, err := f.count()
		switch {
		case err != nil:
			return err

		case count == 0:
			return ErrFileEmpty

		case from < 0 || from >= count || through < from:
			return fmt.Errorf("%w: %d..%d of %d", ErrOutOfRange,
				from, through, count)
		}

		through = min(through, count-1)
		buf := make([]byte, (through-from+1)*f.recordSize)
		_, err = f.file.ReadAt(buf, int64(from)*int64(f.recordSize))
		if err != nil {
			return err
		}

		records = make([][]byte, 0, through-from+1)
		for off := 0; off < len(buf); off += f.recordSize {
			records = append(records, buf[off:off+f.recordSize])
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Write overwrites the existing record at id.
func (f *RecordFile) Write(ctx context.Context, id int, record []byte) error {
	if len(record) != f.recordSize {
		return fmt.Errorf("%w: %d", ErrRecordSize, len(record))
	}

	return f.pool.Do(ctx, func() error {
		count, err := f.count()
		if err != nil {
			return err
		}
		if id < 0 || id >= count {
			return fmt.Errorf("%w: write %d of %d", ErrOutOfRange,
				id, count)
		}

		_, err = f.file.WriteAt(record, int64(id)*int64(f.recordSize))

		return err
	})
}

// Append writes the records at the end of the file and returns the id of the
// first one. Large appends are written in chunks running concurrently on the
// pool. A failed append truncates the file back to its previous end.
func (f *RecordFile) Append(ctx context.Context,
	records ...[]byte) (int, error) {

	for _, r := range records {
		if len(r) != f.recordSize {
			return 0, fmt.Errorf("%w: %d", ErrRecordSize, len(r))
		}
	}

	first, err := f.Count(ctx)
	if err != nil || len(records) == 0 {
		return first, err
	}

	var results []<-chan error
	for start := 0; start < len(records); start += appendChunkRecords {
		chunk := records[start:min(start+appendChunkRecords,
			len(records))]
		buf := make([]byte, 0, len(chunk)*f.recordSize)
		for _, r := range chunk {
			buf = append(buf, r...)
		}

		offset := int64(first+start) * int64(f.recordSize)
		results = append(results, f.pool.Go(ctx, func() error {
			_, err := f.file.WriteAt(buf, offset)
			return err
		}))
	}

	var errs []error
	for _, result := range results {
		if err := <-result; err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		// The rollback runs even when ctx ended.
		truncErr := f.Truncate(context.Background(), first)
		if truncErr != nil {
			log.Errorf("Unable to drop partial append to %s: %v",
				f.path, truncErr)
		}

		return first, fmt.Errorf("append to %s: %w", f.path, err)
	}

	return first, nil
}

// Truncate shrinks the file to count records.
func (f *RecordFile) Truncate(ctx context.Context, count int) error {
	return f.pool.Do(ctx, func() error {
		return f.file.Truncate(int64(count) * int64(f.recordSize))
	})
}

// Sync flushes the file to stable storage.
func (f *RecordFile) Sync(ctx context.Context) error {
	return f.pool.Do(ctx, f.file.Sync)
}

// Close syncs and closes the file.
func (f *RecordFile) Close() error {
	if err := f.file.Sync(); err != nil {
		log.Warnf("Unable to sync %s on close: %v", f.path, err)
	}

	return f.file.Close()
}
