// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keyindex stores the public keys derived for each source branch
// and keeps enough of them ahead of the highest used index for incoming
// payments to be recognized.
package keyindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/source"
)

var (
	// ErrScriptNotFound is returned when no stored key derives a script.
	ErrScriptNotFound = errors.New("script not found in key index")

	// ErrIndexGap is returned when appending a record whose index is not
	// the next position of the file.
	ErrIndexGap = errors.New("key record index does not follow the end")
)

// KeyIndex is an append-only file of derived public keys. A key's index is
// the position of its record.
type KeyIndex struct {
	file *fileio.RecordFile
}

// Open opens the key index file at path.
func Open(ctx context.Context, pool *fileio.Pool, path string,
	create bool) (*KeyIndex, error) {

	file, err := fileio.Open(ctx, pool, path, RecordSize, create)
	if err != nil {
		return nil, err
	}

	return &KeyIndex{file: file}, nil
}

// Close closes the key index file.
func (k *KeyIndex) Close() error {
	return k.file.Close()
}

// Count returns the number of stored keys.
func (k *KeyIndex) Count(ctx context.Context) (int, error) {
	return k.file.Count(ctx)
}

// Append stores the records, which must continue the index without gaps.
func (k *KeyIndex) Append(ctx context.Context, records ...Record) error {
	count, err := k.Count(ctx)
	if err != nil {
		return err
	}

	encoded := make([][]byte, 0, len(records))
	for i, r := range records {
		if int(r.Index) != count+i {
			return fmt.Errorf("%w: got %d, want %d", ErrIndexGap,
				r.Index, count+i)
		}
		encoded = append(encoded, r.encode())
	}

	if _, err := k.file.Append(ctx, encoded...); err != nil {
		return err
	}

	return k.file.Sync(ctx)
}

// Find returns the record at index.
func (k *KeyIndex) Find(ctx context.Context, index uint32) (Record, error) {
	records, err := k.FindRange(ctx, int(index), int(index))
	if err != nil {
		return Record{}, err
	}

	return records[0], nil
}

// FindRange returns the records from through through, inclusive, clamped
// to the end of the index.
func (k *KeyIndex) FindRange(ctx context.Context, from,
	through int) ([]Record, error) {

	raw, err := k.file.ReadRange(ctx, from, through)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raw))
	for i, b := range raw {
		r, err := decodeRecord(uint32(from+i), b)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}

// All returns every stored record.
func (k *KeyIndex) All(ctx context.Context) ([]Record, error) {
	records, err := k.FindRange(ctx, 0, int(^uint(0)>>1))
	if errors.Is(err, fileio.ErrFileEmpty) {
		return nil, nil
	}

	return records, err
}

// FindIndex returns the index of the key deriving script under src. The
// search walks backward from through in chunks of buffer records.
func (k *KeyIndex) FindIndex(ctx context.Context, src source.Source,
	script []byte, through, buffer int) (uint32, error) {

	buffer = max(buffer, 1)
	for through >= 0 {
		start := max(0, through-buffer)

		records, err := k.FindRange(ctx, start, through)
		switch {
		case errors.Is(err, fileio.ErrFileEmpty):
			return 0, ErrScriptNotFound

		case err != nil:
			return 0, err
		}

		for _, r := range records {
			pub, err := r.PubKey()
			if err != nil {
				return 0, err
			}

			candidate, err := src.PkScript(pub)
			if err != nil {
				return 0, err
			}
			if bytes.Equal(candidate, script) {
				return r.Index, nil
			}
		}

		log.Tracef("Script %x not in %v keys %d..%d", script, src,
			start, through)

		through = start - 1
	}

	return 0, ErrScriptNotFound
}
