// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package secretstore keeps the wallet's secrets encrypted under a
// passphrase, together with a small set of plain properties, in a walletdb
// database.
package secretstore

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bolt backed walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// DBName is the file name of the store inside the data directory.
	DBName = "vault.db"

	// dbDriver is the walletdb driver backing the store.
	dbDriver = "bdb"

	// DefaultTimeout bounds the wait for the database file lock.
	DefaultTimeout = 10 * time.Second
)

var (
	// secretsBucket holds values sealed with the passphrase.
	secretsBucket = []byte("secrets")

	// propertiesBucket holds plain values such as checksums.
	propertiesBucket = []byte("properties")
)

// ErrNotFound is returned when no value is stored under a key.
var ErrNotFound = errors.New("key not found")

// Store is a walletdb backed key value store. Secrets are sealed with
// argon2id and XChaCha20-Poly1305, properties are stored as is.
type Store struct {
	db         walletdb.DB
	passphrase []byte
	params     Params
}

// Create creates a new store database at path.
func Create(path string, passphrase []byte, params Params) (*Store, error) {
	db, err := walletdb.Create(dbDriver, path, true, DefaultTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	return New(db, passphrase, params)
}

// Open opens the existing store database at path. New secrets are sealed
// with DefaultParams, existing ones keep the parameters they were sealed
// with.
func Open(path string, passphrase []byte) (*Store, error) {
	db, err := walletdb.Open(dbDriver, path, true, DefaultTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return New(db, passphrase, DefaultParams())
}

// New returns a store over db, creating its buckets when missing. The store
// takes ownership of db.
func New(db walletdb.DB, passphrase []byte, params Params) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if _, err := tx.CreateTopLevelBucket(secretsBucket); err != nil {
			return err
		}

		_, err := tx.CreateTopLevelBucket(propertiesBucket)

		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{
		db:         db,
		passphrase: bytes.Clone(passphrase),
		params:     params,
	}, nil
}

// get returns a copy of the value under key in bucket.
func (s *Store) get(bucket []byte, key string) ([]byte, error) {
	var value []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		v := tx.ReadBucket(bucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		value = bytes.Clone(v)

		return nil
	})

	return value, err
}

// put stores value under key in bucket.
func (s *Store) put(bucket []byte, key string, value []byte) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(bucket).Put([]byte(key), value)
	})
}

// Get returns the secret stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	sealed, err := s.get(secretsBucket, key)
	if err != nil {
		return nil, err
	}

	secret, err := open(sealed, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("open secret %s: %w", key, err)
	}

	return secret, nil
}

// Put seals value and stores it under key, replacing any previous secret.
func (s *Store) Put(key string, value []byte) error {
	sealed, err := seal(value, s.passphrase, s.params)
	if err != nil {
		return err
	}

	log.Debugf("Storing secret %s", key)

	return s.put(secretsBucket, key, sealed)
}

// Property returns the property stored under key.
func (s *Store) Property(key string) ([]byte, error) {
	return s.get(propertiesBucket, key)
}

// SetProperty stores value under key.
func (s *Store) SetProperty(key string, value []byte) error {
	return s.put(propertiesBucket, key, value)
}

// Close clears the passphrase and closes the database.
func (s *Store) Close() error {
	clear(s.passphrase)

	return s.db.Close()
}
