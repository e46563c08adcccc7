// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyindex

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/source"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultLookahead is the number of keys kept derived past the
	// highest used index.
	DefaultLookahead = 25

	// DefaultFindBuffer is the chunk size of backward script searches.
	DefaultFindBuffer = 2000
)

// Config holds the parameters of a SourceIndex.
type Config struct {
	// Source is the unique source owning the index.
	Source source.Source

	// Account is the neutered account node of Source. Keys are derived
	// from its base or change branch.
	Account *keytree.NeuteredNode

	// Lookahead is the number of keys kept past the highest used index.
	Lookahead int

	// FindBuffer is the chunk size of backward script searches.
	FindBuffer int
}

// SourceIndex binds a KeyIndex to the source it derives keys for. Mirror
// sources share the index of their owner and read the same keys under a
// different script template.
type SourceIndex struct {
	cfg    Config
	branch *keytree.NeuteredNode
	keys   *KeyIndex
}

// New returns the index of cfg.Source stored in keys.
func New(cfg Config, keys *KeyIndex) (*SourceIndex, error) {
	if !cfg.Source.Valid() || !cfg.Source.IsUnique() {
		return nil, fmt.Errorf("%w: %v does not own a key index",
			source.ErrUnknownSource, cfg.Source)
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.FindBuffer <= 0 {
		cfg.FindBuffer = DefaultFindBuffer
	}

	branch := cfg.Source.BranchPath()
	node, err := cfg.Account.Child(branch[len(branch)-1])
	if err != nil {
		return nil, fmt.Errorf("derive %v branch: %w", cfg.Source, err)
	}

	return &SourceIndex{cfg: cfg, branch: node, keys: keys}, nil
}

// Source returns the owning source.
func (s *SourceIndex) Source() source.Source {
	return s.cfg.Source
}

// Lookahead returns the number of keys kept past the highest used index.
func (s *SourceIndex) Lookahead() int {
	return s.cfg.Lookahead
}

// Close closes the underlying key index.
func (s *SourceIndex) Close() error {
	return s.keys.Close()
}

// Count returns the number of derived keys.
func (s *SourceIndex) Count(ctx context.Context) (int, error) {
	return s.keys.Count(ctx)
}

// derive computes the record stored at index.
func (s *SourceIndex) derive(index uint32) (Record, error) {
	if s.cfg.Source.XOnly() {
		tweaked, err := s.branch.Tweak(index)
		if err != nil {
			return Record{}, err
		}

		return NewXOnlyRecord(index, tweaked.Output), nil
	}

	pub, err := s.branch.ChildPubKey(index)
	if err != nil {
		return Record{}, err
	}

	return NewRecord(index, pub), nil
}

// Rebuffer makes sure at least lookahead keys are derived past target and
// returns target. Without target, the next unused index is allocated: one
// more key is derived and the index that just left the lookahead window is
// returned. An empty index is populated with keys 0 through lookahead.
//
// The tagged scripts of every new key are returned for each mirror source,
// so callers can start watching them.
func (s *SourceIndex) Rebuffer(ctx context.Context,
	target fn.Option[uint32]) (uint32, []source.TaggedScript, error) {

	count, err := s.keys.Count(ctx)
	if err != nil {
		return 0, nil, err
	}

	lookahead := s.cfg.Lookahead

	var scripts []source.TaggedScript
	if count == 0 {
		scripts, err = s.extend(ctx, 0, lookahead+1)
		if err != nil {
			return 0, nil, err
		}
		if target.IsNone() {
			return 1, scripts, nil
		}
		count = lookahead + 1
	}

	last := count - 1
	index := target.UnwrapOr(uint32(max(0, last+1-lookahead)))

	var missing int
	if delta := last - int(index); delta < lookahead {
		missing = lookahead - delta
	}

	more, err := s.extend(ctx, count, missing)
	if err != nil {
		return 0, nil, err
	}

	return index, append(scripts, more...), nil
}

// extend derives and stores n keys starting at index from.
func (s *SourceIndex) extend(ctx context.Context, from,
	n int) ([]source.TaggedScript, error) {

	if n == 0 {
		return nil, nil
	}

	records := make([]Record, 0, n)
	for i := from; i < from+n; i++ {
		r, err := s.derive(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("derive %v key %d: %w",
				s.cfg.Source, i, err)
		}
		records = append(records, r)
	}

	if err := s.keys.Append(ctx, records...); err != nil {
		return nil, err
	}

	log.Debugf("Derived %v keys %d..%d", s.cfg.Source, from, from+n-1)

	return s.tag(records)
}

// tag returns the tagged scripts of the records for every mirror.
func (s *SourceIndex) tag(records []Record) ([]source.TaggedScript, error) {
	mirrors := s.cfg.Source.Mirrors()
	scripts := make([]source.TaggedScript, 0, len(records)*len(mirrors))
	for _, r := range records {
		pub, err := r.PubKey()
		if err != nil {
			return nil, err
		}

		for _, m := range mirrors {
			tagged, err := m.Tag(r.Index, pub)
			if err != nil {
				return nil, err
			}
			scripts = append(scripts, tagged)
		}
	}

	return scripts, nil
}

// checkMirror fails unless src reads this index.
func (s *SourceIndex) checkMirror(src source.Source) error {
	if !src.Valid() || src.UniqueSource() != s.cfg.Source {
		return fmt.Errorf("%w: %v is not served by the %v index",
			source.ErrUnknownSource, src, s.cfg.Source)
	}

	return nil
}

// Script returns the output script of src at index.
func (s *SourceIndex) Script(ctx context.Context, src source.Source,
	index uint32) ([]byte, error) {

	if err := s.checkMirror(src); err != nil {
		return nil, err
	}

	r, err := s.keys.Find(ctx, index)
	if err != nil {
		return nil, err
	}

	pub, err := r.PubKey()
	if err != nil {
		return nil, err
	}

	return src.PkScript(pub)
}

// Address returns the address of src at index.
func (s *SourceIndex) Address(ctx context.Context, src source.Source,
	index uint32, params *chaincfg.Params) (btcutil.Address, error) {

	if err := s.checkMirror(src); err != nil {
		return nil, err
	}

	r, err := s.keys.Find(ctx, index)
	if err != nil {
		return nil, err
	}

	pub, err := r.PubKey()
	if err != nil {
		return nil, err
	}

	return src.Address(pub, params)
}

// NextUnused returns the first index inside the lookahead window, the one
// to hand out as the next receive address.
func (s *SourceIndex) NextUnused(ctx context.Context) (uint32, error) {
	count, err := s.keys.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count <= s.cfg.Lookahead {
		return 0, nil
	}

	return uint32(count - s.cfg.Lookahead), nil
}

// FindIndex returns the index of the key deriving script under src.
func (s *SourceIndex) FindIndex(ctx context.Context, src source.Source,
	script []byte) (uint32, error) {

	if err := s.checkMirror(src); err != nil {
		return 0, err
	}

	count, err := s.keys.Count(ctx)
	if err != nil {
		return 0, err
	}

	return s.keys.FindIndex(ctx, src, script, count-1, s.cfg.FindBuffer)
}

// ScriptPubKeys returns the tagged scripts of every stored key for every
// mirror source.
func (s *SourceIndex) ScriptPubKeys(ctx context.Context) (
	[]source.TaggedScript, error) {

	records, err := s.keys.All(ctx)
	if err != nil {
		return nil, err
	}

	return s.tag(records)
}
