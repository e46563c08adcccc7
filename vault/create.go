package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrWalletExists is returned when creating a wallet in a data
	// directory that already holds wallet files.
	ErrWalletExists = errors.New("wallet files already exist")

	// ErrUnsupportedSeed is returned when restoring a mnemonic whose
	// account keys would skip forward at a hardened level.
	ErrUnsupportedSeed = errors.New("seed derives skipped account keys")
)

// Initialize creates a new wallet with fresh entropy and returns its
// mnemonic.
func Initialize(ctx context.Context, cfg Config) ([]string, error) {
	if err := cfg.validateSettings(); err != nil {
		return nil, err
	}

	for {
		entropy, err := keytree.NewEntropy(cfg.EntropyBits)
		if err != nil {
			return nil, err
		}

		words, err := entropy.Mnemonic()
		if err != nil {
			return nil, err
		}

		err = create(ctx, &cfg, entropy)
		entropy.Zero()
		if errors.Is(err, ErrUnsupportedSeed) {
			log.Warnf("Regenerating entropy: %v", err)
			continue
		}
		if err != nil {
			return nil, err
		}

		return words, nil
	}
}

// Restore creates the wallet of an existing mnemonic.
func Restore(ctx context.Context, cfg Config, words []string) error {
	if err := cfg.validateSettings(); err != nil {
		return err
	}

	entropy, err := keytree.EntropyFromMnemonic(words)
	if err != nil {
		return err
	}
	defer entropy.Zero()

	return create(ctx, &cfg, entropy)
}

// walletFiles returns the paths of every ledger and key index file.
func walletFiles(cfg *Config) []string {
	paths := []string{
		cfg.ledgerPath(ledger.SlotFirst),
		cfg.ledgerPath(ledger.SlotSecond),
	}
	for _, src := range source.Unique() {
		paths = append(paths, cfg.keyIndexPath(src))
	}

	return paths
}

// accountNodes derives the neutered account node of every unique source.
// It fails with ErrUnsupportedSeed when a hardened account level had to skip
// forward, since the keys would not match the standard paths.
func accountNodes(cfg *Config, entropy keytree.Entropy) (
	map[source.Source]*keytree.NeuteredNode, error) {

	master, err := entropy.Master(cfg.SeedPassword)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	byPath := make(map[string]*keytree.NeuteredNode)
	nodes := make(map[source.Source]*keytree.NeuteredNode)
	for _, src := range source.Unique() {
		path := src.AccountPath()
		if node, ok := byPath[path.String()]; ok {
			nodes[src] = node
			continue
		}

		account, err := master.Derive(path)
		if err != nil {
			return nil, err
		}
		node := account.Neuter()
		account.Zero()

		if !node.Path().Equal(path) {
			return nil, fmt.Errorf("%w: %v derived at %v",
				ErrUnsupportedSeed, path, node.Path())
		}

		byPath[path.String()] = node
		nodes[src] = node
	}

	return nodes, nil
}

// create writes the secrets and files of a new wallet. Every key index is
// populated with its initial lookahead.
func create(ctx context.Context, cfg *Config, entropy keytree.Entropy) error {
	for _, path := range walletFiles(cfg) {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrWalletExists, path)
		}
	}

	nodes, err := accountNodes(cfg, entropy)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	props := NewProperties(cfg.Secrets, cfg.Properties)
	if err := props.StoreEntropy(entropy); err != nil {
		return err
	}

	for _, src := range source.Unique() {
		if err := props.StoreNode(src, nodes[src]); err != nil {
			return err
		}
	}

	// Indices are derived concurrently, the pool bounds their file access.
	pool := fileio.NewPool(cfg.FileWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range source.Unique() {
		g.Go(func() error {
			return createIndex(gctx, cfg, pool, src, nodes[src])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, slot := range []ledger.Slot{ledger.SlotFirst, ledger.SlotSecond} {
		l, err := ledger.Open(ctx, pool, cfg.ledgerPath(slot), true)
		if err != nil {
			return err
		}
		if err := l.Close(); err != nil {
			return err
		}
	}

	if err := props.SetActiveSlot(ctx, ledger.SlotFirst); err != nil {
		return err
	}

	log.Infof("Created wallet in %s", cfg.DataDir)

	return nil
}

// createIndex creates the key index file of src and derives its initial
// lookahead.
func createIndex(ctx context.Context, cfg *Config, pool *fileio.Pool,
	src source.Source, account *keytree.NeuteredNode) (err error) {

	keys, err := keyindex.Open(ctx, pool, cfg.keyIndexPath(src), true)
	if err != nil {
		return err
	}

	idx, err := keyindex.New(cfg.indexConfig(src, account), keys)
	if err != nil {
		return errors.Join(err, keys.Close())
	}
	defer func() {
		err = errors.Join(err, idx.Close())
	}()

	_, _, err = idx.Rebuffer(ctx, fn.None[uint32]())

	return err
}
