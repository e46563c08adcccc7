package vault

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/source"
	"github.com/btcsuite/btcvault/txbuilder"
)

const (
	// DefaultLedgerFileName is the base name of the two ledger slot files.
	DefaultLedgerFileName = "wcoin.dat"

	// DefaultConsolidateBacklog is the number of blocks below the tip
	// whose settled coins are kept by a consolidation.
	DefaultConsolidateBacklog = 6

	// DefaultConsolidateUnconfirmed is the number of blocks an
	// unconfirmed state may linger before a consolidation drops it.
	DefaultConsolidateUnconfirmed = 100

	// DefaultMaximumRollback is the deepest reorganization expected. The
	// search for an existing coin starts that far below its height.
	DefaultMaximumRollback = 200
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid vault config")

// Config holds the settings and collaborators of a Vault.
type Config struct {
	// DataDir holds the ledger and key index files.
	DataDir string

	// ChainParams selects the network addresses are encoded for.
	ChainParams *chaincfg.Params

	// LedgerFileName is the base name of the ledger files. The slots
	// append .1 and .2.
	LedgerFileName string

	// Lookahead is the number of keys derived past the highest used
	// index of every source.
	Lookahead int

	// FindBuffer is the chunk size of backward key searches and the
	// initial window of outpoint searches.
	FindBuffer int

	// DustAmount is the smallest payment or refund worth an output.
	DustAmount btcutil.Amount

	// ConsolidateBacklog and ConsolidateUnconfirmed control which coins a
	// consolidation prunes.
	ConsolidateBacklog     int32
	ConsolidateUnconfirmed int32

	// MaximumRollback is the deepest expected reorganization.
	MaximumRollback int32

	// FileWorkers bounds the number of concurrent file operations.
	FileWorkers int

	// EntropyBits is the size of new wallet entropy.
	EntropyBits int

	// SeedPassword is the optional BIP39 password.
	SeedPassword string

	// Secrets stores the wallet entropy and account nodes.
	Secrets SecretStore

	// Properties stores checksums and the active ledger slot.
	Properties PropertyStore

	// Sink receives tally and watched script events.
	Sink EventSink

	// Dispatcher broadcasts signed payments.
	Dispatcher TxDispatcher
}

// DefaultConfig returns a config with every setting at its default. The
// data directory and collaborators still need to be set.
func DefaultConfig() Config {
	return Config{
		ChainParams:            &chaincfg.MainNetParams,
		LedgerFileName:         DefaultLedgerFileName,
		Lookahead:              keyindex.DefaultLookahead,
		FindBuffer:             keyindex.DefaultFindBuffer,
		DustAmount:             txbuilder.DefaultDustAmount,
		ConsolidateBacklog:     DefaultConsolidateBacklog,
		ConsolidateUnconfirmed: DefaultConsolidateUnconfirmed,
		MaximumRollback:        DefaultMaximumRollback,
		FileWorkers:            fileio.DefaultWorkers,
		EntropyBits:            keytree.DefaultEntropyBits,
	}
}

// validateSettings checks the settings needed to create or load the wallet
// files.
func (c *Config) validateSettings() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: missing data directory", ErrInvalidConfig)

	case c.ChainParams == nil:
		return fmt.Errorf("%w: missing chain params", ErrInvalidConfig)

	case c.LedgerFileName == "":
		return fmt.Errorf("%w: missing ledger file name",
			ErrInvalidConfig)

	case c.Lookahead <= 0:
		return fmt.Errorf("%w: lookahead %d", ErrInvalidConfig,
			c.Lookahead)

	case c.FindBuffer <= 0:
		return fmt.Errorf("%w: find buffer %d", ErrInvalidConfig,
			c.FindBuffer)

	case c.DustAmount < 0:
		return fmt.Errorf("%w: dust amount %v", ErrInvalidConfig,
			c.DustAmount)

	case c.ConsolidateBacklog < 0 ||
		c.ConsolidateUnconfirmed < c.ConsolidateBacklog:

		return fmt.Errorf("%w: consolidate backlog %d, unconfirmed %d",
			ErrInvalidConfig, c.ConsolidateBacklog,
			c.ConsolidateUnconfirmed)

	case c.MaximumRollback <= 0:
		return fmt.Errorf("%w: maximum rollback %d", ErrInvalidConfig,
			c.MaximumRollback)

	case c.FileWorkers <= 0:
		return fmt.Errorf("%w: file workers %d", ErrInvalidConfig,
			c.FileWorkers)

	case c.EntropyBits < 128 || c.EntropyBits > 256 ||
		c.EntropyBits%32 != 0:

		return fmt.Errorf("%w: entropy bits %d", ErrInvalidConfig,
			c.EntropyBits)

	case c.Secrets == nil || c.Properties == nil:
		return fmt.Errorf("%w: missing secret or property store",
			ErrInvalidConfig)
	}

	return nil
}

// Validate checks that the config can run a Vault.
func (c *Config) Validate() error {
	if err := c.validateSettings(); err != nil {
		return err
	}

	if c.Sink == nil || c.Dispatcher == nil {
		return fmt.Errorf("%w: missing event sink or dispatcher",
			ErrInvalidConfig)
	}

	return nil
}

// ledgerPath returns the path of the ledger file of slot.
func (c *Config) ledgerPath(slot ledger.Slot) string {
	return filepath.Join(c.DataDir, c.LedgerFileName+slot.Suffix())
}

// keyIndexPath returns the path of the key index file of src.
func (c *Config) keyIndexPath(src source.Source) string {
	return filepath.Join(c.DataDir, src.FileName())
}

// indexConfig returns the key index settings of src.
func (c *Config) indexConfig(src source.Source,
	account *keytree.NeuteredNode) keyindex.Config {

	return keyindex.Config{
		Source:     src,
		Account:    account,
		Lookahead:  c.Lookahead,
		FindBuffer: c.FindBuffer,
	}
}
