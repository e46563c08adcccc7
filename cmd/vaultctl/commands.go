package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/secretstore"
	"github.com/btcsuite/btcvault/vault"
	"github.com/jessevdk/go-flags"
)

var errNoBackend = errors.New("vaultctl has no chain backend to " +
	"dispatch transactions")

// logSink logs the events of the vault.
type logSink struct{}

func (logSink) Notify(_ context.Context, event vault.Event) error {
	log.Debugf("Vault event: %v", event)
	return nil
}

// offlineDispatcher refuses to broadcast.
type offlineDispatcher struct{}

func (offlineDispatcher) Dispatch(context.Context, *wire.MsgTx) error {
	return errNoBackend
}

// storePath returns the secret store database of the selected network.
func storePath() string {
	return filepath.Join(cfg.netDir(), secretstore.DBName)
}

// createStore prompts for a new passphrase and creates the secret store.
func createStore() (*secretstore.Store, error) {
	if err := os.MkdirAll(cfg.netDir(), 0700); err != nil {
		return nil, err
	}

	pass, err := readNewPassphrase()
	if err != nil {
		return nil, err
	}
	defer clear(pass)

	return secretstore.Create(
		storePath(), pass, secretstore.DefaultParams(),
	)
}

// openStore prompts for the passphrase and opens the secret store.
func openStore() (*secretstore.Store, error) {
	pass, err := readPassphrase("Enter the wallet passphrase: ")
	if err != nil {
		return nil, err
	}
	defer clear(pass)

	return secretstore.Open(storePath(), pass)
}

// newVaultConfig returns the vault config backed by store.
func newVaultConfig(store *secretstore.Store) vault.Config {
	vcfg := cfg.vaultConfig()
	vcfg.Secrets = store
	vcfg.Properties = store
	vcfg.Sink = logSink{}
	vcfg.Dispatcher = offlineDispatcher{}

	return vcfg
}

// withVault loads the wallet of the selected network and runs f.
func withVault(ctx context.Context,
	f func(context.Context, *vault.Vault) error) (err error) {

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	v, err := vault.New(newVaultConfig(store))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, v.Stop(ctx))
	}()

	if err := v.Load(ctx); err != nil {
		return err
	}

	return f(ctx, v)
}

// createCommand creates a new wallet.
type createCommand struct{}

func (c *createCommand) Execute(_ []string) (err error) {
	store, err := createStore()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	words, err := vault.Initialize(context.Background(), newVaultConfig(store))
	if err != nil {
		return err
	}

	fmt.Println("Wallet created. Write down the mnemonic below, it is " +
		"the only way to restore the wallet:")
	fmt.Println()
	fmt.Println(strings.Join(words, " "))

	log.Infof("Created %s wallet in %s", cfg.params.Name, cfg.netDir())

	return nil
}

// restoreCommand restores a wallet from its mnemonic.
type restoreCommand struct{}

func (c *restoreCommand) Execute(_ []string) (err error) {
	words, err := readMnemonic(os.Stdin)
	if err != nil {
		return err
	}

	store, err := createStore()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	err = vault.Restore(context.Background(), newVaultConfig(store), words)
	if err != nil {
		return err
	}

	fmt.Println("Wallet restored, rescan the chain to recover its coins.")

	return nil
}

// addressCommand prints the next receive address of a source.
type addressCommand struct {
	Source string `long:"source" default:"taproot" description:"Key source to derive the address from"`
}

func (c *addressCommand) Execute(_ []string) error {
	src, err := sourceByName(c.Source)
	if err != nil {
		return err
	}

	return withVault(context.Background(),
		func(ctx context.Context, v *vault.Vault) error {
			addr, err := v.LastAddress(ctx, src)
			if err != nil {
				return err
			}
			fmt.Println(addr)

			return nil
		},
	)
}

// balanceCommand prints the balance.
type balanceCommand struct{}

func (c *balanceCommand) Execute(_ []string) error {
	return withVault(context.Background(),
		func(ctx context.Context, v *vault.Vault) error {
			balance, err := v.AvailableCoins(ctx)
			if err != nil {
				return err
			}

			printTally("Available", balance.Available)
			printTally("Pending receive", balance.PendingReceive)
			printTally("Pending spend", balance.PendingSpend)

			return nil
		},
	)
}

func printTally(name string, tally ledger.Tally) {
	fmt.Printf("%-16s %v (%d coins)\n", name+":", tally.Total(),
		len(tally))
}

// coinsCommand prints the outpoints of the spendable coins.
type coinsCommand struct{}

func (c *coinsCommand) Execute(_ []string) error {
	return withVault(context.Background(),
		func(ctx context.Context, v *vault.Vault) error {
			ops, err := v.SpendableOutpoints(ctx)
			if err != nil {
				return err
			}

			for _, op := range ops {
				fmt.Println(op)
			}

			return nil
		},
	)
}

// historyCommand prints the transaction history.
type historyCommand struct{}

func (c *historyCommand) Execute(_ []string) error {
	return withVault(context.Background(),
		func(ctx context.Context, v *vault.Vault) error {
			records, err := v.History(ctx, nil)
			if err != nil {
				return err
			}

			for _, rec := range records {
				status := "confirmed"
				if rec.Pending {
					status = "pending"
				}

				fmt.Printf("%8d %-8s %-9s %v %v %s\n", rec.Height,
					rec.Flow, status, rec.TxID, rec.Amount,
					rec.Address)
			}

			return nil
		},
	)
}

// addCommands registers the subcommands of vaultctl.
func addCommands(parser *flags.Parser) error {
	commands := []struct {
		name, short, long string
		data              any
	}{
		{
			name:  "create",
			short: "Create a new wallet",
			long: "Create a new wallet with fresh entropy and print " +
				"its mnemonic.",
			data: &createCommand{},
		},
		{
			name:  "restore",
			short: "Restore a wallet from its mnemonic",
			long: "Restore a wallet from its mnemonic. The coins are " +
				"recovered by rescanning the chain.",
			data: &restoreCommand{},
		},
		{
			name:  "address",
			short: "Print the next receive address",
			long:  "Print the next unused address of a key source.",
			data:  &addressCommand{},
		},
		{
			name:  "balance",
			short: "Print the wallet balance",
			long: "Print the available, pending receive and pending " +
				"spend balance.",
			data: &balanceCommand{},
		},
		{
			name:  "coins",
			short: "Print the spendable coins",
			long:  "Print the outpoint of every spendable coin.",
			data:  &coinsCommand{},
		},
		{
			name:  "history",
			short: "Print the transaction history",
			long:  "Print the transactions of the wallet by height.",
			data:  &historyCommand{},
		},
	}

	for _, c := range commands {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.data)
		if err != nil {
			return err
		}
	}

	return nil
}
