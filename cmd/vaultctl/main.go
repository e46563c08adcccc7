// vaultctl creates and inspects btcvault wallets.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// cfg holds the global options of the running command.
var cfg = defaultConfig()

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}

		if err := cfg.validate(); err != nil {
			return err
		}
		if err := setLogLevels(cfg.DebugLevel); err != nil {
			return err
		}

		err := initLogRotator(
			cfg.logFile(), cfg.MaxLogFileSize, cfg.MaxLogFiles,
		)
		if err != nil {
			return err
		}
		defer logRotator.Close()

		return cmd.Execute(args)
	}

	if err := addCommands(parser); err != nil {
		return err
	}

	_, err := parser.Parse()

	return err
}
