package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/source"
	"github.com/btcsuite/btcvault/vault"
)

const (
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "vaultctl.log"
	defaultMaxLogFiles = 3

	// defaultMaxLogFileSize is in MB.
	defaultMaxLogFileSize = 10
)

var (
	defaultAppDataDir = btcutil.AppDataDir("btcvault", false)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)

	errMultipleNetworks = errors.New("the testnet, regtest and simnet " +
		"params can't be used together")
)

// config defines the global options of vaultctl.
type config struct {
	AppDataDir     string `short:"A" long:"appdata" description:"Application data directory holding one wallet per network"`
	TestNet3       bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	RegTest        bool   `long:"regtest" description:"Use the regression test network"`
	SimNet         bool   `long:"simnet" description:"Use the simulation test network"`
	Lookahead      int    `long:"lookahead" description:"Number of addresses derived past the last used one"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFileSize int    `long:"maxlogsize" description:"Maximum logfile size in MB"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`

	// params is set by validate.
	params *chaincfg.Params
}

// defaultConfig returns the options before flags are applied.
func defaultConfig() config {
	return config{
		AppDataDir:     defaultAppDataDir,
		Lookahead:      keyindex.DefaultLookahead,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
		MaxLogFileSize: defaultMaxLogFileSize,
		MaxLogFiles:    defaultMaxLogFiles,
	}
}

// validate selects the network and checks the options.
func (c *config) validate() error {
	var networks int
	c.params = &chaincfg.MainNetParams
	if c.TestNet3 {
		networks++
		c.params = &chaincfg.TestNet3Params
	}
	if c.RegTest {
		networks++
		c.params = &chaincfg.RegressionNetParams
	}
	if c.SimNet {
		networks++
		c.params = &chaincfg.SimNetParams
	}
	if networks > 1 {
		return errMultipleNetworks
	}

	if c.Lookahead <= 0 {
		return fmt.Errorf("lookahead must be positive, got %d",
			c.Lookahead)
	}

	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)
	c.LogDir = cleanAndExpandPath(c.LogDir)

	return nil
}

// netDir returns the wallet directory of the selected network.
func (c *config) netDir() string {
	return filepath.Join(c.AppDataDir, c.params.Name)
}

// logFile returns the log file of the selected network.
func (c *config) logFile() string {
	return filepath.Join(c.LogDir, c.params.Name, defaultLogFilename)
}

// vaultConfig maps the options onto a vault config. The stores and
// collaborators are set by the caller.
func (c *config) vaultConfig() vault.Config {
	cfg := vault.DefaultConfig()
	cfg.DataDir = c.netDir()
	cfg.ChainParams = c.params
	cfg.Lookahead = c.Lookahead

	return cfg
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// parseDebugLevel parses either a single level for all subsystems or a
// comma separated list of subsystem=level pairs.
func parseDebugLevel(debugLevel string, subsystems []string) (
	map[string]btclog.Level, error) {

	levels := make(map[string]btclog.Level)

	if !strings.Contains(debugLevel, "=") {
		level, ok := btclog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q", debugLevel)
		}
		for _, s := range subsystems {
			levels[s] = level
		}

		return levels, nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		subsystem, levelStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid subsystem level %q", pair)
		}

		var known bool
		for _, s := range subsystems {
			if s == subsystem {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown subsystem %q, supported "+
				"subsystems: %v", subsystem, subsystems)
		}

		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q for %s",
				levelStr, subsystem)
		}
		levels[subsystem] = level
	}

	return levels, nil
}

// sourceByName returns the source with the given name.
func sourceByName(name string) (source.Source, error) {
	for _, s := range source.All() {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", source.ErrUnknownSource, name)
}
