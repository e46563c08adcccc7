package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/secretstore"
	"github.com/btcsuite/btcvault/txbuilder"
	"github.com/btcsuite/btcvault/vault"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard error and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stderr.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("VCTL")
	ktreLog = backendLog.Logger("KTRE")
	ldgrLog = backendLog.Logger("LDGR")
	kidxLog = backendLog.Logger("KIDX")
	txblLog = backendLog.Logger("TXBL")
	valtLog = backendLog.Logger("VALT")
	sstrLog = backendLog.Logger("SSTR")
	flioLog = backendLog.Logger("FLIO")
)

// Initialize package-global logger variables.
func init() {
	keytree.UseLogger(ktreLog)
	ledger.UseLogger(ldgrLog)
	keyindex.UseLogger(kidxLog)
	txbuilder.UseLogger(txblLog)
	vault.UseLogger(valtLog)
	secretstore.UseLogger(sstrLog)
	fileio.UseLogger(flioLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"VCTL": log,
	"KTRE": ktreLog,
	"LDGR": ldgrLog,
	"KIDX": kidxLog,
	"TXBL": txblLog,
	"VALT": valtLog,
	"SSTR": sstrLog,
	"FLIO": flioLog,
}

// supportedSubsystems returns the sorted subsystem identifiers.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for s := range subsystemLoggers {
		subsystems = append(subsystems, s)
	}
	slices.Sort(subsystems)

	return subsystems
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory.
func initLogRotator(logFile string, maxSizeMB, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// setLogLevels applies the parsed debug level string.
func setLogLevels(debugLevel string) error {
	levels, err := parseDebugLevel(debugLevel, supportedSubsystems())
	if err != nil {
		return err
	}

	for subsystem, level := range levels {
		subsystemLoggers[subsystem].SetLevel(level)
	}

	return nil
}
