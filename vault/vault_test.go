package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keyindex"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/ledger"
	"github.com/btcsuite/btcvault/secretstore"
	"github.com/btcsuite/btcvault/source"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// testWords is the mnemonic of all-zero entropy.
var testWords = strings.Fields(strings.Repeat("abandon ", 11) + "about")

// testDestination is a P2WPKH output script of an unrelated key.
var testDestination = append(
	[]byte{txscript.OP_0, txscript.OP_DATA_20}, bytes.Repeat([]byte{7}, 20)...,
)

var errMissingKey = errors.New("missing key")

// memStore keeps secrets and properties in memory.
type memStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string][]byte)}
}

func (m *memStore) load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, errMissingKey
	}

	return bytes.Clone(v), nil
}

func (m *memStore) store(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = bytes.Clone(value)

	return nil
}

func (m *memStore) Get(key string) ([]byte, error) {
	return m.load("secret." + key)
}

func (m *memStore) Put(key string, value []byte) error {
	return m.store("secret."+key, value)
}

func (m *memStore) Property(key string) ([]byte, error) {
	return m.load("property." + key)
}

func (m *memStore) SetProperty(key string, value []byte) error {
	return m.store("property."+key, value)
}

// mockSink is a mock implementation of the EventSink interface.
type mockSink struct {
	mock.Mock

	// seen is the number of calls already returned by takeEvents.
	seen int
}

func (m *mockSink) Notify(ctx context.Context, event Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// takeEvents returns the events received since the previous call.
func (m *mockSink) takeEvents() []Event {
	var events []Event
	for _, call := range m.Calls[m.seen:] {
		events = append(events, call.Arguments.Get(1).(Event))
	}
	m.seen = len(m.Calls)

	return events
}

// takeTallies returns the tally events received since the previous call.
func (m *mockSink) takeTallies() []ledger.TallyEvent {
	var tallies []ledger.TallyEvent
	for _, e := range m.takeEvents() {
		if tally, ok := e.(TallyEvent); ok {
			tallies = append(tallies, tally.TallyEvent)
		}
	}

	return tallies
}

// mockDispatcher is a mock implementation of the TxDispatcher interface.
type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, tx *wire.MsgTx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

// testConfig returns a regtest config with a small lookahead, backed by a
// fresh data directory and in-memory stores.
func testConfig(t *testing.T) Config {
	t.Helper()

	store := newMemStore()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ChainParams = &chaincfg.RegressionNetParams
	cfg.Lookahead = 5
	cfg.FindBuffer = 16
	cfg.Secrets = store
	cfg.Properties = store
	cfg.Sink = &mockSink{}
	cfg.Dispatcher = &mockDispatcher{}

	return cfg
}

// testHarness is a loaded vault restored from testWords.
type testHarness struct {
	t          *testing.T
	ctx        context.Context
	cfg        Config
	sink       *mockSink
	dispatcher *mockDispatcher
	vault      *Vault
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, Restore(ctx, cfg, testWords))

	sink := cfg.Sink.(*mockSink)
	sink.On("Notify", mock.Anything, mock.Anything).Return(nil)

	v := openVault(t, cfg)
	t.Cleanup(func() {
		require.NoError(t, v.Stop(ctx))
	})

	return &testHarness{
		t:          t,
		ctx:        ctx,
		cfg:        cfg,
		sink:       sink,
		dispatcher: cfg.Dispatcher.(*mockDispatcher),
		vault:      v,
	}
}

// openVault starts and loads a vault on the wallet files of cfg.
func openVault(t *testing.T, cfg Config) *Vault {
	t.Helper()

	v, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, v.Load(context.Background()))

	return v
}

// script returns the derived tagged script of src at index.
func (h *testHarness) script(src source.Source,
	index uint32) source.TaggedScript {

	h.t.Helper()

	scripts, err := h.vault.ScriptPubKeys(h.ctx)
	require.NoError(h.t, err)

	for _, s := range scripts {
		if s.Source == src && s.Index == index {
			return s
		}
	}
	require.FailNow(h.t, "script not derived", "%v/%d", src, index)

	return source.TaggedScript{}
}

// funding returns a funding of amount to src at index on a distinct
// outpoint for n.
func (h *testHarness) funding(n byte, src source.Source, index uint32,
	amount btcutil.Amount) source.FundingOutpoint {

	h.t.Helper()

	return source.FundingOutpoint{
		OutPoint: testOutPoint(n),
		Amount:   amount,
		Script:   h.script(src, index),
	}
}

// fundConfirmed records a confirmed funding and drops its events.
func (h *testHarness) fundConfirmed(f source.FundingOutpoint, height int32) {
	h.t.Helper()

	_, err := h.vault.FundingConfirmed(h.ctx, f, height)
	require.NoError(h.t, err)
	h.sink.takeEvents()
}

func testOutPoint(n byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{n, 0x5a, n}, Index: uint32(n)}
}

// testSpendTx returns a transaction spending op to testDestination.
func testSpendTx(op wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, testDestination))

	return tx
}

// TestVaultLifecycle checks the idle, running and stopped states.
func TestVaultLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig(t)
	require.NoError(t, Restore(ctx, cfg, testWords))

	v, err := New(cfg)
	require.NoError(t, err)

	_, err = v.AvailableCoins(ctx)
	require.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, v.Load(ctx))
	require.ErrorIs(t, v.Load(ctx), ErrIllegalState)

	balance, err := v.AvailableCoins(ctx)
	require.NoError(t, err)
	require.Empty(t, balance.Available)
	require.Empty(t, balance.PendingReceive)
	require.Empty(t, balance.PendingSpend)

	require.NoError(t, v.Stop(ctx))

	_, err = v.AvailableCoins(ctx)
	require.ErrorIs(t, err, ErrIllegalState)
	require.ErrorIs(t, v.Stop(ctx), ErrIllegalState)
}

// TestStopIdle checks that an idle vault can be stopped.
func TestStopIdle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	v, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, v.Stop(ctx))
	require.ErrorIs(t, v.Load(ctx), ErrIllegalState)
}

// TestLoadWithoutWallet checks that loading an empty data directory fails
// and leaves the vault idle.
func TestLoadWithoutWallet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	v, err := New(testConfig(t))
	require.NoError(t, err)
	require.Error(t, v.Load(ctx))

	_, err = v.PendingTransactions(ctx)
	require.ErrorIs(t, err, ErrIllegalState)
	require.NoError(t, v.Stop(ctx))
}

// TestInitialize checks wallet creation and restore.
func TestInitialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	words, err := Initialize(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, words, 12)

	_, err = Initialize(ctx, cfg)
	require.ErrorIs(t, err, ErrWalletExists)
	require.ErrorIs(t, Restore(ctx, cfg, words), ErrWalletExists)

	restored := testConfig(t)
	require.NoError(t, Restore(ctx, restored, words))

	props := NewProperties(cfg.Secrets, cfg.Properties)
	entropy, err := props.LoadEntropy()
	require.NoError(t, err)

	restoredProps := NewProperties(restored.Secrets, restored.Properties)
	restoredEntropy, err := restoredProps.LoadEntropy()
	require.NoError(t, err)
	require.Equal(t, entropy, restoredEntropy)

	slot, err := restoredProps.ActiveSlot()
	require.NoError(t, err)
	require.Equal(t, ledger.SlotFirst, slot)

	for _, src := range source.Unique() {
		node, err := props.LoadNode(src)
		require.NoError(t, err)

		restoredNode, err := restoredProps.LoadNode(src)
		require.NoError(t, err)
		require.True(t, node.Equal(restoredNode), src.String())
		require.True(t, node.Path().Equal(src.AccountPath()))
	}
}

// TestInitialIndices checks that every source starts with its lookahead
// window derived.
func TestInitialIndices(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	scripts, err := h.vault.ScriptPubKeys(h.ctx)
	require.NoError(t, err)
	require.Len(t, scripts, len(source.All())*(h.cfg.Lookahead+1))

	// Index 0 is handed out by the initial rebuffer, so the next unused
	// index is 1.
	for _, src := range source.All() {
		addr, err := h.vault.LastAddress(h.ctx, src)
		require.NoError(t, err)

		decoded, err := btcutil.DecodeAddress(addr, h.cfg.ChainParams)
		require.NoError(t, err)

		pkScript, err := txscript.PayToAddrScript(decoded)
		require.NoError(t, err)
		require.Equal(t, h.script(src, 1).PkScript, pkScript)
	}

	_, err = h.vault.LastAddress(h.ctx, source.Source(200))
	require.ErrorIs(t, err, source.ErrUnknownSource)
}

// TestPropertiesChecksum checks that a tampered secret aborts.
func TestPropertiesChecksum(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	props := NewProperties(store, store)

	require.NoError(t, props.StoreEntropy(make([]byte, 16)))
	entropy, err := props.LoadEntropy()
	require.NoError(t, err)
	require.Len(t, entropy, 16)

	require.NoError(t, store.Put(entropyKey, bytes.Repeat([]byte{1}, 16)))
	require.Panics(t, func() {
		_, _ = props.LoadEntropy()
	})

	require.NoError(t, props.SetActiveSlot(context.Background(),
		ledger.SlotSecond))
	slot, err := props.ActiveSlot()
	require.NoError(t, err)
	require.Equal(t, ledger.SlotSecond, slot)

	require.NoError(t, store.SetProperty(activeLedgerKey, []byte("third")))
	require.Panics(t, func() {
		_, _ = props.ActiveSlot()
	})
}

// TestSecretStoreBackedWallet creates and loads a wallet whose secrets are
// kept in an encrypted secret store.
func TestSecretStoreBackedWallet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	params := secretstore.Params{Memory: 1024, Iterations: 1, Parallelism: 1}
	path := filepath.Join(cfg.DataDir, secretstore.DBName)
	store, err := secretstore.Create(path, []byte("hunter2"), params)
	require.NoError(t, err)
	cfg.Secrets = store
	cfg.Properties = store

	require.NoError(t, Restore(ctx, cfg, testWords))
	require.NoError(t, store.Close())

	store, err = secretstore.Open(path, []byte("hunter2"))
	require.NoError(t, err)
	cfg.Secrets = store
	cfg.Properties = store

	v := openVault(t, cfg)
	addr, err := v.LastAddress(ctx, source.Taproot)
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	require.NoError(t, v.Stop(ctx))
	require.NoError(t, store.Close())
}

// TestCreateIndex checks that creating a key index derives the initial
// lookahead and releases the file, and that failures are reported.
func TestCreateIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	entropy, err := keytree.EntropyFromMnemonic(testWords)
	require.NoError(t, err)
	defer entropy.Zero()

	nodes, err := accountNodes(&cfg, entropy)
	require.NoError(t, err)

	pool := fileio.NewPool(1)
	err = createIndex(ctx, &cfg, pool, source.Segwit, nodes[source.Segwit])
	require.NoError(t, err)

	keys, err := keyindex.Open(
		ctx, pool, cfg.keyIndexPath(source.Segwit), false,
	)
	require.NoError(t, err)
	count, err := keys.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg.Lookahead+1, count)
	require.NoError(t, keys.Close())

	cfg.DataDir = filepath.Join(cfg.DataDir, "missing")
	err = createIndex(ctx, &cfg, pool, source.Segwit, nodes[source.Segwit])
	require.Error(t, err)
}
