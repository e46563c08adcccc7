package keyindex

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcvault/fileio"
	"github.com/btcsuite/btcvault/keytree"
	"github.com/btcsuite/btcvault/source"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testLookahead = 5

func testMaster(t *testing.T) *keytree.FullNode {
	t.Helper()

	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	master, err := keytree.NewMaster(seed)
	require.NoError(t, err)

	return master
}

func newTestIndex(t *testing.T, src source.Source) *SourceIndex {
	t.Helper()

	ctx := context.Background()
	account, err := testMaster(t).Derive(src.AccountPath())
	require.NoError(t, err)

	keys, err := Open(
		ctx, fileio.NewPool(2),
		filepath.Join(t.TempDir(), src.FileName()), true,
	)
	require.NoError(t, err)

	idx, err := New(Config{
		Source:     src,
		Account:    account.Neuter(),
		Lookahead:  testLookahead,
		FindBuffer: 3,
	}, keys)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, idx.Close())
	})

	return idx
}

// TestRecordEncoding checks both key encodings and the prefix check.
func TestRecordEncoding(t *testing.T) {
	t.Parallel()

	pub := testMaster(t).PubKey()

	r := NewRecord(7, pub)
	require.False(t, r.IsXOnly())
	decoded, err := decodeRecord(7, r.encode())
	require.NoError(t, err)
	require.Equal(t, r, decoded)

	parsed, err := decoded.PubKey()
	require.NoError(t, err)
	require.True(t, parsed.IsEqual(pub))

	x := NewXOnlyRecord(8, pub)
	require.True(t, x.IsXOnly())
	require.Equal(t, byte(XOnly), x.encode()[0])

	parsed, err = x.PubKey()
	require.NoError(t, err)
	require.Equal(t, schnorr.SerializePubKey(pub),
		schnorr.SerializePubKey(parsed))

	bad := r.encode()
	bad[0] = 4
	_, err = decodeRecord(0, bad)
	require.ErrorIs(t, err, ErrMalformedKey)
}

// TestNewRejectsMirror checks that mirror sources cannot own an index.
func TestNewRejectsMirror(t *testing.T) {
	t.Parallel()

	account, err := testMaster(t).Derive(source.Legacy0.AccountPath())
	require.NoError(t, err)

	_, err = New(Config{
		Source: source.Segwit0, Account: account.Neuter(),
	}, nil)
	require.ErrorIs(t, err, source.ErrUnknownSource)
}

// TestRebufferEmpty checks the initial population.
func TestRebufferEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, source.Legacy0)

	index, scripts, err := idx.Rebuffer(ctx, fn.None[uint32]())
	require.NoError(t, err)
	require.EqualValues(t, 1, index)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, testLookahead+1, count)

	// Every key is announced for the owner and its mirror.
	require.Len(t, scripts, 2*(testLookahead+1))
	require.Equal(t, source.Legacy0, scripts[0].Source)
	require.Equal(t, source.Segwit0, scripts[1].Source)
	require.EqualValues(t, 0, scripts[1].Index)

	next, err := idx.NextUnused(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, next)
}

// TestRebufferLookahead checks that enough keys stay buffered after any
// target.
func TestRebufferLookahead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, source.Segwit)

	_, _, err := idx.Rebuffer(ctx, fn.None[uint32]())
	require.NoError(t, err)

	for _, target := range []uint32{0, 3, 5, 6, 2, 20, 21, 21} {
		before, err := idx.Count(ctx)
		require.NoError(t, err)

		index, scripts, err := idx.Rebuffer(ctx, fn.Some(target))
		require.NoError(t, err)
		require.Equal(t, target, index)

		count, err := idx.Count(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, count-1-int(target), testLookahead)
		require.Len(t, scripts, count-before)

		for i, s := range scripts {
			require.EqualValues(t, before+i, s.Index)
		}
	}

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 21+testLookahead+1, count)
}

// TestRebufferAllocate checks change allocation without a target.
func TestRebufferAllocate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, source.TaprootChange)

	_, _, err := idx.Rebuffer(ctx, fn.None[uint32]())
	require.NoError(t, err)

	for want := uint32(1); want < 4; want++ {
		index, scripts, err := idx.Rebuffer(ctx, fn.None[uint32]())
		require.NoError(t, err)
		require.Equal(t, want, index)
		require.Len(t, scripts, 1)

		next, err := idx.NextUnused(ctx)
		require.NoError(t, err)
		require.Equal(t, want+1, next)
	}
}

// TestMirrorScripts checks that mirrors read the owner's keys.
func TestMirrorScripts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, source.Legacy0Change)

	_, _, err := idx.Rebuffer(ctx, fn.None[uint32]())
	require.NoError(t, err)

	legacy, err := idx.Script(ctx, source.Legacy0Change, 2)
	require.NoError(t, err)
	require.True(t, txscript.IsPayToPubKeyHash(legacy))

	segwit, err := idx.Script(ctx, source.Segwit0Change, 2)
	require.NoError(t, err)
	require.True(t, txscript.IsPayToWitnessPubKeyHash(segwit))

	// Both scripts commit to the same key hash.
	require.Equal(t, legacy[3:23], segwit[2:22])

	_, err = idx.Script(ctx, source.Taproot, 2)
	require.ErrorIs(t, err, source.ErrUnknownSource)

	addr, err := idx.Address(
		ctx, source.Segwit0Change, 2, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, segwit[2:22], addr.ScriptAddress())
}

// TestFindIndex checks the chunked backward search.
func TestFindIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, source.LegacySegwit)

	_, err := idx.FindIndex(ctx, source.LegacySegwit, []byte{0x51})
	require.ErrorIs(t, err, ErrScriptNotFound)

	_, _, err = idx.Rebuffer(ctx, fn.Some[uint32](10))
	require.NoError(t, err)

	for _, index := range []uint32{0, 4, 10, 15} {
		script, err := idx.Script(ctx, source.LegacySegwit, index)
		require.NoError(t, err)

		found, err := idx.FindIndex(ctx, source.LegacySegwit, script)
		require.NoError(t, err)
		require.Equal(t, index, found)
	}

	_, err = idx.FindIndex(ctx, source.LegacySegwit, []byte{0x51})
	require.ErrorIs(t, err, ErrScriptNotFound)
}

// TestTaprootIndexMatchesSigner checks that the stored output key is the
// one a signer holding the untweaked private key commits to.
func TestTaprootIndexMatchesSigner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, source.Taproot)

	_, _, err := idx.Rebuffer(ctx, fn.None[uint32]())
	require.NoError(t, err)

	branch, err := testMaster(t).Derive(source.Taproot.BranchPath())
	require.NoError(t, err)

	for index := uint32(0); index <= testLookahead; index++ {
		internal, actual, err := branch.TaprootKey(index)
		require.NoError(t, err)
		require.Equal(t, index, actual)

		output := txscript.ComputeTaprootKeyNoScript(internal.PubKey())
		want, err := txscript.PayToTaprootScript(output)
		require.NoError(t, err)

		got, err := idx.Script(ctx, source.Taproot, index)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	all, err := idx.ScriptPubKeys(ctx)
	require.NoError(t, err)
	require.Len(t, all, testLookahead+1)
}
