// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/opensv/openwallet/internal/sqltest"
	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wscript"
)

// The funding transaction pays 1044113 satoshis to the first receiving
// key of the test seed; the spend transaction consumes that output.
const (
	fundingTxHex = "01000000014e1653d27b6a00c174cb0e79b327cb2ac2268201" +
		"533de8f5666e63101a6be466010000006a473044022072c3ca2a6ab27114" +
		"2a70e109474108b11800818acecb192325465e970ad0cccb0220116c8c05" +
		"fad2d5ab2be33ae3fc5362b7137db26d0b7ddd009ee8692daacd57914121" +
		"037f37bb0d14dc72d67f0cfb49f6472163924ba86382fd2490d5c0426138" +
		"6b70b0ffffffff0291ee0f00000000001976a914ea7804a2c26606357" +
		"2cc009a63dc25dcc0e9d9b588ac5883e516000000001976a914ad27edee3" +
		"65350b63b5024a8f8168e7297bdd70b88ac216e1500"

	spendTxHex = "01000000019960eee94aa89f4db93a4bc720dc9b7004127df7c1" +
		"15f121fee5ec7eea1e4ce2000000006b483045022100870754d5caf04835" +
		"01f9ef6b886d42add34a693808310a1199c998e827dca752022031d8a584" +
		"35ac51fbdc94222d2781c08b2af779925f80ac5e05ed5953ae7d07a24121" +
		"030b482838721a38d94847699fed8818b5c5f56500ef72f13489e365b65e" +
		"5749cfffffffff01d1ed0f00000000001976a914ddec06c1086c07c4b1dd" +
		"c4299730dacb3b25b24088ac536e1500"

	fundingValue int64 = 1044113

	testBlockHeight   int32  = 1000
	testBlockPosition uint32 = 3
	testFeeValue      int64  = 12121
)

var testMnemonic = "cycle rocket west magnet parrot shuffle foot " +
	"correct salt library feed song"

func TestMain(m *testing.M) {
	wkeymgr.SetSecretKeyOptions(16, 8, 1)
	os.Exit(m.Run())
}

func decodeTx(t *testing.T, txHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	return tx
}

// testHarness wires a store, an account, and three allocated receiving
// keys the fixture transactions pay to.
type testHarness struct {
	store   *Store
	account AccountRow
	keys    []wkeymgr.KeyAllocation
}

func newTestHarness(t *testing.T,
	dbFactory sqltest.DBFactory) *testHarness {

	t.Helper()
	ctx := context.Background()
	params := &chaincfg.MainNetParams

	store, err := Open(ctx, dbFactory(t), params)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	seed := wkeymgr.SeedFromMnemonic(testMnemonic, "")
	keystore, err := wkeymgr.NewBIP32KeystoreFromSeed(seed,
		[]byte("password"), params)
	require.NoError(t, err)
	keystoreData, err := keystore.MarshalData()
	require.NoError(t, err)

	masterKey, err := store.CreateMasterKey(ctx, 0,
		wkeymgr.DerivationBIP32, keystoreData)
	require.NoError(t, err)
	account, err := store.CreateAccount(ctx, "test account",
		masterKey.MasterKeyID, wscript.TypeP2PKH)
	require.NoError(t, err)

	registry := wkeymgr.NewDerivationRegistry(store)
	keys, err := registry.AllocateKeys(ctx, account.AccountID,
		masterKey.MasterKeyID, keystore, wkeymgr.ReceivingSubpath, 3,
		func(alloc wkeymgr.KeyAllocation) ([]wkeymgr.KeyScriptRow,
			error) {

			script, err := wscript.ScriptFor(wscript.TypeP2PKH,
				[]*btcec.PublicKey{alloc.PubKey}, 1, params)
			if err != nil {
				return nil, err
			}
			return []wkeymgr.KeyScriptRow{{
				KeyInstanceID: alloc.Row.KeyInstanceID,
				ScriptType:    uint8(wscript.TypeP2PKH),
				ScriptHash:    wscript.ScriptHash(script),
			}}, nil
		})
	require.NoError(t, err)
	require.Len(t, keys, 3)

	return &testHarness{store: store, account: account, keys: keys}
}

func (h *testHarness) importTx(t *testing.T, tx *wire.MsgTx,
	params ImportTxParams) ImportResult {

	t.Helper()
	params.Tx = tx
	result, err := h.store.ImportTransaction(context.Background(),
		params).Wait(10 * time.Second)
	require.NoError(t, err)
	return result
}

func clearedMempool() ImportTxParams {
	return ImportTxParams{
		Flags:       TxStateCleared,
		BlockHeight: BlockHeightMempool,
	}
}

func TestImportLinksOwnership(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		result := h.importTx(t, fundingTx, clearedMempool())
		require.Equal(t, fundingTx.TxHash(), result.TxHash)
		require.Equal(t, TxStateCleared, result.Flags.State())
		require.Equal(t, []wkeymgr.AccountID{h.account.AccountID},
			result.Accounts)

		// Output 0 pays the first receiving key; output 1 is not
		// ours.
		outputs, err := h.store.TransactionOutputsFull(ctx,
			result.TxHash)
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		require.Equal(t, h.keys[0].Row.KeyInstanceID,
			outputs[0].KeyInstanceID)
		require.Equal(t, fundingValue, outputs[0].Value)
		require.False(t, outputs[0].IsSpent())
		require.Zero(t, outputs[1].KeyInstanceID)

		// The matched key is flagged used.
		keyRow, err := h.store.KeyInstance(ctx,
			h.keys[0].Row.KeyInstanceID)
		require.NoError(t, err)
		require.NotZero(t, keyRow.Flags&wkeymgr.KeyFlagUsed)

		// The account sees the transaction and its value movement.
		hashes, err := h.store.TransactionHashes(ctx,
			h.account.AccountID)
		require.NoError(t, err)
		require.Equal(t, []chainhash.Hash{result.TxHash}, hashes)

		deltas, err := h.store.TransactionDeltas(ctx, result.TxHash)
		require.NoError(t, err)
		require.Equal(t, []AccountDelta{{
			AccountID: h.account.AccountID,
			Value:     fundingValue,
		}}, deltas)

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{Unconfirmed: fundingValue}, balance)
	})
}

func TestImportIdempotency(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx, clearedMempool())

		params := clearedMempool()
		params.Tx = fundingTx
		_, err := h.store.ImportTransaction(context.Background(),
			params).Wait(10 * time.Second)
		require.True(t, IsError(err, ErrTxAlreadyExists))
	})
}

func TestImportInitialStateValidation(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		fundingTx := decodeTx(t, fundingTxHex)
		ctx := context.Background()

		// Exactly one state bit is accepted at the import boundary.
		for _, flags := range []TxFlags{
			0,
			TxStateRemoved,
			TxStateSigned | TxStateCleared,
			TxStateCleared | TxStateSettled,
		} {
			params := ImportTxParams{
				Tx:          fundingTx,
				Flags:       flags,
				BlockHeight: BlockHeightMempool,
			}
			_, err := h.store.ImportTransaction(ctx, params).
				Wait(10 * time.Second)
			require.True(t, IsError(err, ErrMalformedTx),
				"flags %v: %v", flags, err)
		}
	})
}

func TestImportLocalAllocated(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx, ImportTxParams{
			Flags:       TxStateSigned,
			BlockHeight: BlockHeightLocal,
		})

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{Allocated: fundingValue}, balance)
	})
}

func TestSpendLinkage(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		spendTx := decodeTx(t, spendTxHex)

		h.importTx(t, fundingTx, clearedMempool())
		spendResult := h.importTx(t, spendTx, clearedMempool())

		// The spend consumes all owned value, so it still links to
		// the account.
		require.Equal(t, []wkeymgr.AccountID{h.account.AccountID},
			spendResult.Accounts)

		outputs, err := h.store.TransactionOutputsExplicit(ctx,
			fundingTx.TxHash(), []uint32{0})
		require.NoError(t, err)
		require.True(t, outputs[0].IsSpent())
		require.Equal(t, spendTx.TxHash(),
			outputs[0].SpendingTxHash.UnwrapOr(chainhash.Hash{}))
		require.Equal(t, uint32(0),
			outputs[0].SpendingTxiIndex.UnwrapOr(99))

		deltas, err := h.store.TransactionDeltas(ctx,
			spendTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, []AccountDelta{{
			AccountID: h.account.AccountID,
			Value:     -fundingValue,
		}}, deltas)

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{}, balance)
	})
}

func TestSpendLinkageOutOfOrder(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		spendTx := decodeTx(t, spendTxHex)

		// The child arrives before its parent exists; importing the
		// parent reconciles the spend back-reference.
		h.importTx(t, spendTx, clearedMempool())
		h.importTx(t, fundingTx, clearedMempool())

		outputs, err := h.store.TransactionOutputsExplicit(ctx,
			fundingTx.TxHash(), []uint32{0})
		require.NoError(t, err)
		require.True(t, outputs[0].IsSpent())
		require.Equal(t, spendTx.TxHash(),
			outputs[0].SpendingTxHash.UnwrapOr(chainhash.Hash{}))

		// The parent import completes the child's account link too.
		hashes, err := h.store.TransactionHashes(ctx,
			h.account.AccountID)
		require.NoError(t, err)
		require.ElementsMatch(t, []chainhash.Hash{
			fundingTx.TxHash(), spendTx.TxHash(),
		}, hashes)

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{}, balance)
	})
}

func TestSpendConflict(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		spendTx := decodeTx(t, spendTxHex)

		// A second spender of the same output, distinct only by lock
		// time.
		doubleSpendTx := decodeTx(t, spendTxHex)
		doubleSpendTx.LockTime++
		require.NotEqual(t, spendTx.TxHash(),
			doubleSpendTx.TxHash())

		h.importTx(t, fundingTx, clearedMempool())
		h.importTx(t, spendTx, clearedMempool())
		conflictResult := h.importTx(t, doubleSpendTx,
			clearedMempool())

		// The earlier spender keeps the slot; the later import is
		// flagged, not silently merged.
		require.NotZero(t,
			conflictResult.Flags&TxFlagConflicting)

		outputs, err := h.store.TransactionOutputsExplicit(ctx,
			fundingTx.TxHash(), []uint32{0})
		require.NoError(t, err)
		require.Equal(t, spendTx.TxHash(),
			outputs[0].SpendingTxHash.UnwrapOr(chainhash.Hash{}))
	})
}

func TestRemoveTransaction(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		spendTx := decodeTx(t, spendTxHex)

		h.importTx(t, fundingTx, clearedMempool())
		h.importTx(t, spendTx, clearedMempool())

		// The funding transaction has a live spender.
		_, err := h.store.RemoveTransaction(ctx,
			fundingTx.TxHash()).Wait(10 * time.Second)
		require.True(t, IsError(err, ErrTxRemoval))

		// Removing the spender releases the funding output.
		_, err = h.store.RemoveTransaction(ctx,
			spendTx.TxHash()).Wait(10 * time.Second)
		require.NoError(t, err)

		flags, err := h.store.TransactionFlags(ctx, spendTx.TxHash())
		require.NoError(t, err)
		require.True(t, flags.IsRemoved())

		outputs, err := h.store.TransactionOutputsExplicit(ctx,
			fundingTx.TxHash(), []uint32{0})
		require.NoError(t, err)
		require.False(t, outputs[0].IsSpent())

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{Unconfirmed: fundingValue}, balance)

		// The account no longer lists the removed transaction.
		hashes, err := h.store.TransactionHashes(ctx,
			h.account.AccountID)
		require.NoError(t, err)
		require.Equal(t, []chainhash.Hash{fundingTx.TxHash()},
			hashes)

		// Removing again is an error, as is removing the unknown.
		_, err = h.store.RemoveTransaction(ctx,
			spendTx.TxHash()).Wait(10 * time.Second)
		require.True(t, IsError(err, ErrTxRemoved))
		_, err = h.store.RemoveTransaction(ctx,
			chainhash.Hash{1}).Wait(10 * time.Second)
		require.True(t, IsError(err, ErrTxNotFound))

		// Now the funding transaction can go too.
		_, err = h.store.RemoveTransaction(ctx,
			fundingTx.TxHash()).Wait(10 * time.Second)
		require.NoError(t, err)
		balance, err = h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{}, balance)
	})
}

func TestReimportRevivesRemoved(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx, clearedMempool())
		_, err := h.store.RemoveTransaction(ctx,
			fundingTx.TxHash()).Wait(10 * time.Second)
		require.NoError(t, err)

		// Re-importing the removed hash revives the row and relinks
		// identically.
		result := h.importTx(t, fundingTx, clearedMempool())
		require.Equal(t, TxStateCleared, result.Flags.State())
		require.Equal(t, []wkeymgr.AccountID{h.account.AccountID},
			result.Accounts)

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, Balance{Unconfirmed: fundingValue}, balance)
	})
}

func TestProofSettlesTransaction(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx, clearedMempool())

		blockHash := chainhash.Hash{7}
		_, err := h.store.AddTransactionProof(ctx,
			fundingTx.TxHash(), TxProofUpdate{
				BlockHash:     blockHash,
				BlockHeight:   testBlockHeight,
				BlockPosition: testBlockPosition,
				Fee:           fn.Some(testFeeValue),
			}).Wait(10 * time.Second)
		require.NoError(t, err)

		flags, err := h.store.TransactionFlags(ctx,
			fundingTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, TxStateSettled, flags.State())

		meta, err := h.store.TransactionMetadata(ctx,
			fundingTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, testBlockHeight, meta.BlockHeight)
		require.Equal(t, testBlockPosition,
			meta.BlockPosition.UnwrapOr(0))
		require.Equal(t, testFeeValue, meta.Fee.UnwrapOr(0))

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight+1)
		require.NoError(t, err)
		require.Equal(t, Balance{Confirmed: fundingValue}, balance)

		// Unknown and removed transactions cannot settle.
		_, err = h.store.AddTransactionProof(ctx, chainhash.Hash{2},
			TxProofUpdate{}).Wait(10 * time.Second)
		require.True(t, IsError(err, ErrTxNotFound))
	})
}

func TestUndoVerifications(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx, clearedMempool())
		_, err := h.store.AddTransactionProof(ctx,
			fundingTx.TxHash(), TxProofUpdate{
				BlockHash:     chainhash.Hash{7},
				BlockHeight:   testBlockHeight,
				BlockPosition: testBlockPosition,
				Fee:           fn.Some(testFeeValue),
			}).Wait(10 * time.Second)
		require.NoError(t, err)

		// A reorg above the recorded height reverts nothing.
		reverted, err := h.store.UndoVerifications(ctx,
			testBlockHeight+1).Wait(10 * time.Second)
		require.NoError(t, err)
		require.Zero(t, reverted)

		// A fork at the recorded height unsettles the transaction
		// and erases its block placement.
		reverted, err = h.store.UndoVerifications(ctx,
			testBlockHeight).Wait(10 * time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(1), reverted)

		flags, err := h.store.TransactionFlags(ctx,
			fundingTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, TxStateCleared, flags.State())

		meta, err := h.store.TransactionMetadata(ctx,
			fundingTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, BlockHeightMempool, meta.BlockHeight)
		require.True(t, meta.BlockPosition.IsNone())
		require.True(t, meta.Fee.IsNone())

		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight+1)
		require.NoError(t, err)
		require.Equal(t, Balance{Unconfirmed: fundingValue}, balance)

		// Undoing again is a no-op.
		reverted, err = h.store.UndoVerifications(ctx,
			testBlockHeight).Wait(10 * time.Second)
		require.NoError(t, err)
		require.Zero(t, reverted)
	})
}

func TestSubscriptionKeys(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		spendTx := decodeTx(t, spendTxHex)

		h.importTx(t, fundingTx, clearedMempool())
		h.importTx(t, spendTx, clearedMempool())

		// Cleared transactions need subscriptions: the funding
		// output key appears for its own transaction and for the
		// spend.
		subs, err := h.store.KeysForTransactionSubscriptions(ctx,
			h.account.AccountID, fn.None[chainhash.Hash]())
		require.NoError(t, err)
		require.Len(t, subs, 2)

		// Narrowed to the funding transaction, only its output
		// usage row remains.
		narrowed, err := h.store.KeysForTransactionSubscriptions(ctx,
			h.account.AccountID, fn.Some(fundingTx.TxHash()))
		require.NoError(t, err)
		require.Len(t, narrowed, 1)
		require.Equal(t, SubscriptionPutOutput, narrowed[0].PutType)
		require.Equal(t, fundingTx.TxHash(), narrowed[0].TxHash)

		putTypes := map[chainhash.Hash]uint8{}
		for _, sub := range subs {
			require.Equal(t, h.keys[0].Row.KeyInstanceID,
				sub.KeyInstanceID)
			putTypes[sub.TxHash] = sub.PutType
		}
		require.Equal(t, SubscriptionPutOutput,
			putTypes[fundingTx.TxHash()])
		require.Equal(t, SubscriptionPutInput,
			putTypes[spendTx.TxHash()])

		// Settling both drops them from the subscription reads.
		for _, txHash := range []chainhash.Hash{
			fundingTx.TxHash(), spendTx.TxHash(),
		} {
			_, err := h.store.AddTransactionProof(ctx, txHash,
				TxProofUpdate{
					BlockHash:   chainhash.Hash{7},
					BlockHeight: testBlockHeight,
				}).Wait(10 * time.Second)
			require.NoError(t, err)
		}
		subs, err = h.store.KeysForTransactionSubscriptions(ctx,
			h.account.AccountID, fn.None[chainhash.Hash]())
		require.NoError(t, err)
		require.Empty(t, subs)

		// A reorg makes them reappear.
		_, err = h.store.UndoVerifications(ctx,
			testBlockHeight).Wait(10 * time.Second)
		require.NoError(t, err)
		subs, err = h.store.KeysForTransactionSubscriptions(ctx,
			h.account.AccountID, fn.None[chainhash.Hash]())
		require.NoError(t, err)
		require.Len(t, subs, 2)
	})
}

func TestUnverifiedTransactions(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		// Announced in a block but not yet proven.
		h.importTx(t, fundingTx, ImportTxParams{
			Flags:       TxStateCleared,
			BlockHash:   fn.Some(chainhash.Hash{7}),
			BlockHeight: testBlockHeight,
		})

		// Not listed until the local tip reaches the block.
		unverified, err := h.store.UnverifiedTransactions(ctx,
			testBlockHeight-1)
		require.NoError(t, err)
		require.Empty(t, unverified)

		unverified, err = h.store.UnverifiedTransactions(ctx,
			testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, []UnverifiedTx{{
			Hash:        fundingTx.TxHash(),
			BlockHeight: testBlockHeight,
		}}, unverified)

		// Proving it clears the backlog.
		_, err = h.store.AddTransactionProof(ctx, fundingTx.TxHash(),
			TxProofUpdate{
				BlockHash:     chainhash.Hash{7},
				BlockHeight:   testBlockHeight,
				BlockPosition: testBlockPosition,
			}).Wait(10 * time.Second)
		require.NoError(t, err)
		unverified, err = h.store.UnverifiedTransactions(ctx,
			testBlockHeight)
		require.NoError(t, err)
		require.Empty(t, unverified)
	})
}

func TestCoinbaseMaturity(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		params := &chaincfg.MainNetParams

		// A coinbase transaction paying the second receiving key.
		script, err := wscript.ScriptFor(wscript.TypeP2PKH,
			[]*btcec.PublicKey{h.keys[1].PubKey}, 1, params)
		require.NoError(t, err)

		coinbaseTx := wire.NewMsgTx(wire.TxVersion)
		coinbaseTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{
				Index: wire.MaxPrevOutIndex,
			},
			SignatureScript: []byte{0x03, 0xe8, 0x03, 0x00},
			Sequence:        wire.MaxTxInSequenceNum,
		})
		coinbaseTx.AddTxOut(wire.NewTxOut(5000000000, script))

		h.importTx(t, coinbaseTx, clearedMempool())
		_, err = h.store.AddTransactionProof(ctx,
			coinbaseTx.TxHash(), TxProofUpdate{
				BlockHash:     chainhash.Hash{8},
				BlockHeight:   testBlockHeight,
				BlockPosition: 0,
			}).Wait(10 * time.Second)
		require.NoError(t, err)

		maturity := int32(params.CoinbaseMaturity)

		// Inside the maturity window the value is unmatured.
		balance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight+maturity-2)
		require.NoError(t, err)
		require.Equal(t, Balance{Unmatured: 5000000000}, balance)

		// At maturity it becomes confirmed.
		balance, err = h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight+maturity-1)
		require.NoError(t, err)
		require.Equal(t, Balance{Confirmed: 5000000000}, balance)
	})
}

func TestWritesAfterClose(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		fundingTx := decodeTx(t, fundingTxHex)

		require.NoError(t, h.store.Close())
		require.NoError(t, h.store.Close())

		// Every write submitted after Close must fail fast with
		// ErrStoreClosed rather than queueing behind a retired
		// writer.
		for i := 0; i < 25; i++ {
			params := clearedMempool()
			params.Tx = fundingTx
			_, err := h.store.ImportTransaction(
				context.Background(), params).
				Wait(time.Second)
			require.Error(t, err)
			require.True(t, IsError(err, ErrStoreClosed),
				"iteration %d: %v", i, err)
		}
	})
}

func TestFutureCancel(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		fundingTx := decodeTx(t, fundingTxHex)

		// A resolved future cannot be cancelled.
		params := clearedMempool()
		params.Tx = fundingTx
		future := h.store.ImportTransaction(context.Background(),
			params)
		_, err := future.Wait(10 * time.Second)
		require.NoError(t, err)
		require.False(t, future.Cancel())
	})
}

func TestWalletBalanceAcrossAccounts(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newTestHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx, clearedMempool())

		walletBalance, err := h.store.WalletBalance(ctx,
			testBlockHeight)
		require.NoError(t, err)
		accountBalance, err := h.store.AccountBalance(ctx,
			h.account.AccountID, testBlockHeight)
		require.NoError(t, err)
		require.Equal(t, accountBalance, walletBalance)
		require.Equal(t, fundingValue, walletBalance.Total())
	})
}
