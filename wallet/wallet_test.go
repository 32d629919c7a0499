// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/opensv/openwallet/chain"
	"github.com/opensv/openwallet/internal/sqltest"
	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wledger"
	"github.com/opensv/openwallet/wscript"
)

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

	// merkleRootHex is the internal-byte-order merkle root of a block
	// holding exactly the funding and spend transactions, in that
	// order.
	merkleRootHex = "cb90b82d20b19a4e771ec272fa7f61b41868ab52769adedb" +
		"2d4ea38f827f7666"

	fundingValue int64 = 1044113

	testBlockHeight   int32  = 1000
	testBlockPosition uint32 = 3
	testFeeValue      int64  = 12121
)

var (
	testMnemonic = "cycle rocket west magnet parrot shuffle foot " +
		"correct salt library feed song"

	testPassword = []byte("wallet password")
)

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

func merkleRoot(t *testing.T) chainhash.Hash {
	t.Helper()
	raw, err := hex.DecodeString(merkleRootHex)
	require.NoError(t, err)
	var root chainhash.Hash
	require.NoError(t, root.SetBytes(raw))
	return root
}

// mockIndexer is an in-memory chain.Indexer the tests feed by hand.
type mockIndexer struct {
	mu         sync.Mutex
	bestHeight int32
	txs        map[chainhash.Hash][]byte
	proofs     map[chainhash.Hash]*chain.TxProof
	subscribed [][]byte

	notifications chan interface{}
}

func newMockIndexer() *mockIndexer {
	return &mockIndexer{
		txs:           make(map[chainhash.Hash][]byte),
		proofs:        make(map[chainhash.Hash]*chain.TxProof),
		notifications: make(chan interface{}, 16),
	}
}

func (m *mockIndexer) Start() error     { return nil }
func (m *mockIndexer) Stop()            {}
func (m *mockIndexer) WaitForShutdown() {}

func (m *mockIndexer) BestHeight(context.Context) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestHeight, nil
}

func (m *mockIndexer) setBestHeight(height int32) {
	m.mu.Lock()
	m.bestHeight = height
	m.mu.Unlock()
}

func (m *mockIndexer) SubscribeScriptHashes(_ context.Context,
	scriptHashes [][]byte) error {

	m.mu.Lock()
	m.subscribed = append(m.subscribed, scriptHashes...)
	m.mu.Unlock()
	return nil
}

func (m *mockIndexer) RequestTransaction(_ context.Context,
	txHash chainhash.Hash) ([]byte, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.txs[txHash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %v", txHash)
	}
	return raw, nil
}

func (m *mockIndexer) addTransaction(tx *wire.MsgTx) {
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	m.mu.Lock()
	m.txs[tx.TxHash()] = buf.Bytes()
	m.mu.Unlock()
}

func (m *mockIndexer) RequestProof(_ context.Context,
	txHash chainhash.Hash, _ int32) (*chain.TxProof, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[txHash]
	if !ok {
		return nil, fmt.Errorf("no proof for %v", txHash)
	}
	return proof, nil
}

func (m *mockIndexer) addProof(txHash chainhash.Hash,
	proof *chain.TxProof) {

	m.mu.Lock()
	m.proofs[txHash] = proof
	m.mu.Unlock()
}

func (m *mockIndexer) Notifications() <-chan interface{} {
	return m.notifications
}

type walletHarness struct {
	wallet  *Wallet
	store   *wledger.Store
	indexer *mockIndexer
	tick    *ticker.Force

	keystore  *wkeymgr.BIP32Keystore
	masterKey wkeymgr.MasterKeyRow
	account   *Account
	keys      []wkeymgr.KeyAllocation
}

func newWalletHarness(t *testing.T,
	dbFactory sqltest.DBFactory) *walletHarness {

	t.Helper()
	ctx := context.Background()
	params := &chaincfg.MainNetParams

	store, err := wledger.Open(ctx, dbFactory(t), params)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	h := &walletHarness{
		store:   store,
		indexer: newMockIndexer(),
		tick:    ticker.NewForce(time.Hour),
	}

	h.wallet, err = NewWallet(ctx, &Config{
		Store:        store,
		Params:       params,
		Indexer:      h.indexer,
		VerifyTicker: h.tick,
	})
	require.NoError(t, err)
	t.Cleanup(h.wallet.Stop)

	seed := wkeymgr.SeedFromMnemonic(testMnemonic, "")
	h.keystore, err = wkeymgr.NewBIP32KeystoreFromSeed(seed,
		testPassword, params)
	require.NoError(t, err)

	h.masterKey, err = h.wallet.CreateMasterKeyFromKeystore(ctx, 0,
		h.keystore)
	require.NoError(t, err)

	accounts, err := h.wallet.AddAccounts(ctx, h.masterKey.MasterKeyID,
		wscript.TypeP2PKH, "savings")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	h.account = accounts[0]

	h.keys, err = h.wallet.Registry().AllocateKeys(ctx,
		h.account.AccountID(), h.masterKey.MasterKeyID, h.keystore,
		wkeymgr.ReceivingSubpath, 3,
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
	return h
}

func (h *walletHarness) importTx(t *testing.T, tx *wire.MsgTx) {
	t.Helper()
	_, err := h.wallet.ImportTransactionAsync(context.Background(), tx,
		wledger.TxStateCleared).Wait(10 * time.Second)
	require.NoError(t, err)
}

func (h *walletHarness) fundingProof(t *testing.T,
	height int32) *chain.TxProof {

	t.Helper()
	spendTx := decodeTx(t, spendTxHex)
	spendHash := spendTx.TxHash()
	return &chain.TxProof{
		BlockHash:   chainhash.Hash{7},
		Height:      height,
		Position:    0,
		Header:      wire.BlockHeader{MerkleRoot: merkleRoot(t)},
		MerkleNodes: [][]byte{spendHash[:]},
	}
}

func TestWalletLoadRoundTrip(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()

		// A second wallet over the same store reconstructs the same
		// accounts and keystores from their rows.
		reopened, err := NewWallet(ctx, &Config{
			Store:  h.store,
			Params: &chaincfg.MainNetParams,
		})
		require.NoError(t, err)

		accounts := reopened.Accounts()
		require.Len(t, accounts, 1)
		require.Equal(t, h.account.Row, accounts[0].Row)
		require.Equal(t, AccountStandard, accounts[0].Kind)
		require.False(t, accounts[0].IsWatchOnly())

		keystores := reopened.Keystores()
		require.Len(t, keystores, 1)
		reloaded := keystores[h.masterKey.MasterKeyID]
		require.NotNil(t, reloaded)
		require.NoError(t, reloaded.CheckPassword(testPassword))

		// The reloaded keystore derives the same keys.
		for _, alloc := range h.keys {
			pubKey, err := reloaded.DerivePublicKey(alloc.Path)
			require.NoError(t, err)
			require.Equal(t, alloc.PubKey.SerializeCompressed(),
				pubKey.SerializeCompressed())
		}
	})
}

func TestWalletRegisterImportedAccounts(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()

		imported, err := wkeymgr.NewImportedKeystore(testPassword)
		require.NoError(t, err)
		privKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		_, err = imported.ImportPrivateKey(privKey, testPassword)
		require.NoError(t, err)

		account, err := h.wallet.RegisterAccount(ctx, "imported keys",
			imported, wscript.TypeP2PKH)
		require.NoError(t, err)
		require.Equal(t, AccountImportedPrivkey, account.Kind)
		require.False(t, account.IsWatchOnly())

		// A nil keystore registers a watch-only address account with
		// no master key at all.
		watched, err := h.wallet.RegisterAccount(ctx,
			"watched addresses", nil, wscript.TypeP2PKH)
		require.NoError(t, err)
		require.Equal(t, AccountImportedAddress, watched.Kind)
		require.True(t, watched.IsWatchOnly())
		require.Zero(t, watched.Row.DefaultMasterKeyID)

		require.Len(t, h.wallet.Accounts(), 3)

		// Imported accounts own their keystores exclusively; only
		// the imported-privkey account added a wallet keystore.
		require.Len(t, h.wallet.Keystores(), 2)

		// Unknown master keys are rejected outright.
		_, err = h.wallet.AddAccounts(ctx, 999, wscript.TypeP2PKH,
			"orphan")
		require.True(t, IsError(err, ErrUnknownMasterKey))
	})
}

func TestWalletMissingTransactionBackfill(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.wallet.RegisterMissingTransaction(fundingTx.TxHash(),
			MissingTransactionEntry{
				BlockHash:   fn.Some(chainhash.Hash{7}),
				BlockHeight: testBlockHeight,
				Fee:         fn.Some(testFeeValue),
			})
		h.importTx(t, fundingTx)

		meta, err := h.wallet.GetTransactionMetadata(ctx,
			fundingTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, testBlockHeight, meta.BlockHeight)
		require.Equal(t, testFeeValue, meta.Fee.UnwrapOr(0))

		// The entry was consumed; a second import of another hash
		// does not see it.
		_, ok := h.wallet.takeMissingEntry(fundingTx.TxHash())
		require.False(t, ok)
	})
}

func TestWalletProofVerification(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		spendTx := decodeTx(t, spendTxHex)
		fundingHash := fundingTx.TxHash()

		h.importTx(t, fundingTx)
		h.importTx(t, spendTx)

		// A proof against the wrong root is rejected before any
		// write is queued.
		bad := h.fundingProof(t, testBlockHeight)
		bad.Header.MerkleRoot = chainhash.Hash{1}
		_, err := h.wallet.AddTransactionProof(ctx, fundingHash, bad)
		require.True(t, IsError(err, ErrInvalidProof))

		// As is a proof whose position lies outside the tree.
		bad = h.fundingProof(t, testBlockHeight)
		bad.Position = 2
		_, err = h.wallet.AddTransactionProof(ctx, fundingHash, bad)
		require.True(t, IsError(err, ErrInvalidProof))

		// And one with a malformed branch node.
		bad = h.fundingProof(t, testBlockHeight)
		bad.MerkleNodes = [][]byte{{0x01}}
		_, err = h.wallet.AddTransactionProof(ctx, fundingHash, bad)
		require.True(t, IsError(err, ErrInvalidProof))

		// The genuine proof settles the transaction.
		future, err := h.wallet.AddTransactionProof(ctx, fundingHash,
			h.fundingProof(t, testBlockHeight))
		require.NoError(t, err)
		_, err = future.Wait(10 * time.Second)
		require.NoError(t, err)

		// The sibling proves at position 1 with the funding hash as
		// its branch node.
		siblingProof := &chain.TxProof{
			BlockHash:   chainhash.Hash{7},
			Height:      testBlockHeight,
			Position:    1,
			Header:      wire.BlockHeader{MerkleRoot: merkleRoot(t)},
			MerkleNodes: [][]byte{fundingHash[:]},
		}
		future, err = h.wallet.AddTransactionProof(ctx,
			spendTx.TxHash(), siblingProof)
		require.NoError(t, err)
		_, err = future.Wait(10 * time.Second)
		require.NoError(t, err)

		meta, err := h.wallet.GetTransactionMetadata(ctx, fundingHash)
		require.NoError(t, err)
		require.Equal(t, testBlockHeight, meta.BlockHeight)
		require.Equal(t, uint32(0), meta.BlockPosition.UnwrapOr(9))
	})
}

func TestWalletReorg(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)

		h.importTx(t, fundingTx)
		future, err := h.wallet.AddTransactionProof(ctx,
			fundingTx.TxHash(), h.fundingProof(t, testBlockHeight))
		require.NoError(t, err)
		_, err = future.Wait(10 * time.Second)
		require.NoError(t, err)

		reverted, err := h.wallet.UndoVerifications(ctx,
			testBlockHeight).Wait(10 * time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(1), reverted)

		meta, err := h.wallet.GetTransactionMetadata(ctx,
			fundingTx.TxHash())
		require.NoError(t, err)
		require.Equal(t, wledger.BlockHeightMempool, meta.BlockHeight)
		require.True(t, meta.BlockPosition.IsNone())

		// With the settled state reverted the key reappears in the
		// subscription reads.
		subs, err := h.wallet.ReadKeysForTransactionSubscriptions(ctx,
			h.account.AccountID(), fn.Some(fundingTx.TxHash()))
		require.NoError(t, err)
		require.Len(t, subs, 1)
	})
}

func TestWalletNotificationFlow(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		fundingHash := fundingTx.TxHash()

		require.NoError(t, h.wallet.Start())

		// A hash-only announcement makes the wallet fetch the body
		// from the indexer.
		h.indexer.addTransaction(fundingTx)
		h.indexer.notifications <- chain.TransactionAnnouncement{
			TxHash:      fundingHash,
			BlockHeight: testBlockHeight,
			FeeValue:    testFeeValue,
		}
		require.Eventually(t, func() bool {
			flags, err := h.store.TransactionFlags(ctx,
				fundingHash)
			return err == nil &&
				flags.State() == wledger.TxStateCleared
		}, 10*time.Second, 10*time.Millisecond)

		meta, err := h.wallet.GetTransactionMetadata(ctx, fundingHash)
		require.NoError(t, err)
		require.Equal(t, testBlockHeight, meta.BlockHeight)
		require.Equal(t, testFeeValue, meta.Fee.UnwrapOr(0))

		// A pushed proof settles it.
		h.indexer.notifications <- chain.ProofAnnouncement{
			TxHash: fundingHash,
			Proof:  *h.fundingProof(t, testBlockHeight),
		}
		require.Eventually(t, func() bool {
			flags, err := h.store.TransactionFlags(ctx,
				fundingHash)
			return err == nil &&
				flags.State() == wledger.TxStateSettled
		}, 10*time.Second, 10*time.Millisecond)

		// A reorg announcement reverts it.
		h.indexer.notifications <- chain.ReorgAnnouncement{
			Height: testBlockHeight,
		}
		require.Eventually(t, func() bool {
			flags, err := h.store.TransactionFlags(ctx,
				fundingHash)
			return err == nil &&
				flags.State() == wledger.TxStateCleared
		}, 10*time.Second, 10*time.Millisecond)

		h.wallet.Stop()
	})
}

func TestWalletVerifyTick(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()
		fundingTx := decodeTx(t, fundingTxHex)
		fundingHash := fundingTx.TxHash()

		// Cleared with a known block height but no proof yet.
		h.wallet.RegisterMissingTransaction(fundingHash,
			MissingTransactionEntry{
				BlockHash:   fn.Some(chainhash.Hash{7}),
				BlockHeight: testBlockHeight,
			})
		h.importTx(t, fundingTx)

		h.indexer.setBestHeight(testBlockHeight + 5)
		h.indexer.addProof(fundingHash,
			h.fundingProof(t, testBlockHeight))

		require.NoError(t, h.wallet.Start())
		h.tick.Force <- time.Now()

		require.Eventually(t, func() bool {
			flags, err := h.store.TransactionFlags(ctx,
				fundingHash)
			return err == nil &&
				flags.State() == wledger.TxStateSettled
		}, 10*time.Second, 10*time.Millisecond)
		require.Equal(t, testBlockHeight+5, h.wallet.LocalHeight())

		h.wallet.Stop()
	})
}

func TestWalletPasswordUpdate(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		h := newWalletHarness(t, dbFactory)
		ctx := context.Background()
		newPassword := []byte("rotated password")

		// A second keystore so the update spans more than one row.
		imported, err := wkeymgr.NewImportedKeystore(testPassword)
		require.NoError(t, err)
		privKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		pubKey, err := imported.ImportPrivateKey(privKey,
			testPassword)
		require.NoError(t, err)
		_, err = h.wallet.RegisterAccount(ctx, "imported keys",
			imported, wscript.TypeP2PKH)
		require.NoError(t, err)

		// The wrong old password fails before anything is rewritten.
		_, err = h.wallet.UpdatePassword(ctx, []byte("wrong"),
			newPassword)
		require.True(t,
			wkeymgr.IsError(err, wkeymgr.ErrInvalidPassword))
		for _, keystore := range h.wallet.Keystores() {
			require.NoError(t,
				keystore.CheckPassword(testPassword))
		}

		future, err := h.wallet.UpdatePassword(ctx, testPassword,
			newPassword)
		require.NoError(t, err)
		_, err = future.Wait(10 * time.Second)
		require.NoError(t, err)

		// Every keystore reseals, in memory and in the store.
		require.Eventually(t, func() bool {
			for _, ks := range h.wallet.Keystores() {
				if ks.CheckPassword(newPassword) != nil {
					return false
				}
			}
			return true
		}, 10*time.Second, 10*time.Millisecond)

		reopened, err := NewWallet(ctx, &Config{
			Store:  h.store,
			Params: &chaincfg.MainNetParams,
		})
		require.NoError(t, err)
		for _, keystore := range reopened.Keystores() {
			require.NoError(t, keystore.CheckPassword(newPassword))
			require.Error(t, keystore.CheckPassword(testPassword))
		}

		// The imported secret survives the reseal.
		var reloaded *wkeymgr.ImportedKeystore
		for _, keystore := range reopened.Keystores() {
			if ks, ok := keystore.(*wkeymgr.ImportedKeystore); ok {
				reloaded = ks
			}
		}
		require.NotNil(t, reloaded)
		recovered, err := reloaded.PrivateKey(pubKey, newPassword)
		require.NoError(t, err)
		require.Equal(t, privKey.Serialize(), recovered.Serialize())
	})
}
