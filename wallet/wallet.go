// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet aggregates the ledger store, the key-derivation
// registry, and the keystore variants into a single wallet.  It owns the
// registered keystores, maps accounts onto them, drives transaction
// ingress from a chain indexer, and keeps confirmation state current
// through proofs and reorgs.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/opensv/openwallet/chain"
	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wledger"
	"github.com/opensv/openwallet/wscript"
)

// defaultVerifyInterval is how often the wallet re-requests merkle
// proofs for cleared transactions whose block is already within the
// local chain view.
const defaultVerifyInterval = 30 * time.Second

// Config supplies the collaborators a Wallet is built on.
type Config struct {
	// Store is the open ledger store the wallet persists through.
	Store *wledger.Store

	// Params identifies the network the wallet operates on.
	Params *chaincfg.Params

	// Indexer is the remote chain-indexing service, or nil for an
	// offline wallet.  With no indexer the periodic verification loop
	// and notification handling are inert.
	Indexer chain.Indexer

	// VerifyTicker overrides the proof re-request ticker.  Nil selects
	// a default interval ticker; tests inject a mock.
	VerifyTicker ticker.Ticker
}

// Wallet binds accounts and keystores to the ledger store and keeps
// their on-chain state current.
type Wallet struct {
	store    *wledger.Store
	params   *chaincfg.Params
	registry *wkeymgr.DerivationRegistry
	indexer  chain.Indexer

	verifyTicker ticker.Ticker

	// mu guards the keystore and account maps.
	mu        sync.RWMutex
	keystores map[wkeymgr.MasterKeyID]wkeymgr.Keystore
	accounts  map[wkeymgr.AccountID]*Account

	// missingMu guards the registered metadata for transactions the
	// wallet knows only by hash.
	missingMu sync.Mutex
	missing   map[chainhash.Hash]MissingTransactionEntry

	localHeight atomic.Int32

	started atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewWallet builds a wallet over an open store, reconstructing the
// registered keystores and accounts from their persisted rows.
func NewWallet(ctx context.Context, cfg *Config) (*Wallet, error) {
	verifyTicker := cfg.VerifyTicker
	if verifyTicker == nil {
		verifyTicker = ticker.New(defaultVerifyInterval)
	}

	w := &Wallet{
		store:        cfg.Store,
		params:       cfg.Params,
		registry:     wkeymgr.NewDerivationRegistry(cfg.Store),
		indexer:      cfg.Indexer,
		verifyTicker: verifyTicker,
		keystores:    make(map[wkeymgr.MasterKeyID]wkeymgr.Keystore),
		accounts:     make(map[wkeymgr.AccountID]*Account),
		missing:      make(map[chainhash.Hash]MissingTransactionEntry),
		quit:         make(chan struct{}),
	}
	if err := w.load(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// load reconstructs the keystore and account maps from the store.
func (w *Wallet) load(ctx context.Context) error {
	masterKeys, err := w.store.MasterKeys(ctx)
	if err != nil {
		return err
	}
	keystores := make(map[wkeymgr.MasterKeyID]wkeymgr.Keystore,
		len(masterKeys))
	for _, row := range masterKeys {
		keystore, err := wkeymgr.LoadKeystore(row.DerivationType,
			row.DerivationData)
		if err != nil {
			return err
		}
		keystores[row.MasterKeyID] = keystore
	}

	accountRows, err := w.store.Accounts(ctx)
	if err != nil {
		return err
	}
	accounts := make(map[wkeymgr.AccountID]*Account, len(accountRows))
	for _, row := range accountRows {
		account := &Account{Row: row}
		if row.DefaultMasterKeyID != 0 {
			keystore, ok := keystores[row.DefaultMasterKeyID]
			if !ok {
				return walletError(ErrUnknownMasterKey,
					fmt.Sprintf("account %d references "+
						"unknown master key %d",
						row.AccountID,
						row.DefaultMasterKeyID), nil)
			}
			account.Keystore = keystore
			account.Kind = accountKindFor(keystore)
		} else {
			account.Kind = AccountImportedAddress
		}
		accounts[row.AccountID] = account
	}

	w.mu.Lock()
	w.keystores = keystores
	w.accounts = accounts
	w.mu.Unlock()

	log.Infof("Loaded %d master keys and %d accounts",
		len(masterKeys), len(accountRows))
	return nil
}

// CreateMasterKeyFromKeystore persists the keystore as a new master key
// row and registers it with the wallet.
func (w *Wallet) CreateMasterKeyFromKeystore(ctx context.Context,
	parentID wkeymgr.MasterKeyID,
	keystore wkeymgr.Keystore) (wkeymgr.MasterKeyRow, error) {

	data, err := keystore.MarshalData()
	if err != nil {
		return wkeymgr.MasterKeyRow{}, err
	}
	row, err := w.store.CreateMasterKey(ctx, parentID,
		keystore.DerivationType(), data)
	if err != nil {
		return wkeymgr.MasterKeyRow{}, err
	}

	w.mu.Lock()
	w.keystores[row.MasterKeyID] = keystore
	w.mu.Unlock()

	log.Infof("Registered %v master key %d", keystore.DerivationType(),
		row.MasterKeyID)
	return row, nil
}

// AddAccounts creates one account per name, all backed by the same
// wallet-registered master key.
func (w *Wallet) AddAccounts(ctx context.Context,
	masterKeyID wkeymgr.MasterKeyID, scriptType wscript.ScriptType,
	names ...string) ([]*Account, error) {

	w.mu.RLock()
	keystore, ok := w.keystores[masterKeyID]
	w.mu.RUnlock()
	if !ok {
		return nil, walletError(ErrUnknownMasterKey, fmt.Sprintf(
			"master key %d is not registered", masterKeyID), nil)
	}

	accounts := make([]*Account, 0, len(names))
	for _, name := range names {
		row, err := w.store.CreateAccount(ctx, name, masterKeyID,
			scriptType)
		if err != nil {
			return nil, err
		}
		account := &Account{
			Row:      row,
			Kind:     accountKindFor(keystore),
			Keystore: keystore,
		}
		w.mu.Lock()
		w.accounts[row.AccountID] = account
		w.mu.Unlock()
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// RegisterAccount creates an account owning its keystore exclusively.
// The keystore is persisted as a new master key first; a nil keystore
// creates a watch-only imported-address account with no key material.
func (w *Wallet) RegisterAccount(ctx context.Context, name string,
	keystore wkeymgr.Keystore,
	scriptType wscript.ScriptType) (*Account, error) {

	var masterKeyID wkeymgr.MasterKeyID
	if keystore != nil {
		row, err := w.CreateMasterKeyFromKeystore(ctx, 0, keystore)
		if err != nil {
			return nil, err
		}
		masterKeyID = row.MasterKeyID
	}

	row, err := w.store.CreateAccount(ctx, name, masterKeyID,
		scriptType)
	if err != nil {
		return nil, err
	}

	account := &Account{Row: row, Keystore: keystore}
	if keystore != nil {
		account.Kind = accountKindFor(keystore)
	} else {
		account.Kind = AccountImportedAddress
	}

	w.mu.Lock()
	w.accounts[row.AccountID] = account
	w.mu.Unlock()
	return account, nil
}

// Account returns the registered account with the passed id.
func (w *Wallet) Account(id wkeymgr.AccountID) (*Account, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	account, ok := w.accounts[id]
	if !ok {
		return nil, walletError(ErrUnknownAccount, fmt.Sprintf(
			"account %d is not registered", id), nil)
	}
	return account, nil
}

// Accounts returns all registered accounts in id order.
func (w *Wallet) Accounts() []*Account {
	w.mu.RLock()
	defer w.mu.RUnlock()
	accounts := make([]*Account, 0, len(w.accounts))
	for _, account := range w.accounts {
		accounts = append(accounts, account)
	}
	sortAccounts(accounts)
	return accounts
}

// Keystores returns all wallet-registered keystores keyed by master key.
func (w *Wallet) Keystores() map[wkeymgr.MasterKeyID]wkeymgr.Keystore {
	w.mu.RLock()
	defer w.mu.RUnlock()
	keystores := make(map[wkeymgr.MasterKeyID]wkeymgr.Keystore,
		len(w.keystores))
	for id, keystore := range w.keystores {
		keystores[id] = keystore
	}
	return keystores
}

// Registry returns the key allocation registry bound to the wallet's
// store.
func (w *Wallet) Registry() *wkeymgr.DerivationRegistry {
	return w.registry
}

func sortAccounts(accounts []*Account) {
	for i := 1; i < len(accounts); i++ {
		for j := i; j > 0 && accounts[j].Row.AccountID <
			accounts[j-1].Row.AccountID; j-- {

			accounts[j], accounts[j-1] =
				accounts[j-1], accounts[j]
		}
	}
}

// UpdatePassword reseals every keystore secret under the new password.
// The old password is verified against every keystore before anything is
// rewritten, and the resealed blobs commit in one SQL transaction, so a
// failure leaves every keystore readable under the old password.  The
// in-memory keystores are swapped once the commit lands.
func (w *Wallet) UpdatePassword(ctx context.Context, oldPassword,
	newPassword []byte) (*wledger.Future[struct{}], error) {

	w.mu.RLock()
	keystores := make(map[wkeymgr.MasterKeyID]wkeymgr.Keystore,
		len(w.keystores))
	for id, keystore := range w.keystores {
		keystores[id] = keystore
	}
	w.mu.RUnlock()

	// Verification fans out; scrypt dominates and the keystores are
	// independent.
	g, gctx := errgroup.WithContext(ctx)
	for _, keystore := range keystores {
		keystore := keystore
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return keystore.CheckPassword(oldPassword)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	datas := make(map[wkeymgr.MasterKeyID][]byte, len(keystores))
	reloaded := make(map[wkeymgr.MasterKeyID]wkeymgr.Keystore,
		len(keystores))
	for id, keystore := range keystores {
		data, err := keystore.ReencryptData(oldPassword, newPassword)
		if err != nil {
			return nil, err
		}
		replacement, err := wkeymgr.LoadKeystore(
			keystore.DerivationType(), data)
		if err != nil {
			return nil, err
		}
		datas[id] = data
		reloaded[id] = replacement
	}

	future := w.store.UpdateMasterKeyDatas(ctx, datas)
	go func() {
		<-future.Done()
		if _, err := future.Wait(0); err != nil {
			log.Errorf("Password update did not commit: %v", err)
			return
		}
		w.mu.Lock()
		for id, keystore := range reloaded {
			w.keystores[id] = keystore
			for _, account := range w.accounts {
				if account.Row.DefaultMasterKeyID == id {
					account.Keystore = keystore
				}
			}
		}
		w.mu.Unlock()
		log.Infof("Password updated across %d keystores",
			len(reloaded))
	}()
	return future, nil
}

// LocalHeight returns the wallet's view of the chain tip height.
func (w *Wallet) LocalHeight() int32 {
	return w.localHeight.Load()
}

// SetLocalHeight records the chain tip height used for maturity and
// verification decisions.
func (w *Wallet) SetLocalHeight(height int32) {
	w.localHeight.Store(height)
}

// AccountBalance returns the account's bucketed balance at the current
// local height.
func (w *Wallet) AccountBalance(ctx context.Context,
	accountID wkeymgr.AccountID) (wledger.Balance, error) {

	return w.store.AccountBalance(ctx, accountID, w.LocalHeight())
}

// Balance returns the whole wallet's bucketed balance at the current
// local height.
func (w *Wallet) Balance(ctx context.Context) (wledger.Balance, error) {
	return w.store.WalletBalance(ctx, w.LocalHeight())
}

// GetTransactionMetadata returns the block placement of one transaction.
func (w *Wallet) GetTransactionMetadata(ctx context.Context,
	txHash chainhash.Hash) (*wledger.TxMetadata, error) {

	return w.store.TransactionMetadata(ctx, txHash)
}

// ReadKeysForTransactionSubscriptions returns the key usage rows the
// account must keep subscribed at the indexer: keys paid by live
// unsettled transactions and keys whose outputs they spend.  A set
// txHash narrows the result to that transaction.
func (w *Wallet) ReadKeysForTransactionSubscriptions(ctx context.Context,
	accountID wkeymgr.AccountID,
	txHash fn.Option[chainhash.Hash]) ([]wledger.KeySubscriptionRow, error) {

	return w.store.KeysForTransactionSubscriptions(ctx, accountID, txHash)
}

// RemoveTransaction queues a soft delete of the transaction.  Fails if a
// live transaction spends one of its outputs.
func (w *Wallet) RemoveTransaction(ctx context.Context,
	txHash chainhash.Hash) *wledger.Future[struct{}] {

	return w.store.RemoveTransaction(ctx, txHash)
}

// UndoVerifications reverts the settled state of every transaction at or
// above the fork height.  Returns the number of reverted transactions.
func (w *Wallet) UndoVerifications(ctx context.Context,
	forkHeight int32) *wledger.Future[int64] {

	return w.store.UndoVerifications(ctx, forkHeight)
}

// Start brings up the indexer connection and the background loops.
func (w *Wallet) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	if w.indexer != nil {
		if err := w.indexer.Start(); err != nil {
			return err
		}
		w.wg.Add(2)
		go w.notificationLoop()
		go w.verifyLoop()
	}
	log.Info("Wallet started")
	return nil
}

// Stop shuts down the background loops and the indexer connection and
// blocks until both have exited.
func (w *Wallet) Stop() {
	if !w.started.CompareAndSwap(true, false) {
		return
	}

	close(w.quit)
	if w.indexer != nil {
		w.indexer.Stop()
		w.indexer.WaitForShutdown()
	}
	w.wg.Wait()
	log.Info("Wallet stopped")
}
