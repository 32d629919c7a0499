// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/opensv/openwallet/wledger"
)

// MissingTransactionEntry carries the block metadata announced for a
// transaction the wallet knows only by hash.  When the body arrives the
// import consumes the entry and backfills the metadata.
type MissingTransactionEntry struct {
	BlockHash   fn.Option[chainhash.Hash]
	BlockHeight int32
	Fee         fn.Option[int64]
}

// RegisterMissingTransaction records announced metadata for a
// transaction whose body has not been fetched yet.  Re-registering the
// same hash replaces the entry; announcements supersede each other.
func (w *Wallet) RegisterMissingTransaction(txHash chainhash.Hash,
	entry MissingTransactionEntry) {

	w.missingMu.Lock()
	w.missing[txHash] = entry
	w.missingMu.Unlock()

	log.Debugf("Registered missing transaction %v at height %d", txHash,
		entry.BlockHeight)
}

// takeMissingEntry consumes the registered entry for the hash, if any.
func (w *Wallet) takeMissingEntry(txHash chainhash.Hash) (
	MissingTransactionEntry, bool) {

	w.missingMu.Lock()
	defer w.missingMu.Unlock()
	entry, ok := w.missing[txHash]
	if ok {
		delete(w.missing, txHash)
	}
	return entry, ok
}

// ImportTransactionAsync queues the transaction for import with the
// given initial lifecycle state.  Any metadata registered for the hash
// through RegisterMissingTransaction is consumed and stored with it.
// The returned future resolves once the import commits; callers Wait
// with an explicit timeout.
func (w *Wallet) ImportTransactionAsync(ctx context.Context,
	tx *wire.MsgTx,
	flags wledger.TxFlags) *wledger.Future[wledger.ImportResult] {

	params := wledger.ImportTxParams{
		Tx:          tx,
		Flags:       flags,
		BlockHeight: wledger.BlockHeightMempool,
	}
	if flags.IsLocal() {
		params.BlockHeight = wledger.BlockHeightLocal
	}

	if entry, ok := w.takeMissingEntry(tx.TxHash()); ok {
		params.BlockHash = entry.BlockHash
		params.BlockHeight = entry.BlockHeight
		params.Fee = entry.Fee
	}

	return w.store.ImportTransaction(ctx, params)
}

// importAnnounced resolves one indexer announcement to a committed
// import, fetching the transaction body when only the hash was pushed.
func (w *Wallet) importAnnounced(ctx context.Context,
	txHash chainhash.Hash, raw []byte) error {

	if raw == nil {
		fetched, err := w.indexer.RequestTransaction(ctx, txHash)
		if err != nil {
			return walletError(ErrMissingTransaction,
				"failed to fetch announced transaction", err)
		}
		raw = fetched
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return walletError(ErrMissingTransaction,
			"announced transaction does not deserialize", err)
	}
	if hash := tx.TxHash(); hash != txHash {
		return walletError(ErrMissingTransaction,
			"announced transaction body does not match its hash",
			nil)
	}

	future := w.ImportTransactionAsync(ctx, tx, wledger.TxStateCleared)
	_, err := future.Wait(0)
	if wledger.IsError(err, wledger.ErrTxAlreadyExists) {
		// Announced again, nothing to do.
		return nil
	}
	return err
}
