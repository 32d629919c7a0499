// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/opensv/openwallet/chain"
	"github.com/opensv/openwallet/wledger"
)

// verifyProof recomputes the merkle root from the transaction hash, the
// branch nodes, and the block position, and compares it to the header's
// committed root.
func verifyProof(txHash chainhash.Hash, proof *chain.TxProof) error {
	current := txHash
	position := proof.Position
	for i, node := range proof.MerkleNodes {
		if len(node) != chainhash.HashSize {
			return walletError(ErrInvalidProof, fmt.Sprintf(
				"merkle node %d has length %d", i, len(node)),
				nil)
		}
		var combined [2 * chainhash.HashSize]byte
		if position&1 == 1 {
			copy(combined[:chainhash.HashSize], node)
			copy(combined[chainhash.HashSize:], current[:])
		} else {
			copy(combined[:chainhash.HashSize], current[:])
			copy(combined[chainhash.HashSize:], node)
		}
		current = chainhash.DoubleHashH(combined[:])
		position >>= 1
	}
	if position != 0 {
		return walletError(ErrInvalidProof, fmt.Sprintf(
			"block position %d exceeds a %d-level merkle tree",
			proof.Position, len(proof.MerkleNodes)), nil)
	}
	if current != proof.Header.MerkleRoot {
		return walletError(ErrInvalidProof, fmt.Sprintf(
			"merkle root mismatch: computed %v, header %v",
			current, proof.Header.MerkleRoot), nil)
	}
	return nil
}

// AddTransactionProof verifies the merkle proof against its block header
// and, when it checks out, queues the settle write.  Any fee registered
// for the hash through RegisterMissingTransaction is consumed and
// backfilled with it.
func (w *Wallet) AddTransactionProof(ctx context.Context,
	txHash chainhash.Hash, proof *chain.TxProof) (
	*wledger.Future[struct{}], error) {

	if err := verifyProof(txHash, proof); err != nil {
		return nil, err
	}

	update := wledger.TxProofUpdate{
		BlockHash:     proof.BlockHash,
		BlockHeight:   proof.Height,
		BlockPosition: proof.Position,
	}
	if entry, ok := w.takeMissingEntry(txHash); ok {
		update.Fee = entry.Fee
	}

	log.Debugf("Settling transaction %v at height %d position %d",
		txHash, proof.Height, proof.Position)
	return w.store.AddTransactionProof(ctx, txHash, update), nil
}

// notificationLoop consumes the indexer's push notifications until the
// wallet stops.
func (w *Wallet) notificationLoop() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.quit
		cancel()
	}()

	for {
		select {
		case n, ok := <-w.indexer.Notifications():
			if !ok {
				return
			}
			w.handleNotification(ctx, n)

		case <-w.quit:
			return
		}
	}
}

func (w *Wallet) handleNotification(ctx context.Context, n interface{}) {
	if log.Level() <= btclog.LevelTrace {
		log.Tracef("Indexer notification: %v", spew.Sdump(n))
	}

	switch n := n.(type) {
	case chain.TransactionAnnouncement:
		if n.BlockHeight > 0 || n.FeeValue > 0 {
			entry := MissingTransactionEntry{
				BlockHeight: n.BlockHeight,
			}
			if n.BlockHash != nil {
				entry.BlockHash = fn.Some(*n.BlockHash)
			}
			if n.FeeValue > 0 {
				entry.Fee = fn.Some(n.FeeValue)
			}
			w.RegisterMissingTransaction(n.TxHash, entry)
		}
		if err := w.importAnnounced(ctx, n.TxHash, n.Raw); err != nil {
			log.Errorf("Failed to import announced "+
				"transaction %v: %v", n.TxHash, err)
		}

	case chain.ProofAnnouncement:
		future, err := w.AddTransactionProof(ctx, n.TxHash, &n.Proof)
		if err != nil {
			log.Errorf("Rejected proof for %v: %v", n.TxHash, err)
			return
		}
		if _, err := future.Wait(0); err != nil {
			log.Errorf("Failed to settle %v: %v", n.TxHash, err)
		}

	case chain.ReorgAnnouncement:
		reverted, err := w.UndoVerifications(ctx, n.Height).Wait(0)
		if err != nil {
			log.Errorf("Failed to revert verifications from "+
				"height %d: %v", n.Height, err)
			return
		}
		log.Infof("Chain reorganized from height %d, reverted %d "+
			"transactions", n.Height, reverted)

	default:
		log.Warnf("Ignoring unknown notification type %T", n)
	}
}

// verifyLoop periodically re-requests merkle proofs for cleared
// transactions whose block is already within the local chain view.
func (w *Wallet) verifyLoop() {
	defer w.wg.Done()

	w.verifyTicker.Resume()
	defer w.verifyTicker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.quit
		cancel()
	}()

	for {
		select {
		case <-w.verifyTicker.Ticks():
			if err := w.checkUnverified(ctx); err != nil {
				log.Errorf("Unverified transaction check "+
					"failed: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// checkUnverified refreshes the local height from the indexer and
// requests a proof for every cleared transaction whose block height it
// now covers.
func (w *Wallet) checkUnverified(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	height, err := w.indexer.BestHeight(ctx)
	if err != nil {
		return err
	}
	w.SetLocalHeight(height)

	unverified, err := w.store.UnverifiedTransactions(ctx, height)
	if err != nil {
		return err
	}
	for _, tx := range unverified {
		proof, err := w.indexer.RequestProof(ctx, tx.Hash,
			tx.BlockHeight)
		if err != nil {
			log.Warnf("No proof for %v at height %d yet: %v",
				tx.Hash, tx.BlockHeight, err)
			continue
		}
		future, err := w.AddTransactionProof(ctx, tx.Hash, proof)
		if err != nil {
			log.Errorf("Rejected proof for %v: %v", tx.Hash, err)
			continue
		}
		if _, err := future.Wait(0); err != nil {
			return err
		}
	}
	return nil
}
