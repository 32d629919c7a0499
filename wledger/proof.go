// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxProofUpdate is the block placement recorded when a merkle proof
// settles a transaction.  Proof validation against the block header
// happens upstream; the store records the outcome.
type TxProofUpdate struct {
	BlockHash     chainhash.Hash
	BlockHeight   int32
	BlockPosition uint32

	// Fee backfills the stored fee when the row has none.
	Fee fn.Option[int64]
}

// AddTransactionProof queues the settlement of a transaction: the state
// moves to settled and the block placement is recorded.  Settling an
// unknown hash fails with ErrTxNotFound; settling a removed transaction
// fails with ErrTxRemoved.
func (s *Store) AddTransactionProof(ctx context.Context,
	txHash chainhash.Hash, update TxProofUpdate) *Future[struct{}] {

	return submit(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) (struct{}, error) {

		var none struct{}
		flags, exists, err := readTxFlags(ctx, dbtx, &txHash)
		if err != nil {
			return none, err
		}
		if !exists {
			return none, storeError(ErrTxNotFound, fmt.Sprintf(
				"transaction %v does not exist", txHash), nil)
		}
		if flags.IsRemoved() {
			return none, storeError(ErrTxRemoved, fmt.Sprintf(
				"cannot settle removed transaction %v",
				txHash), nil)
		}

		newFlags := flags.WithState(TxStateSettled)
		_, err = dbtx.ExecContext(ctx, `
			UPDATE transactions
			SET flags = $1, block_hash = $2, block_height = $3,
				block_position = $4,
				fee_value = COALESCE(fee_value, $5),
				date_updated = $6
			WHERE tx_hash = $7`,
			int64(newFlags), update.BlockHash[:],
			update.BlockHeight, int64(update.BlockPosition),
			optionalInt64(update.Fee), now(), txHash[:])
		if err != nil {
			return none, storeError(ErrDatabase,
				"failed to settle transaction", err)
		}

		log.Debugf("Settled transaction %v at height %d position %d",
			txHash, update.BlockHeight, update.BlockPosition)
		return none, nil
	})
}

// UndoVerifications queues the reorg rollback: every settled transaction
// whose recorded height is at or above the fork height reverts to
// cleared, with its block placement erased back to the mempool sentinel.
// The returned count is the number of reverted transactions; a chain
// with nothing settled at those heights reverts zero rows, making the
// operation idempotent.
func (s *Store) UndoVerifications(ctx context.Context,
	forkHeight int32) *Future[int64] {

	return submit(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) (int64, error) {

		result, err := dbtx.ExecContext(ctx, `
			UPDATE transactions
			SET flags = (flags & $1) | $2, block_hash = NULL,
				block_height = $3, block_position = NULL,
				fee_value = NULL, date_updated = $4
			WHERE (flags & $5) = $6 AND block_height >= $7`,
			int64(^uint32(TxMaskState)), int64(TxStateCleared),
			BlockHeightMempool, now(), int64(TxMaskState),
			int64(TxStateSettled), forkHeight)
		if err != nil {
			return 0, storeError(ErrDatabase,
				"failed to undo verifications", err)
		}
		reverted, err := result.RowsAffected()
		if err != nil {
			return 0, storeError(ErrDatabase,
				"failed to count undone verifications", err)
		}

		if reverted > 0 {
			log.Infof("Reorg at height %d reverted %d "+
				"transactions to cleared", forkHeight,
				reverted)
		}
		return reverted, nil
	})
}

// UnverifiedTransactions reads the cleared transactions with a known
// block placement at or below the local chain tip.  These are the
// transactions whose merkle proofs should be requested again.
func (s *Store) UnverifiedTransactions(ctx context.Context,
	localHeight int32) ([]UnverifiedTx, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, block_height
		FROM transactions
		WHERE (flags & $1) = $2 AND block_height > 0
			AND block_height <= $3
		ORDER BY block_height, tx_hash`,
		int64(TxMaskState), int64(TxStateCleared), localHeight)
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read unverified transactions", err)
	}
	defer rows.Close()

	var result []UnverifiedTx
	for rows.Next() {
		var (
			entry   UnverifiedTx
			rawHash []byte
		)
		if err := rows.Scan(&rawHash, &entry.BlockHeight); err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan unverified transaction", err)
		}
		copy(entry.Hash[:], rawHash)
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read unverified transactions", err)
	}
	return result, nil
}
