// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wscript"
)

// ImportTxParams describes one transaction to import.
type ImportTxParams struct {
	Tx *wire.MsgTx

	// Flags carries the initial lifecycle state, one of the
	// TxMaskState bits.
	Flags TxFlags

	// Block placement as announced by the indexer, when known.  Height
	// uses the sentinels for mempool and local transactions.
	BlockHash     fn.Option[chainhash.Hash]
	BlockHeight   int32
	BlockPosition fn.Option[uint32]
	Fee           fn.Option[int64]
}

// ImportResult reports what an import linked.
type ImportResult struct {
	TxHash chainhash.Hash

	// Flags is the committed flag set, including TxFlagConflicting
	// when the import lost a spend slot to an earlier transaction.
	Flags TxFlags

	// Accounts are the accounts the transaction was linked to, by
	// owned outputs or spent owned outputs.
	Accounts []wkeymgr.AccountID
}

// ImportTransaction queues a transaction import.  The write inserts the
// transaction with its inputs and outputs, links output ownership by
// script hash, reconciles spend back-references in both directions, and
// records account associations, all in one SQL transaction.
//
// Importing a hash that is already present fails with
// ErrTxAlreadyExists unless the existing row is removed, in which case
// the row is revived and relinked.
func (s *Store) ImportTransaction(ctx context.Context,
	params ImportTxParams) *Future[ImportResult] {

	return submit(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) (ImportResult, error) {

		return s.importTx(ctx, dbtx, params)
	})
}

func (s *Store) importTx(ctx context.Context, dbtx *sql.Tx,
	params ImportTxParams) (ImportResult, error) {

	var result ImportResult
	if params.Tx == nil {
		return result, storeError(ErrMalformedTx,
			"import requires a transaction", nil)
	}
	state := params.Flags.State()
	if state == 0 || state&(state-1) != 0 || params.Flags.IsRemoved() {
		return result, storeError(ErrMalformedTx, fmt.Sprintf(
			"import requires a single live initial state, got %v",
			params.Flags), nil)
	}

	txHash := params.Tx.TxHash()
	result.TxHash = txHash

	existing, exists, err := readTxFlags(ctx, dbtx, &txHash)
	if err != nil {
		return result, err
	}
	revive := false
	if exists {
		if !existing.IsRemoved() {
			return result, storeError(ErrTxAlreadyExists,
				fmt.Sprintf("transaction %v already exists",
					txHash), nil)
		}
		revive = true
	}

	flags := params.Flags
	timestamp := now()
	blockHash := optionalHash(params.BlockHash)
	blockPosition := optionalUint32(params.BlockPosition)
	fee := optionalInt64(params.Fee)

	if revive {
		// The row and its inputs/outputs survived the soft delete;
		// refresh the metadata and relink below.
		_, err = dbtx.ExecContext(ctx, `
			UPDATE transactions
			SET flags = $1, block_hash = $2, block_height = $3,
				block_position = $4, fee_value = $5,
				date_updated = $6
			WHERE tx_hash = $7`,
			int64(flags), blockHash, params.BlockHeight,
			blockPosition, fee, timestamp, txHash[:])
		if err != nil {
			return result, storeError(ErrDatabase,
				"failed to revive transaction", err)
		}
	} else {
		var raw bytes.Buffer
		if err := params.Tx.Serialize(&raw); err != nil {
			return result, storeError(ErrMalformedTx,
				"failed to serialize transaction", err)
		}
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO transactions (tx_hash, tx_data, flags,
				block_hash, block_height, block_position,
				fee_value, date_created, date_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			txHash[:], raw.Bytes(), int64(flags), blockHash,
			params.BlockHeight, blockPosition, fee, timestamp)
		if err != nil {
			return result, storeError(ErrDatabase,
				"failed to insert transaction", err)
		}
		if err := s.insertInputs(ctx, dbtx, &txHash,
			params.Tx); err != nil {

			return result, err
		}
		if err := s.insertOutputs(ctx, dbtx, &txHash,
			params.Tx); err != nil {

			return result, err
		}
	}

	conflicting, err := s.linkParentSpends(ctx, dbtx, &txHash, params.Tx)
	if err != nil {
		return result, err
	}
	children, err := s.linkChildSpends(ctx, dbtx, &txHash)
	if err != nil {
		return result, err
	}
	accounts, err := s.linkAccounts(ctx, dbtx, &txHash)
	if err != nil {
		return result, err
	}

	// A child that spent an output of this transaction before it
	// existed could not know its accounts at its own import time.
	for _, child := range children {
		var childHash chainhash.Hash
		copy(childHash[:], child)
		if _, err := s.linkAccounts(ctx, dbtx, &childHash); err != nil {
			return result, err
		}
	}

	if conflicting {
		flags |= TxFlagConflicting
		_, err = dbtx.ExecContext(ctx, `
			UPDATE transactions SET flags = $1, date_updated = $2
			WHERE tx_hash = $3`,
			int64(flags), timestamp, txHash[:])
		if err != nil {
			return result, storeError(ErrDatabase,
				"failed to flag conflicting transaction", err)
		}
		log.Warnf("Transaction %v conflicts with an existing spend",
			txHash)
	}

	log.Debugf("Imported transaction %v (state %v, %d accounts)",
		txHash, flags.State(), len(accounts))

	result.Flags = flags
	result.Accounts = accounts
	return result, nil
}

// isCoinbase reports whether the transaction's single input is the
// coinbase sentinel outpoint.
func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prevOut := &tx.TxIn[0].PreviousOutPoint
	return prevOut.Index == wire.MaxPrevOutIndex &&
		prevOut.Hash == (chainhash.Hash{})
}

// insertInputs records the transaction's outpoint references.  Coinbase
// inputs reference nothing and are not stored.
func (s *Store) insertInputs(ctx context.Context, dbtx *sql.Tx,
	txHash *chainhash.Hash, tx *wire.MsgTx) error {

	if isCoinbase(tx) {
		return nil
	}
	for i, txIn := range tx.TxIn {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO transaction_inputs (tx_hash, txi_index,
				spent_tx_hash, spent_txo_index)
			VALUES ($1, $2, $3, $4)`,
			txHash[:], i, txIn.PreviousOutPoint.Hash[:],
			txIn.PreviousOutPoint.Index)
		if err != nil {
			return storeError(ErrDatabase,
				"failed to insert transaction input", err)
		}
	}
	return nil
}

// insertOutputs records the transaction's outputs, resolving ownership
// by matching each output script's hash against the registered key
// instance scripts.  Matched keys are flagged used.
func (s *Store) insertOutputs(ctx context.Context, dbtx *sql.Tx,
	txHash *chainhash.Hash, tx *wire.MsgTx) error {

	var txoFlags TXOFlags
	if isCoinbase(tx) {
		txoFlags |= TXOFlagCoinbase
	}

	for i, txOut := range tx.TxOut {
		scriptHash := wscript.ScriptHash(txOut.PkScript)

		var (
			keyInstance sql.NullInt64
			scriptType  int64
		)
		err := dbtx.QueryRowContext(ctx, `
			SELECT keyinstance_id, script_type
			FROM keyinstance_scripts
			WHERE script_hash = $1
			ORDER BY keyinstance_id
			LIMIT 1`, scriptHash).Scan(&keyInstance, &scriptType)
		if err != nil && err != sql.ErrNoRows {
			return storeError(ErrDatabase,
				"failed to match output script", err)
		}

		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO transaction_outputs (tx_hash, txo_index,
				value, keyinstance_id, script_type,
				script_hash, flags)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			txHash[:], i, txOut.Value, keyInstance, scriptType,
			scriptHash, int64(txoFlags))
		if err != nil {
			return storeError(ErrDatabase,
				"failed to insert transaction output", err)
		}

		if keyInstance.Valid {
			_, err = dbtx.ExecContext(ctx, `
				UPDATE keyinstances SET flags = $1
				WHERE keyinstance_id = $2
					AND (flags & $3) = 0`,
				int64(wkeymgr.KeyFlagActive|
					wkeymgr.KeyFlagUsed),
				keyInstance.Int64,
				int64(wkeymgr.KeyFlagUsed))
			if err != nil {
				return storeError(ErrDatabase,
					"failed to flag key used", err)
			}
		}
	}
	return nil
}

// linkParentSpends sets the spend back-reference on every previously
// stored output this transaction consumes.  A slot already owned by a
// different live transaction is left untouched and reported as a
// conflict.
func (s *Store) linkParentSpends(ctx context.Context, dbtx *sql.Tx,
	txHash *chainhash.Hash, tx *wire.MsgTx) (bool, error) {

	if isCoinbase(tx) {
		return false, nil
	}

	conflicting := false
	for i, txIn := range tx.TxIn {
		prevOut := &txIn.PreviousOutPoint

		var spender []byte
		err := dbtx.QueryRowContext(ctx, `
			SELECT spending_tx_hash
			FROM transaction_outputs
			WHERE tx_hash = $1 AND txo_index = $2`,
			prevOut.Hash[:], prevOut.Index).Scan(&spender)
		if err == sql.ErrNoRows {
			// Parent unknown to the wallet.
			continue
		}
		if err != nil {
			return false, storeError(ErrDatabase,
				"failed to read spend back-reference", err)
		}

		if spender != nil {
			if !bytes.Equal(spender, txHash[:]) {
				conflicting = true
			}
			continue
		}

		_, err = dbtx.ExecContext(ctx, `
			UPDATE transaction_outputs
			SET spending_tx_hash = $1, spending_txi_index = $2,
				flags = flags | $3
			WHERE tx_hash = $4 AND txo_index = $5`,
			txHash[:], i, int64(TXOFlagSpent), prevOut.Hash[:],
			prevOut.Index)
		if err != nil {
			return false, storeError(ErrDatabase,
				"failed to set spend back-reference", err)
		}
	}
	return conflicting, nil
}

// linkChildSpends reconciles spends of this transaction's outputs by
// children that were imported before it existed.  The first child takes
// the slot; any further claimant is flagged conflicting.  The winning
// child hashes are returned so the caller can complete their account
// links.
func (s *Store) linkChildSpends(ctx context.Context, dbtx *sql.Tx,
	txHash *chainhash.Hash) ([][]byte, error) {

	rows, err := dbtx.QueryContext(ctx, `
		SELECT ti.spent_txo_index, ti.tx_hash, ti.txi_index
		FROM transaction_inputs ti
		JOIN transactions t ON t.tx_hash = ti.tx_hash
		WHERE ti.spent_tx_hash = $1 AND (t.flags & $2) != $3
		ORDER BY ti.spent_txo_index, t.date_created, ti.tx_hash`,
		txHash[:], int64(TxMaskState), int64(TxStateRemoved))
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read child spends", err)
	}

	type childSpend struct {
		outputIndex uint32
		childHash   []byte
		inputIndex  uint32
	}
	var spends []childSpend
	for rows.Next() {
		var spend childSpend
		err := rows.Scan(&spend.outputIndex, &spend.childHash,
			&spend.inputIndex)
		if err != nil {
			rows.Close()
			return nil, storeError(ErrDatabase,
				"failed to scan child spend", err)
		}
		spends = append(spends, spend)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storeError(ErrDatabase,
			"failed to read child spends", err)
	}
	rows.Close()

	taken := make(map[uint32][]byte)
	var winners [][]byte
	for _, spend := range spends {
		if winner, ok := taken[spend.outputIndex]; ok {
			if bytes.Equal(winner, spend.childHash) {
				continue
			}
			// A second child claims the same output.  It could
			// not conflict at its own import because this
			// transaction did not exist yet.
			err := flagConflicting(ctx, dbtx, spend.childHash)
			if err != nil {
				return nil, err
			}
			continue
		}

		_, err := dbtx.ExecContext(ctx, `
			UPDATE transaction_outputs
			SET spending_tx_hash = $1, spending_txi_index = $2,
				flags = flags | $3
			WHERE tx_hash = $4 AND txo_index = $5
				AND spending_tx_hash IS NULL`,
			spend.childHash, spend.inputIndex,
			int64(TXOFlagSpent), txHash[:], spend.outputIndex)
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to set spend back-reference", err)
		}
		taken[spend.outputIndex] = spend.childHash
		winners = append(winners, spend.childHash)
	}
	return winners, nil
}

func flagConflicting(ctx context.Context, dbtx *sql.Tx,
	txHash []byte) error {

	_, err := dbtx.ExecContext(ctx, `
		UPDATE transactions
		SET flags = flags | $1, date_updated = $2
		WHERE tx_hash = $3`,
		int64(TxFlagConflicting), now(), txHash)
	if err != nil {
		return storeError(ErrDatabase,
			"failed to flag conflicting transaction", err)
	}
	return nil
}

// linkAccounts records which accounts the transaction touches: accounts
// owning any of its outputs and accounts owning outputs it spends.
func (s *Store) linkAccounts(ctx context.Context, dbtx *sql.Tx,
	txHash *chainhash.Hash) ([]wkeymgr.AccountID, error) {

	rows, err := dbtx.QueryContext(ctx, `
		SELECT DISTINCT ki.account_id
		FROM transaction_outputs o
		JOIN keyinstances ki ON ki.keyinstance_id = o.keyinstance_id
		WHERE o.tx_hash = $1 OR o.spending_tx_hash = $1
		ORDER BY ki.account_id`, txHash[:])
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read touched accounts", err)
	}
	defer rows.Close()

	var accounts []wkeymgr.AccountID
	for rows.Next() {
		var accountID int64
		if err := rows.Scan(&accountID); err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan touched account", err)
		}
		accounts = append(accounts, wkeymgr.AccountID(accountID))
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read touched accounts", err)
	}

	for _, accountID := range accounts {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO account_transactions (account_id, tx_hash)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			int64(accountID), txHash[:])
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to link account transaction", err)
		}
	}
	return accounts, nil
}

// RemoveTransaction queues a soft delete.  The write fails with
// ErrTxRemoval when any live transaction spends one of the target's
// outputs.  On success the transaction is flagged removed, its account
// links are deleted, and the spend back-references it held on parent
// outputs are cleared.  Output ownership is retained so a later
// re-import relinks identically.
func (s *Store) RemoveTransaction(ctx context.Context,
	txHash chainhash.Hash) *Future[struct{}] {

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
				"transaction %v is already removed", txHash),
				nil)
		}

		var spenders int
		err = dbtx.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM transaction_outputs o
			JOIN transactions t
				ON t.tx_hash = o.spending_tx_hash
			WHERE o.tx_hash = $1
				AND o.spending_tx_hash IS NOT NULL
				AND (t.flags & $2) != $3`,
			txHash[:], int64(TxMaskState),
			int64(TxStateRemoved)).Scan(&spenders)
		if err != nil {
			return none, storeError(ErrDatabase,
				"failed to check for spending transactions",
				err)
		}
		if spenders > 0 {
			return none, storeError(ErrTxRemoval, fmt.Sprintf(
				"%d live transactions spend outputs of %v",
				spenders, txHash), nil)
		}

		timestamp := now()
		newFlags := flags.WithState(TxStateRemoved)
		_, err = dbtx.ExecContext(ctx, `
			UPDATE transactions
			SET flags = $1, date_updated = $2
			WHERE tx_hash = $3`,
			int64(newFlags), timestamp, txHash[:])
		if err != nil {
			return none, storeError(ErrDatabase,
				"failed to flag transaction removed", err)
		}

		_, err = dbtx.ExecContext(ctx, `
			DELETE FROM account_transactions
			WHERE tx_hash = $1`, txHash[:])
		if err != nil {
			return none, storeError(ErrDatabase,
				"failed to unlink account transactions", err)
		}

		_, err = dbtx.ExecContext(ctx, `
			UPDATE transaction_outputs
			SET spending_tx_hash = NULL,
				spending_txi_index = NULL,
				flags = flags & $1
			WHERE spending_tx_hash = $2`,
			int64(^TXOFlagSpent), txHash[:])
		if err != nil {
			return none, storeError(ErrDatabase,
				"failed to clear spend back-references", err)
		}

		log.Debugf("Removed transaction %v", txHash)
		return none, nil
	})
}

// readTxFlags reads a transaction's flags inside the writer transaction.
func readTxFlags(ctx context.Context, dbtx *sql.Tx,
	txHash *chainhash.Hash) (TxFlags, bool, error) {

	var flags int64
	err := dbtx.QueryRowContext(ctx, `
		SELECT flags FROM transactions WHERE tx_hash = $1`,
		txHash[:]).Scan(&flags)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeError(ErrDatabase,
			"failed to read transaction flags", err)
	}
	return TxFlags(flags), true, nil
}

func optionalHash(opt fn.Option[chainhash.Hash]) interface{} {
	if opt.IsNone() {
		return nil
	}
	hash := opt.UnwrapOr(chainhash.Hash{})
	return hash[:]
}

func optionalUint32(opt fn.Option[uint32]) interface{} {
	if opt.IsNone() {
		return nil
	}
	return int64(opt.UnwrapOr(0))
}

func optionalInt64(opt fn.Option[int64]) interface{} {
	if opt.IsNone() {
		return nil
	}
	return opt.UnwrapOr(0)
}
