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

	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wscript"
)

// TransactionFlags reads the flag set of one transaction.
func (s *Store) TransactionFlags(ctx context.Context,
	txHash chainhash.Hash) (TxFlags, error) {

	var flags int64
	err := s.db.QueryRowContext(ctx, `
		SELECT flags FROM transactions WHERE tx_hash = $1`,
		txHash[:]).Scan(&flags)
	if err == sql.ErrNoRows {
		return 0, storeError(ErrTxNotFound, fmt.Sprintf(
			"transaction %v does not exist", txHash), nil)
	}
	if err != nil {
		return 0, storeError(ErrDatabase,
			"failed to read transaction flags", err)
	}
	return TxFlags(flags), nil
}

// GetTransaction reads one full transaction record.
func (s *Store) GetTransaction(ctx context.Context,
	txHash chainhash.Hash) (*TxRecord, error) {

	var (
		record        TxRecord
		flags         int64
		blockHash     []byte
		blockPosition sql.NullInt64
		fee           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_data, flags, block_hash, block_height,
			block_position, fee_value
		FROM transactions WHERE tx_hash = $1`, txHash[:]).Scan(
		&record.Raw, &flags, &blockHash, &record.BlockHeight,
		&blockPosition, &fee)
	if err == sql.ErrNoRows {
		return nil, storeError(ErrTxNotFound, fmt.Sprintf(
			"transaction %v does not exist", txHash), nil)
	}
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read transaction", err)
	}

	record.Hash = txHash
	record.Flags = TxFlags(flags)
	if blockHash != nil {
		var hash chainhash.Hash
		copy(hash[:], blockHash)
		record.BlockHash = fn.Some(hash)
	}
	if blockPosition.Valid {
		record.BlockPosition = fn.Some(uint32(blockPosition.Int64))
	}
	if fee.Valid {
		record.Fee = fn.Some(fee.Int64)
	}
	return &record, nil
}

// TransactionMetadata reads the block placement projection of one
// transaction.
func (s *Store) TransactionMetadata(ctx context.Context,
	txHash chainhash.Hash) (*TxMetadata, error) {

	var (
		meta          TxMetadata
		blockPosition sql.NullInt64
		fee           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT block_height, block_position, fee_value
		FROM transactions WHERE tx_hash = $1`, txHash[:]).Scan(
		&meta.BlockHeight, &blockPosition, &fee)
	if err == sql.ErrNoRows {
		return nil, storeError(ErrTxNotFound, fmt.Sprintf(
			"transaction %v does not exist", txHash), nil)
	}
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read transaction metadata", err)
	}
	if blockPosition.Valid {
		meta.BlockPosition = fn.Some(uint32(blockPosition.Int64))
	}
	if fee.Valid {
		meta.Fee = fn.Some(fee.Int64)
	}
	return &meta, nil
}

// TransactionDeltas reads the net value movement of one transaction per
// account: owned value received by its outputs minus owned value it
// spends.
func (s *Store) TransactionDeltas(ctx context.Context,
	txHash chainhash.Hash) ([]AccountDelta, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT ki.account_id,
			SUM(CASE WHEN o.tx_hash = $1 THEN o.value
				ELSE -o.value END)
		FROM transaction_outputs o
		JOIN keyinstances ki ON ki.keyinstance_id = o.keyinstance_id
		WHERE o.tx_hash = $1 OR o.spending_tx_hash = $1
		GROUP BY ki.account_id
		ORDER BY ki.account_id`, txHash[:])
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read transaction deltas", err)
	}
	defer rows.Close()

	var deltas []AccountDelta
	for rows.Next() {
		var (
			accountID int64
			value     int64
		)
		if err := rows.Scan(&accountID, &value); err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan transaction delta", err)
		}
		deltas = append(deltas, AccountDelta{
			AccountID: wkeymgr.AccountID(accountID),
			Value:     value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read transaction deltas", err)
	}
	return deltas, nil
}

// TransactionOutputsFull reads every output row of one transaction.
func (s *Store) TransactionOutputsFull(ctx context.Context,
	txHash chainhash.Hash) ([]TXO, error) {

	return s.queryOutputs(ctx, `
		SELECT tx_hash, txo_index, value, keyinstance_id,
			script_type, script_hash, flags, spending_tx_hash,
			spending_txi_index
		FROM transaction_outputs
		WHERE tx_hash = $1
		ORDER BY txo_index`, txHash[:])
}

// TransactionOutputsExplicit reads the addressed output rows.
func (s *Store) TransactionOutputsExplicit(ctx context.Context,
	txHash chainhash.Hash, indexes []uint32) ([]TXO, error) {

	result := make([]TXO, 0, len(indexes))
	for _, index := range indexes {
		outputs, err := s.queryOutputs(ctx, `
			SELECT tx_hash, txo_index, value, keyinstance_id,
				script_type, script_hash, flags,
				spending_tx_hash, spending_txi_index
			FROM transaction_outputs
			WHERE tx_hash = $1 AND txo_index = $2`,
			txHash[:], int64(index))
		if err != nil {
			return nil, err
		}
		if len(outputs) == 0 {
			return nil, storeError(ErrTxNotFound, fmt.Sprintf(
				"output %v:%d does not exist", txHash,
				index), nil)
		}
		result = append(result, outputs[0])
	}
	return result, nil
}

func (s *Store) queryOutputs(ctx context.Context, query string,
	args ...interface{}) ([]TXO, error) {

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read transaction outputs", err)
	}
	defer rows.Close()

	var result []TXO
	for rows.Next() {
		var (
			txo           TXO
			rawHash       []byte
			keyInstance   sql.NullInt64
			scriptType    int64
			flags         int64
			spendingHash  []byte
			spendingIndex sql.NullInt64
		)
		err := rows.Scan(&rawHash, &txo.Index, &txo.Value,
			&keyInstance, &scriptType, &txo.ScriptHash, &flags,
			&spendingHash, &spendingIndex)
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan transaction output", err)
		}
		copy(txo.TxHash[:], rawHash)
		if keyInstance.Valid {
			txo.KeyInstanceID =
				wkeymgr.KeyInstanceID(keyInstance.Int64)
		}
		txo.ScriptType = wscript.ScriptType(scriptType)
		txo.Flags = TXOFlags(flags)
		if spendingHash != nil {
			var hash chainhash.Hash
			copy(hash[:], spendingHash)
			txo.SpendingTxHash = fn.Some(hash)
		}
		if spendingIndex.Valid {
			txo.SpendingTxiIndex =
				fn.Some(uint32(spendingIndex.Int64))
		}
		result = append(result, txo)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read transaction outputs", err)
	}
	return result, nil
}

// TransactionHashes reads the hashes of the account's linked
// transactions, excluding removed ones.
func (s *Store) TransactionHashes(ctx context.Context,
	accountID wkeymgr.AccountID) ([]chainhash.Hash, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT at.tx_hash
		FROM account_transactions at
		JOIN transactions t ON t.tx_hash = at.tx_hash
		WHERE at.account_id = $1 AND (t.flags & $2) != $3
		ORDER BY t.date_created, at.tx_hash`,
		int64(accountID), int64(TxMaskState),
		int64(TxStateRemoved))
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read account transactions", err)
	}
	defer rows.Close()

	var hashes []chainhash.Hash
	for rows.Next() {
		var rawHash []byte
		if err := rows.Scan(&rawHash); err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan account transaction", err)
		}
		var hash chainhash.Hash
		copy(hash[:], rawHash)
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read account transactions", err)
	}
	return hashes, nil
}

// KeysForTransactionSubscriptions reads the key usage rows of the
// account's live, unsettled transactions, optionally narrowed to a
// single transaction.  Output rows report where the wallet receives
// value; input rows report where it spends value.  A settled
// transaction needs no subscription, and a reorg that unsettles it
// makes its keys reappear here.
func (s *Store) KeysForTransactionSubscriptions(ctx context.Context,
	accountID wkeymgr.AccountID,
	txHash fn.Option[chainhash.Hash]) ([]KeySubscriptionRow, error) {

	query := `
		SELECT o.tx_hash,
			CASE WHEN o.tx_hash = t.tx_hash THEN $1 ELSE $2 END,
			o.keyinstance_id, o.script_hash, t.tx_hash
		FROM transaction_outputs o
		JOIN keyinstances ki ON ki.keyinstance_id = o.keyinstance_id
		JOIN transactions t ON t.tx_hash = o.tx_hash
			OR t.tx_hash = o.spending_tx_hash
		WHERE ki.account_id = $3
			AND (t.flags & $4) NOT IN ($5, $6)`
	args := []interface{}{
		int64(SubscriptionPutOutput), int64(SubscriptionPutInput),
		int64(accountID), int64(TxMaskState),
		int64(TxStateSettled), int64(TxStateRemoved),
	}
	txHash.WhenSome(func(hash chainhash.Hash) {
		query += `
			AND t.tx_hash = $7`
		args = append(args, hash[:])
	})
	query += `
		ORDER BY t.tx_hash, o.txo_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read subscription keys", err)
	}
	defer rows.Close()

	var result []KeySubscriptionRow
	for rows.Next() {
		var (
			row         KeySubscriptionRow
			outputHash  []byte
			putType     int64
			keyInstance int64
			liveHash    []byte
		)
		err := rows.Scan(&outputHash, &putType, &keyInstance,
			&row.ScriptHash, &liveHash)
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan subscription key", err)
		}
		row.PutType = uint8(putType)
		row.KeyInstanceID = wkeymgr.KeyInstanceID(keyInstance)
		copy(row.TxHash[:], liveHash)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read subscription keys", err)
	}
	return result, nil
}
