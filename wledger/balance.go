// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"context"
	"database/sql"

	"github.com/opensv/openwallet/wkeymgr"
)

// balanceQuery selects the value, funding state, coinbase flag, and
// funding height of every owned unspent output, optionally filtered by
// account.  Removed transactions and outputs with live spend
// back-references never contribute.
const balanceQuery = `
	SELECT o.value, t.flags, o.flags, t.block_height
	FROM transaction_outputs o
	JOIN keyinstances ki ON ki.keyinstance_id = o.keyinstance_id
	JOIN transactions t ON t.tx_hash = o.tx_hash
	WHERE o.spending_tx_hash IS NULL AND (t.flags & $1) != $2`

// AccountBalance computes the account's bucketed balance at the passed
// local chain height.  Balances are always recomputed from the output
// rows, never cached.
func (s *Store) AccountBalance(ctx context.Context,
	accountID wkeymgr.AccountID, localHeight int32) (Balance, error) {

	rows, err := s.db.QueryContext(ctx,
		balanceQuery+" AND ki.account_id = $3",
		int64(TxMaskState), int64(TxStateRemoved), int64(accountID))
	if err != nil {
		return Balance{}, storeError(ErrDatabase,
			"failed to read account balance", err)
	}
	return s.bucketBalance(rows, localHeight)
}

// WalletBalance computes the bucketed balance over every account.
func (s *Store) WalletBalance(ctx context.Context, localHeight int32) (
	Balance, error) {

	rows, err := s.db.QueryContext(ctx, balanceQuery,
		int64(TxMaskState), int64(TxStateRemoved))
	if err != nil {
		return Balance{}, storeError(ErrDatabase,
			"failed to read wallet balance", err)
	}
	return s.bucketBalance(rows, localHeight)
}

// bucketBalance folds the selected output rows into balance buckets:
// settled and mature to Confirmed, settled but immature coinbase to
// Unmatured, cleared to Unconfirmed, local states to Allocated.
func (s *Store) bucketBalance(rows *sql.Rows, localHeight int32) (
	Balance, error) {

	defer rows.Close()

	maturity := int32(s.params.CoinbaseMaturity)

	var balance Balance
	for rows.Next() {
		var (
			value       int64
			txFlags     int64
			outputFlags int64
			height      int32
		)
		err := rows.Scan(&value, &txFlags, &outputFlags, &height)
		if err != nil {
			return Balance{}, storeError(ErrDatabase,
				"failed to scan balance row", err)
		}

		flags := TxFlags(txFlags)
		coinbase := TXOFlags(outputFlags)&TXOFlagCoinbase != 0
		switch {
		case flags.State() == TxStateSettled:
			if coinbase &&
				height+maturity > localHeight+1 {

				balance.Unmatured += value
			} else {
				balance.Confirmed += value
			}

		case flags.State() == TxStateCleared:
			balance.Unconfirmed += value

		case flags.IsLocal():
			balance.Allocated += value
		}
	}
	if err := rows.Err(); err != nil {
		return Balance{}, storeError(ErrDatabase,
			"failed to read balance rows", err)
	}
	return balance, nil
}
