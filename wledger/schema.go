// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"context"
	"database/sql"
)

// schemaStatements creates the ledger tables.  The dialect is the subset
// shared by SQLite and Postgres; integer primary keys are assigned by
// the store, not by autoincrement, so the same statements run on both.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS masterkeys (
		masterkey_id        BIGINT PRIMARY KEY,
		parent_masterkey_id BIGINT NOT NULL DEFAULT 0,
		derivation_type     SMALLINT NOT NULL,
		derivation_data     BYTEA NOT NULL,
		flags               INTEGER NOT NULL DEFAULT 0,
		date_created        BIGINT NOT NULL,
		date_updated        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id           BIGINT PRIMARY KEY,
		default_masterkey_id BIGINT,
		default_script_type  SMALLINT NOT NULL,
		account_name         TEXT NOT NULL,
		date_created         BIGINT NOT NULL,
		date_updated         BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keyinstances (
		keyinstance_id  BIGINT PRIMARY KEY,
		account_id      BIGINT NOT NULL,
		masterkey_id    BIGINT,
		derivation_type SMALLINT NOT NULL,
		derivation_data BYTEA NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		flags           INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_keyinstances_sequence
		ON keyinstances (account_id, masterkey_id, derivation_data)`,
	`CREATE TABLE IF NOT EXISTS keyinstance_scripts (
		keyinstance_id BIGINT NOT NULL,
		script_type    SMALLINT NOT NULL,
		script_hash    BYTEA NOT NULL,
		PRIMARY KEY (keyinstance_id, script_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_keyinstance_scripts_hash
		ON keyinstance_scripts (script_hash)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		tx_hash        BYTEA PRIMARY KEY,
		tx_data        BYTEA NOT NULL,
		flags          INTEGER NOT NULL,
		block_hash     BYTEA,
		block_height   INTEGER NOT NULL,
		block_position INTEGER,
		fee_value      BIGINT,
		date_created   BIGINT NOT NULL,
		date_updated   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_inputs (
		tx_hash        BYTEA NOT NULL,
		txi_index      INTEGER NOT NULL,
		spent_tx_hash  BYTEA NOT NULL,
		spent_txo_index INTEGER NOT NULL,
		PRIMARY KEY (tx_hash, txi_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transaction_inputs_spent
		ON transaction_inputs (spent_tx_hash, spent_txo_index)`,
	`CREATE TABLE IF NOT EXISTS transaction_outputs (
		tx_hash           BYTEA NOT NULL,
		txo_index         INTEGER NOT NULL,
		value             BIGINT NOT NULL,
		keyinstance_id    BIGINT,
		script_type       SMALLINT NOT NULL,
		script_hash       BYTEA NOT NULL,
		flags             INTEGER NOT NULL DEFAULT 0,
		spending_tx_hash  BYTEA,
		spending_txi_index INTEGER,
		PRIMARY KEY (tx_hash, txo_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transaction_outputs_key
		ON transaction_outputs (keyinstance_id)`,
	`CREATE TABLE IF NOT EXISTS account_transactions (
		account_id BIGINT NOT NULL,
		tx_hash    BYTEA NOT NULL,
		PRIMARY KEY (account_id, tx_hash)
	)`,
}

// createSchema applies the DDL.  Every statement is idempotent so an
// existing database opens cleanly.
func createSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return storeError(ErrDatabase,
				"failed to create ledger schema", err)
		}
	}
	return nil
}
