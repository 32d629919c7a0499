// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wscript"
)

// AccountRow is the stored form of one account.
type AccountRow struct {
	AccountID wkeymgr.AccountID

	// DefaultMasterKeyID is 0 for accounts without a deterministic
	// master key, such as imported-address accounts.
	DefaultMasterKeyID wkeymgr.MasterKeyID

	DefaultScriptType wscript.ScriptType
	Name              string
}

// CreateMasterKey persists a new master key row and returns it with its
// assigned id.
func (s *Store) CreateMasterKey(ctx context.Context,
	parentID wkeymgr.MasterKeyID, derivationType wkeymgr.DerivationType,
	derivationData []byte) (wkeymgr.MasterKeyRow, error) {

	return runWrite(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) (wkeymgr.MasterKeyRow, error) {

		var row wkeymgr.MasterKeyRow
		id, err := nextRowID(ctx, dbtx, "masterkeys", "masterkey_id")
		if err != nil {
			return row, err
		}
		timestamp := now()
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO masterkeys (masterkey_id,
				parent_masterkey_id, derivation_type,
				derivation_data, flags, date_created,
				date_updated)
			VALUES ($1, $2, $3, $4, 0, $5, $5)`,
			id, int64(parentID), int64(derivationType),
			derivationData, timestamp)
		if err != nil {
			return row, storeError(ErrDatabase,
				"failed to insert master key", err)
		}
		row = wkeymgr.MasterKeyRow{
			MasterKeyID:    wkeymgr.MasterKeyID(id),
			ParentID:       parentID,
			DerivationType: derivationType,
			DerivationData: derivationData,
		}
		return row, nil
	})
}

// MasterKeys reads all master key rows.
func (s *Store) MasterKeys(ctx context.Context) ([]wkeymgr.MasterKeyRow,
	error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT masterkey_id, parent_masterkey_id, derivation_type,
			derivation_data
		FROM masterkeys
		ORDER BY masterkey_id`)
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read master keys", err)
	}
	defer rows.Close()

	var result []wkeymgr.MasterKeyRow
	for rows.Next() {
		var (
			row            wkeymgr.MasterKeyRow
			id, parentID   int64
			derivationType int64
		)
		err := rows.Scan(&id, &parentID, &derivationType,
			&row.DerivationData)
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan master key", err)
		}
		row.MasterKeyID = wkeymgr.MasterKeyID(id)
		row.ParentID = wkeymgr.MasterKeyID(parentID)
		row.DerivationType = wkeymgr.DerivationType(derivationType)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read master keys", err)
	}
	return result, nil
}

// UpdateMasterKeyDatas replaces the derivation data of the passed master
// keys in one SQL transaction.  This is the commit step of a password
// update; either every keystore reseals or none do.
func (s *Store) UpdateMasterKeyDatas(ctx context.Context,
	datas map[wkeymgr.MasterKeyID][]byte) *Future[struct{}] {

	return submit(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) (struct{}, error) {

		timestamp := now()
		for id, data := range datas {
			result, err := dbtx.ExecContext(ctx, `
				UPDATE masterkeys
				SET derivation_data = $1, date_updated = $2
				WHERE masterkey_id = $3`,
				data, timestamp, int64(id))
			if err != nil {
				return struct{}{}, storeError(ErrDatabase,
					"failed to update master key data",
					err)
			}
			affected, err := result.RowsAffected()
			if err == nil && affected == 0 {
				return struct{}{}, storeError(ErrDatabase,
					fmt.Sprintf("master key %d does not "+
						"exist", id), nil)
			}
		}
		return struct{}{}, nil
	})
}

// CreateAccount persists a new account row and returns it with its
// assigned id.
func (s *Store) CreateAccount(ctx context.Context, name string,
	masterKeyID wkeymgr.MasterKeyID,
	scriptType wscript.ScriptType) (AccountRow, error) {

	return runWrite(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) (AccountRow, error) {

		var row AccountRow
		id, err := nextRowID(ctx, dbtx, "accounts", "account_id")
		if err != nil {
			return row, err
		}
		timestamp := now()
		var masterKey sql.NullInt64
		if masterKeyID != 0 {
			masterKey = sql.NullInt64{
				Int64: int64(masterKeyID), Valid: true,
			}
		}
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO accounts (account_id,
				default_masterkey_id, default_script_type,
				account_name, date_created, date_updated)
			VALUES ($1, $2, $3, $4, $5, $5)`,
			id, masterKey, int64(scriptType), name, timestamp)
		if err != nil {
			return row, storeError(ErrDatabase,
				"failed to insert account", err)
		}
		row = AccountRow{
			AccountID:          wkeymgr.AccountID(id),
			DefaultMasterKeyID: masterKeyID,
			DefaultScriptType:  scriptType,
			Name:               name,
		}
		return row, nil
	})
}

// Accounts reads all account rows.
func (s *Store) Accounts(ctx context.Context) ([]AccountRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, default_masterkey_id,
			default_script_type, account_name
		FROM accounts
		ORDER BY account_id`)
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read accounts", err)
	}
	defer rows.Close()

	var result []AccountRow
	for rows.Next() {
		var (
			row        AccountRow
			id         int64
			masterKey  sql.NullInt64
			scriptType int64
		)
		err := rows.Scan(&id, &masterKey, &scriptType, &row.Name)
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan account", err)
		}
		row.AccountID = wkeymgr.AccountID(id)
		if masterKey.Valid {
			row.DefaultMasterKeyID =
				wkeymgr.MasterKeyID(masterKey.Int64)
		}
		row.DefaultScriptType = wscript.ScriptType(scriptType)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read accounts", err)
	}
	return result, nil
}

// MaxDerivationIndex returns the highest final path index among the
// account's key instances under the packed prefix.  Part of the
// wkeymgr.Store interface.
//
// Packed paths are big-endian, so byte order is index order and MAX over
// the packed column is the watermark.
func (s *Store) MaxDerivationIndex(ctx context.Context,
	accountID wkeymgr.AccountID, masterKeyID wkeymgr.MasterKeyID,
	packedPrefix []byte) (uint32, bool, error) {

	var max []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(derivation_data)
		FROM keyinstances
		WHERE account_id = $1 AND masterkey_id = $2
			AND length(derivation_data) = $3
			AND substr(derivation_data, 1, $4) = $5`,
		int64(accountID), int64(masterKeyID),
		len(packedPrefix)+4, len(packedPrefix),
		packedPrefix).Scan(&max)
	if err != nil {
		return 0, false, storeError(ErrDatabase,
			"failed to read derivation watermark", err)
	}
	if max == nil {
		return 0, false, nil
	}
	path, err := wkeymgr.UnpackDerivationPath(max)
	if err != nil {
		return 0, false, err
	}
	return path[len(path)-1], true, nil
}

// CreateKeyInstances inserts key instance rows, assigning their ids, and
// the script rows produced by the callback, all in one write job.  Part
// of the wkeymgr.Store interface.
func (s *Store) CreateKeyInstances(ctx context.Context,
	rows []wkeymgr.KeyInstanceRow,
	scriptRows func(rows []wkeymgr.KeyInstanceRow) (
		[]wkeymgr.KeyScriptRow, error)) ([]wkeymgr.KeyInstanceRow,
	error) {

	return runWrite(s, ctx, func(ctx context.Context,
		dbtx *sql.Tx) ([]wkeymgr.KeyInstanceRow, error) {

		nextID, err := nextRowID(ctx, dbtx, "keyinstances",
			"keyinstance_id")
		if err != nil {
			return nil, err
		}

		inserted := make([]wkeymgr.KeyInstanceRow, len(rows))
		for i, row := range rows {
			row.KeyInstanceID = wkeymgr.KeyInstanceID(nextID)
			nextID++

			var masterKey sql.NullInt64
			if row.MasterKeyID != 0 {
				masterKey = sql.NullInt64{
					Int64: int64(row.MasterKeyID),
					Valid: true,
				}
			}
			_, err := dbtx.ExecContext(ctx, `
				INSERT INTO keyinstances (keyinstance_id,
					account_id, masterkey_id,
					derivation_type, derivation_data,
					description, flags)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				int64(row.KeyInstanceID),
				int64(row.AccountID), masterKey,
				int64(row.DerivationType),
				row.DerivationData, row.Description,
				int64(row.Flags))
			if err != nil {
				return nil, storeError(ErrDatabase,
					"failed to insert key instance", err)
			}
			inserted[i] = row
		}

		scripts, err := scriptRows(inserted)
		if err != nil {
			return nil, err
		}
		for _, script := range scripts {
			_, err := dbtx.ExecContext(ctx, `
				INSERT INTO keyinstance_scripts
					(keyinstance_id, script_type,
					script_hash)
				VALUES ($1, $2, $3)`,
				int64(script.KeyInstanceID),
				int64(script.ScriptType), script.ScriptHash)
			if err != nil {
				return nil, storeError(ErrDatabase,
					"failed to insert key script", err)
			}
		}
		return inserted, nil
	})
}

// KeyInstances reads the account's key instance rows in id order.
func (s *Store) KeyInstances(ctx context.Context,
	accountID wkeymgr.AccountID) ([]wkeymgr.KeyInstanceRow, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT keyinstance_id, account_id, masterkey_id,
			derivation_type, derivation_data, description, flags
		FROM keyinstances
		WHERE account_id = $1
		ORDER BY keyinstance_id`, int64(accountID))
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read key instances", err)
	}
	defer rows.Close()

	var result []wkeymgr.KeyInstanceRow
	for rows.Next() {
		row, err := scanKeyInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read key instances", err)
	}
	return result, nil
}

// KeyInstance reads one key instance row.
func (s *Store) KeyInstance(ctx context.Context,
	id wkeymgr.KeyInstanceID) (wkeymgr.KeyInstanceRow, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT keyinstance_id, account_id, masterkey_id,
			derivation_type, derivation_data, description, flags
		FROM keyinstances
		WHERE keyinstance_id = $1`, int64(id))
	if err != nil {
		return wkeymgr.KeyInstanceRow{}, storeError(ErrDatabase,
			"failed to read key instance", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return wkeymgr.KeyInstanceRow{}, storeError(
				ErrDatabase, "failed to read key instance",
				err)
		}
		return wkeymgr.KeyInstanceRow{}, storeError(ErrTxNotFound,
			fmt.Sprintf("key instance %d does not exist", id),
			nil)
	}
	return scanKeyInstance(rows)
}

func scanKeyInstance(rows *sql.Rows) (wkeymgr.KeyInstanceRow, error) {
	var (
		row            wkeymgr.KeyInstanceRow
		id, accountID  int64
		masterKey      sql.NullInt64
		derivationType int64
		flags          int64
	)
	err := rows.Scan(&id, &accountID, &masterKey, &derivationType,
		&row.DerivationData, &row.Description, &flags)
	if err != nil {
		return row, storeError(ErrDatabase,
			"failed to scan key instance", err)
	}
	row.KeyInstanceID = wkeymgr.KeyInstanceID(id)
	row.AccountID = wkeymgr.AccountID(accountID)
	if masterKey.Valid {
		row.MasterKeyID = wkeymgr.MasterKeyID(masterKey.Int64)
	}
	row.DerivationType = wkeymgr.DerivationType(derivationType)
	row.Flags = wkeymgr.KeyInstanceFlag(flags)
	return row, nil
}

// KeyInstanceScripts reads the script rows of the passed key instance.
func (s *Store) KeyInstanceScripts(ctx context.Context,
	id wkeymgr.KeyInstanceID) ([]wkeymgr.KeyScriptRow, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT keyinstance_id, script_type, script_hash
		FROM keyinstance_scripts
		WHERE keyinstance_id = $1
		ORDER BY script_type`, int64(id))
	if err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read key scripts", err)
	}
	defer rows.Close()

	var result []wkeymgr.KeyScriptRow
	for rows.Next() {
		var (
			row        wkeymgr.KeyScriptRow
			keyID      int64
			scriptType int64
		)
		err := rows.Scan(&keyID, &scriptType, &row.ScriptHash)
		if err != nil {
			return nil, storeError(ErrDatabase,
				"failed to scan key script", err)
		}
		row.KeyInstanceID = wkeymgr.KeyInstanceID(keyID)
		row.ScriptType = uint8(scriptType)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase,
			"failed to read key scripts", err)
	}
	return result, nil
}
