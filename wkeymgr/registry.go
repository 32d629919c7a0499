// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Store is the persistence surface the registry allocates against.  It
// is implemented by the wallet ledger store.
type Store interface {
	// MaxDerivationIndex returns the highest final path index among key
	// instances of the account and master key whose packed derivation
	// path starts with packedPrefix.  The boolean reports whether any
	// such instance exists.
	MaxDerivationIndex(ctx context.Context, accountID AccountID,
		masterKeyID MasterKeyID, packedPrefix []byte) (uint32, bool,
		error)

	// CreateKeyInstances inserts the passed rows atomically, assigning
	// their KeyInstanceIDs in order, then inserts the script rows
	// produced by the callback in the same transaction.  The callback
	// sees the rows with their assigned identifiers.
	CreateKeyInstances(ctx context.Context, rows []KeyInstanceRow,
		scriptRows func(rows []KeyInstanceRow) ([]KeyScriptRow,
			error)) ([]KeyInstanceRow, error)
}

// KeyAllocation is one freshly allocated key instance together with its
// derivation path and derived public key.
type KeyAllocation struct {
	Row    KeyInstanceRow
	Path   DerivationPath
	PubKey *btcec.PublicKey
}

// ScriptsForFunc maps an allocation to the script rows the wallet wants
// registered for it.  The set of script types depends on the account
// variant, so the registry leaves it to the caller.
type ScriptsForFunc func(alloc KeyAllocation) ([]KeyScriptRow, error)

// prefixKey identifies one allocation sequence.  Allocations under the
// same key are serialized; different sequences proceed concurrently.
type prefixKey struct {
	accountID   AccountID
	masterKeyID MasterKeyID
	prefix      string
}

// DerivationRegistry hands out key instances at strictly increasing,
// gap-free derivation indices.  The persisted watermark is the maximum
// allocated index per sequence; the registry reads it and extends it
// under a per-sequence mutex so concurrent allocators never collide.
type DerivationRegistry struct {
	store Store

	mu        sync.Mutex
	sequences map[prefixKey]*sync.Mutex
}

// NewDerivationRegistry creates a registry allocating against the passed
// store.
func NewDerivationRegistry(store Store) *DerivationRegistry {
	return &DerivationRegistry{
		store:     store,
		sequences: make(map[prefixKey]*sync.Mutex),
	}
}

// sequenceLock returns the mutex serializing one allocation sequence,
// creating it on first use.
func (r *DerivationRegistry) sequenceLock(key prefixKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.sequences[key]
	if !ok {
		lock = new(sync.Mutex)
		r.sequences[key] = lock
	}
	return lock
}

// AllocateKeys allocates count fresh key instances for the account under
// the derivation prefix, persisting them together with their script rows
// in one store transaction.  Indices continue from the stored watermark
// with no gaps.  Fails with ErrDerivationExhausted when the sequence
// would cross the hardened boundary.
func (r *DerivationRegistry) AllocateKeys(ctx context.Context,
	accountID AccountID, masterKeyID MasterKeyID, keystore Keystore,
	prefix DerivationPath, count int,
	scriptsFor ScriptsForFunc) ([]KeyAllocation, error) {

	if count <= 0 {
		return nil, nil
	}

	packedPrefix := prefix.Pack()
	key := prefixKey{accountID, masterKeyID, string(packedPrefix)}
	lock := r.sequenceLock(key)
	lock.Lock()
	defer lock.Unlock()

	nextIndex := uint32(0)
	watermark, ok, err := r.store.MaxDerivationIndex(ctx, accountID,
		masterKeyID, packedPrefix)
	if err != nil {
		return nil, managerError(ErrDatabase,
			"failed to read derivation watermark", err)
	}
	if ok {
		nextIndex = watermark + 1
	}

	return r.allocate(ctx, accountID, masterKeyID, keystore, prefix,
		nextIndex, count, scriptsFor)
}

// DeriveUntil extends the allocation sequence so that targetIndex is
// covered, returning the newly created key instances.  Sequences already
// covering the target return nil with no store writes, making the
// operation idempotent.  This is how keys observed on chain beyond the
// watermark are brought under management.
func (r *DerivationRegistry) DeriveUntil(ctx context.Context,
	accountID AccountID, masterKeyID MasterKeyID, keystore Keystore,
	prefix DerivationPath, targetIndex uint32,
	scriptsFor ScriptsForFunc) ([]KeyAllocation, error) {

	packedPrefix := prefix.Pack()
	key := prefixKey{accountID, masterKeyID, string(packedPrefix)}
	lock := r.sequenceLock(key)
	lock.Lock()
	defer lock.Unlock()

	nextIndex := uint32(0)
	watermark, ok, err := r.store.MaxDerivationIndex(ctx, accountID,
		masterKeyID, packedPrefix)
	if err != nil {
		return nil, managerError(ErrDatabase,
			"failed to read derivation watermark", err)
	}
	if ok {
		if targetIndex <= watermark {
			return nil, nil
		}
		nextIndex = watermark + 1
	}

	count := int(targetIndex-nextIndex) + 1
	return r.allocate(ctx, accountID, masterKeyID, keystore, prefix,
		nextIndex, count, scriptsFor)
}

// allocate derives and persists count instances starting at nextIndex.
// Callers hold the sequence lock.
func (r *DerivationRegistry) allocate(ctx context.Context,
	accountID AccountID, masterKeyID MasterKeyID, keystore Keystore,
	prefix DerivationPath, nextIndex uint32, count int,
	scriptsFor ScriptsForFunc) ([]KeyAllocation, error) {

	if uint64(nextIndex)+uint64(count) > uint64(HardenedKeyStart) {
		return nil, managerError(ErrDerivationExhausted, fmt.Sprintf(
			"allocating %d keys at index %d crosses the hardened "+
				"boundary", count, nextIndex), nil)
	}

	allocations := make([]KeyAllocation, count)
	rows := make([]KeyInstanceRow, count)
	for i := 0; i < count; i++ {
		path := prefix.Extend(nextIndex + uint32(i))
		pubKey, err := keystore.DerivePublicKey(path)
		if err != nil {
			return nil, err
		}
		rows[i] = KeyInstanceRow{
			AccountID:      accountID,
			MasterKeyID:    masterKeyID,
			DerivationType: DerivationBIP32Subpath,
			DerivationData: path.Pack(),
			Flags:          KeyFlagActive,
		}
		allocations[i] = KeyAllocation{
			Path:   path,
			PubKey: pubKey,
		}
	}

	inserted, err := r.store.CreateKeyInstances(ctx, rows,
		func(rows []KeyInstanceRow) ([]KeyScriptRow, error) {
			var scriptRows []KeyScriptRow
			for i, row := range rows {
				allocations[i].Row = row
				more, err := scriptsFor(allocations[i])
				if err != nil {
					return nil, err
				}
				scriptRows = append(scriptRows, more...)
			}
			return scriptRows, nil
		})
	if err != nil {
		return nil, managerError(ErrDatabase,
			"failed to persist key instances", err)
	}
	for i, row := range inserted {
		allocations[i].Row = row
	}
	return allocations, nil
}
