// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the interfaces the wallet core consumes from its
// external collaborators: the remote indexing service which feeds it new
// transactions and confirmation proofs, and hardware signing devices.
// The core never talks to a concrete transport; drivers implement these
// interfaces elsewhere.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrDeviceUnavailable is returned when a signing-device operation fails
// because the device is missing, locked, or mid-session.
var ErrDeviceUnavailable = errors.New("signing device unavailable")

// Indexer is the subscription surface of a remote chain-indexing service.
// The wallet registers the script hashes it cares about and receives
// push notifications for transactions and proofs through Notifications.
type Indexer interface {
	Start() error
	Stop()
	WaitForShutdown()

	// BestHeight returns the indexer's current chain tip height.
	BestHeight(ctx context.Context) (int32, error)

	// SubscribeScriptHashes registers script hashes for push
	// notifications of transactions paying to or spending from them.
	SubscribeScriptHashes(ctx context.Context, scriptHashes [][]byte) error

	// RequestTransaction asks the indexer for the raw bytes of a
	// transaction that was announced by hash only.
	RequestTransaction(ctx context.Context, txHash chainhash.Hash) (
		[]byte, error)

	// RequestProof asks the indexer for the merkle proof of a
	// transaction believed to be mined at the given height.
	RequestProof(ctx context.Context, txHash chainhash.Hash,
		height int32) (*TxProof, error)

	// Notifications returns the channel the driver delivers
	// notification types on.
	Notifications() <-chan interface{}
}

// Notification types delivered over the Indexer's channel.
type (
	// TransactionAnnouncement notifies that the indexer saw a
	// transaction touching a subscribed script hash.  Raw may be nil
	// when only the hash was pushed; the wallet then fetches the body
	// with RequestTransaction.
	TransactionAnnouncement struct {
		TxHash      chainhash.Hash
		Raw         []byte
		BlockHash   *chainhash.Hash
		BlockHeight int32
		FeeValue    int64
	}

	// ProofAnnouncement notifies that a subscribed transaction was
	// mined and a merkle proof is available.
	ProofAnnouncement struct {
		TxHash chainhash.Hash
		Proof  TxProof
	}

	// ReorgAnnouncement notifies that the chain was reorganized from
	// the given height.  The wallet reverts confirmation state for all
	// transactions at or above it.
	ReorgAnnouncement struct {
		Height int32
	}
)

// TxProof carries the block placement evidence for one mined
// transaction.
type TxProof struct {
	BlockHash   chainhash.Hash
	Height      int32
	Position    uint32
	Header      wire.BlockHeader
	MerkleNodes [][]byte
}

// Signer abstracts a hardware signing device.  The core only ever asks a
// device to produce signatures for derivation paths and to reveal master
// public keys; all session and transport handling lives in the device
// plugin.  Failures surface as errors wrapping ErrDeviceUnavailable.
type Signer interface {
	// MasterPublicKey returns the serialized extended public key at
	// the given derivation path.
	MasterPublicKey(ctx context.Context, path []uint32) (string, error)

	// SignHashes produces DER signatures for the passed sighash
	// preimages, one per path entry.
	SignHashes(ctx context.Context, paths [][]uint32,
		sigHashes [][]byte) ([][]byte, error)
}
