// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wscript"
)

// TxFlags is the bitmask persisted on every transaction row.  The bits
// under TxMaskState encode the confirmation lifecycle; exactly one state
// bit is set on a stored row.
type TxFlags uint32

const (
	// TxStateSigned marks a locally constructed transaction with a
	// complete set of signatures that has not been given to anyone.
	TxStateSigned TxFlags = 1 << 19

	// TxStateDispatched marks a signed transaction handed directly to
	// a counterparty rather than broadcast.
	TxStateDispatched TxFlags = 1 << 20

	// TxStateReceived marks a transaction given to us directly by a
	// counterparty, pending our own broadcast decision.
	TxStateReceived TxFlags = 1 << 21

	// TxStateCleared marks a transaction observed in the mempool or
	// announced in a block but not yet proven to be mined.
	TxStateCleared TxFlags = 1 << 22

	// TxStateSettled marks a transaction with a verified merkle proof
	// placing it in a block.
	TxStateSettled TxFlags = 1 << 23

	// TxStateRemoved marks a soft-deleted transaction.  The row is
	// kept so the hash cannot be silently re-imported with different
	// linkage, but it is excluded from balances and projections.
	TxStateRemoved TxFlags = 1 << 24

	// TxFlagConflicting marks a transaction whose import observed one
	// of its inputs double-spent by an earlier committed transaction.
	TxFlagConflicting TxFlags = 1 << 14

	// TxMaskState selects the lifecycle state bit.
	TxMaskState = TxStateSigned | TxStateDispatched | TxStateReceived |
		TxStateCleared | TxStateSettled | TxStateRemoved

	// TxMaskStateLocal selects the states of transactions that have
	// never left the wallet.  Their value is the Allocated balance
	// bucket.
	TxMaskStateLocal = TxStateSigned | TxStateDispatched |
		TxStateReceived

	// TxMaskStateBroadcast selects the states of transactions known to
	// the network.
	TxMaskStateBroadcast = TxStateCleared | TxStateSettled
)

var txFlagStrings = map[TxFlags]string{
	TxStateSigned:     "Signed",
	TxStateDispatched: "Dispatched",
	TxStateReceived:   "Received",
	TxStateCleared:    "Cleared",
	TxStateSettled:    "Settled",
	TxStateRemoved:    "Removed",
	TxFlagConflicting: "Conflicting",
}

// State returns the lifecycle state bit of the flag set.
func (f TxFlags) State() TxFlags {
	return f & TxMaskState
}

// IsRemoved returns whether the removed state bit is set.
func (f TxFlags) IsRemoved() bool {
	return f.State() == TxStateRemoved
}

// IsLocal returns whether the state is one the network has never seen.
func (f TxFlags) IsLocal() bool {
	return f&TxMaskStateLocal != 0
}

// WithState returns the flag set with the lifecycle state replaced.
func (f TxFlags) WithState(state TxFlags) TxFlags {
	return (f &^ TxMaskState) | (state & TxMaskState)
}

// String returns the flag set as a human-readable name list.
func (f TxFlags) String() string {
	if f == 0 {
		return "Unset"
	}
	var names []string
	for bit := TxFlags(1); bit != 0; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		if name, ok := txFlagStrings[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("1<<%d",
				bitPosition(bit)))
		}
	}
	return strings.Join(names, "|")
}

func bitPosition(f TxFlags) int {
	n := 0
	for f > 1 {
		f >>= 1
		n++
	}
	return n
}

// Block height sentinels stored on transaction rows that are not in a
// block.
const (
	// BlockHeightMempool marks a transaction known to the network but
	// not placed in a block.
	BlockHeightMempool int32 = -1

	// BlockHeightLocal marks a transaction that has never left the
	// wallet.
	BlockHeightLocal int32 = -2
)

// TXOFlags is the bitmask persisted on every transaction output row.
type TXOFlags uint32

const (
	// TXOFlagCoinbase marks an output of a coinbase transaction, which
	// matures before it counts as confirmed value.
	TXOFlagCoinbase TXOFlags = 1 << 0

	// TXOFlagSpent marks an output with a live spend back-reference.
	TXOFlagSpent TXOFlags = 1 << 1

	// TXOFlagFrozen marks an output excluded from coin selection by
	// the user.
	TXOFlagFrozen TXOFlags = 1 << 2
)

// TxRecord is the stored form of one wallet transaction.
type TxRecord struct {
	Hash  chainhash.Hash
	Raw   []byte
	Flags TxFlags

	// BlockHash is set for transactions announced in or proven into a
	// block.
	BlockHash fn.Option[chainhash.Hash]

	// BlockHeight is the announced or proven height, or one of the
	// sentinels above.
	BlockHeight int32

	// BlockPosition is the transaction index in its block, set only
	// once a proof settles the transaction.
	BlockPosition fn.Option[uint32]

	// Fee is the transaction fee when known.
	Fee fn.Option[int64]
}

// TxMetadata is the block placement projection of one transaction.
type TxMetadata struct {
	BlockHeight   int32
	BlockPosition fn.Option[uint32]
	Fee           fn.Option[int64]
}

// TXO is one transaction output row together with its ownership linkage.
type TXO struct {
	TxHash chainhash.Hash
	Index  uint32
	Value  int64

	// KeyInstanceID is the owning key instance, or 0 for outputs the
	// wallet does not own.
	KeyInstanceID wkeymgr.KeyInstanceID

	ScriptType wscript.ScriptType
	ScriptHash []byte
	Flags      TXOFlags

	// SpendingTxHash and SpendingTxiIndex are the spend
	// back-reference, set when a wallet transaction consumes this
	// output.
	SpendingTxHash   fn.Option[chainhash.Hash]
	SpendingTxiIndex fn.Option[uint32]
}

// IsSpent returns whether the output carries a live spend
// back-reference.
func (o *TXO) IsSpent() bool {
	return o.SpendingTxHash.IsSome()
}

// Balance is the bucketed value of a set of unspent outputs.  Buckets
// are disjoint; the spendable total is their sum.
type Balance struct {
	// Confirmed is the value of mature outputs of settled
	// transactions.
	Confirmed int64

	// Unconfirmed is the value of outputs of cleared transactions.
	Unconfirmed int64

	// Unmatured is the value of coinbase outputs of settled
	// transactions still inside the maturity window.
	Unmatured int64

	// Allocated is the value of outputs of local transactions, signed
	// or exchanged but never broadcast.
	Allocated int64
}

// Add accumulates the passed balance into the receiver.
func (b *Balance) Add(other Balance) {
	b.Confirmed += other.Confirmed
	b.Unconfirmed += other.Unconfirmed
	b.Unmatured += other.Unmatured
	b.Allocated += other.Allocated
}

// Total returns the sum of all buckets.
func (b Balance) Total() int64 {
	return b.Confirmed + b.Unconfirmed + b.Unmatured + b.Allocated
}

// AccountDelta is the net value movement of one transaction for one
// account: owned value received minus owned value spent.
type AccountDelta struct {
	AccountID wkeymgr.AccountID
	Value     int64
}

// KeySubscriptionRow describes one key usage inside a live, unsettled
// transaction, read back when registering indexer subscriptions.
type KeySubscriptionRow struct {
	TxHash        chainhash.Hash
	PutType       uint8 // 1 output usage, 2 input usage
	KeyInstanceID wkeymgr.KeyInstanceID
	ScriptHash    []byte
}

// Key subscription put types.
const (
	SubscriptionPutOutput uint8 = 1
	SubscriptionPutInput  uint8 = 2
)

// UnverifiedTx is a cleared transaction with a known block height whose
// merkle proof is still outstanding.
type UnverifiedTx struct {
	Hash        chainhash.Hash
	BlockHeight int32
}
