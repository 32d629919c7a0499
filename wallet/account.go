// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wledger"
)

// AccountKind is the closed set of account variants.  The kind fixes how
// an account derives keys and whether it can sign at all.
type AccountKind int

const (
	// AccountStandard is a deterministic account backed by a seed-based
	// master key, BIP32 or legacy Electrum.
	AccountStandard AccountKind = iota + 1

	// AccountImportedPrivkey holds individually imported private keys
	// outside any derivation hierarchy.
	AccountImportedPrivkey

	// AccountImportedAddress watches addresses the wallet cannot sign
	// for.
	AccountImportedAddress

	// AccountMultisig composes cosigner master keys into m-of-n
	// scripts.
	AccountMultisig

	// AccountHardware delegates signing to an external device and holds
	// only public derivation material.
	AccountHardware
)

var accountKindStrings = map[AccountKind]string{
	AccountStandard:        "standard",
	AccountImportedPrivkey: "imported-privkey",
	AccountImportedAddress: "imported-address",
	AccountMultisig:        "multisig",
	AccountHardware:        "hardware",
}

// String returns the AccountKind as a human-readable name.
func (k AccountKind) String() string {
	if s, ok := accountKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown account kind (%d)", int(k))
}

// accountKindFor maps a keystore variant to the account kind it backs.
func accountKindFor(keystore wkeymgr.Keystore) AccountKind {
	switch keystore.DerivationType() {
	case wkeymgr.DerivationBIP32, wkeymgr.DerivationElectrumOld:
		return AccountStandard
	case wkeymgr.DerivationMultisig:
		return AccountMultisig
	case wkeymgr.DerivationHardware:
		return AccountHardware
	case wkeymgr.DerivationImported:
		if keystore.IsWatchOnly() {
			return AccountImportedAddress
		}
		return AccountImportedPrivkey
	default:
		return AccountStandard
	}
}

// Account pairs a stored account row with its keystore.  Deterministic
// accounts share wallet-registered keystores; imported accounts own
// theirs exclusively.
type Account struct {
	Row  wledger.AccountRow
	Kind AccountKind

	// Keystore is nil for imported-address accounts, which hold no key
	// material at all.
	Keystore wkeymgr.Keystore
}

// AccountID returns the stored account id.
func (a *Account) AccountID() wkeymgr.AccountID {
	return a.Row.AccountID
}

// IsWatchOnly returns whether the account can never produce signatures.
func (a *Account) IsWatchOnly() bool {
	return a.Keystore == nil || a.Keystore.IsWatchOnly()
}
