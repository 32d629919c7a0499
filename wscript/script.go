// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wscript resolves the spendable script templates for wallet
// keys.  Resolution is a pure function of the public key material, the
// script type, and the network parameters, so the same inputs always
// produce the same script bytes.  For multisig templates the cosigner
// order is significant and preserved exactly; reordering cosigners
// yields a different script.
package wscript

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType identifies one of the standard output templates the wallet
// recognizes and can produce.
type ScriptType uint8

const (
	// TypeNone is the zero value and never resolves to a script.
	TypeNone ScriptType = iota

	// TypeP2PKH pays to the hash of a public key.
	TypeP2PKH

	// TypeP2PK pays directly to a public key.
	TypeP2PK

	// TypeMultisigBare is an m-of-n CHECKMULTISIG output.
	TypeMultisigBare

	// TypeMultisigP2SH wraps an m-of-n CHECKMULTISIG redeem script in
	// a pay-to-script-hash output.
	TypeMultisigP2SH
)

var scriptTypeStrings = map[ScriptType]string{
	TypeNone:         "none",
	TypeP2PKH:        "p2pkh",
	TypeP2PK:         "p2pk",
	TypeMultisigBare: "multisig-bare",
	TypeMultisigP2SH: "multisig-p2sh",
}

// String returns the script type as a human-readable name.
func (st ScriptType) String() string {
	if s, ok := scriptTypeStrings[st]; ok {
		return s
	}
	return fmt.Sprintf("unknown script type (%d)", uint8(st))
}

var (
	// ErrUnsupportedScriptType is returned when a script type outside
	// the closed template set is requested, or when the template does
	// not fit the passed key material.
	ErrUnsupportedScriptType = errors.New("unsupported script type")

	// ErrNoPublicKeys is returned when resolution is attempted with no
	// key material.
	ErrNoPublicKeys = errors.New("no public keys")
)

// ScriptFor resolves the output script for the given template, public
// keys, and network.  Single-key templates require exactly one key;
// multisig templates require sigsRequired <= len(pubKeys) and use the
// keys in the order given.
func ScriptFor(scriptType ScriptType, pubKeys []*btcec.PublicKey,
	sigsRequired int, params *chaincfg.Params) ([]byte, error) {

	if len(pubKeys) == 0 {
		return nil, ErrNoPublicKeys
	}

	switch scriptType {
	case TypeP2PKH:
		if len(pubKeys) != 1 {
			return nil, fmt.Errorf("%w: p2pkh requires one key, "+
				"got %d", ErrUnsupportedScriptType, len(pubKeys))
		}
		return payToPubKeyHash(pubKeys[0], params)

	case TypeP2PK:
		if len(pubKeys) != 1 {
			return nil, fmt.Errorf("%w: p2pk requires one key, "+
				"got %d", ErrUnsupportedScriptType, len(pubKeys))
		}
		return txscript.NewScriptBuilder().
			AddData(pubKeys[0].SerializeCompressed()).
			AddOp(txscript.OP_CHECKSIG).Script()

	case TypeMultisigBare:
		return multisigScript(pubKeys, sigsRequired, params)

	case TypeMultisigP2SH:
		redeem, err := multisigScript(pubKeys, sigsRequired, params)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.NewAddressScriptHash(redeem, params)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScriptType,
			scriptType)
	}
}

// ScriptHash returns the stored lookup hash for a script.  Transaction
// outputs are matched to key instances by this value, so it must be
// stable across restarts and backends.
func ScriptHash(script []byte) []byte {
	digest := sha256.Sum256(script)
	return digest[:]
}

func payToPubKeyHash(pubKey *btcec.PublicKey,
	params *chaincfg.Params) ([]byte, error) {

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// multisigScript builds the m-of-n CHECKMULTISIG script with the keys in
// caller order.  The keys are deliberately not sorted: the cosigner
// ordering recorded on the keystore is part of the account's identity.
func multisigScript(pubKeys []*btcec.PublicKey, sigsRequired int,
	params *chaincfg.Params) ([]byte, error) {

	if sigsRequired < 1 || sigsRequired > len(pubKeys) {
		return nil, fmt.Errorf("%w: %d-of-%d multisig",
			ErrUnsupportedScriptType, sigsRequired, len(pubKeys))
	}

	addrPubKeys := make([]*btcutil.AddressPubKey, 0, len(pubKeys))
	for _, pubKey := range pubKeys {
		addr, err := btcutil.NewAddressPubKey(
			pubKey.SerializeCompressed(), params)
		if err != nil {
			return nil, err
		}
		addrPubKeys = append(addrPubKeys, addr)
	}
	return txscript.MultiSigScript(addrPubKeys, sigsRequired)
}
