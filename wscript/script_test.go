// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wscript

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// testPubKeyHex0 is the compressed public key at m/0/0 of the shared
// test seed; testPubKeyHex1 is an unrelated key used as a cosigner.
const (
	testPubKeyHex0 = "030b482838721a38d94847699fed8818b5c5f56500ef72f1" +
		"3489e365b65e5749cf"
	testPubKeyHex1 = "037f37bb0d14dc72d67f0cfb49f6472163924ba86382fd24" +
		"90d5c04261386b70b0"
)

func parsePubKey(t *testing.T, pubKeyHex string) *btcec.PublicKey {
	t.Helper()
	raw, err := hex.DecodeString(pubKeyHex)
	require.NoError(t, err)
	pubKey, err := btcec.ParsePubKey(raw)
	require.NoError(t, err)
	return pubKey
}

func TestP2PKHScript(t *testing.T) {
	t.Parallel()

	pubKey := parsePubKey(t, testPubKeyHex0)
	script, err := ScriptFor(TypeP2PKH, []*btcec.PublicKey{pubKey}, 1,
		&chaincfg.MainNetParams)
	require.NoError(t, err)

	// OP_DUP OP_HASH160 <hash160> OP_EQUALVERIFY OP_CHECKSIG
	want := "76a914ea7804a2c266063572cc009a63dc25dcc0e9d9b588ac"
	require.Equal(t, want, hex.EncodeToString(script))

	// Single-key templates reject multiple keys.
	other := parsePubKey(t, testPubKeyHex1)
	_, err = ScriptFor(TypeP2PKH,
		[]*btcec.PublicKey{pubKey, other}, 1, &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrUnsupportedScriptType)
}

func TestP2PKScript(t *testing.T) {
	t.Parallel()

	pubKey := parsePubKey(t, testPubKeyHex0)
	script, err := ScriptFor(TypeP2PK, []*btcec.PublicKey{pubKey}, 1,
		&chaincfg.MainNetParams)
	require.NoError(t, err)

	require.Equal(t, "21"+testPubKeyHex0+"ac",
		hex.EncodeToString(script))
}

func TestMultisigCosignerOrder(t *testing.T) {
	t.Parallel()

	keyA := parsePubKey(t, testPubKeyHex0)
	keyB := parsePubKey(t, testPubKeyHex1)

	forward, err := ScriptFor(TypeMultisigBare,
		[]*btcec.PublicKey{keyA, keyB}, 2, &chaincfg.MainNetParams)
	require.NoError(t, err)
	reverse, err := ScriptFor(TypeMultisigBare,
		[]*btcec.PublicKey{keyB, keyA}, 2, &chaincfg.MainNetParams)
	require.NoError(t, err)

	// Cosigner order is part of the account identity, so the scripts
	// must differ.
	require.NotEqual(t, forward, reverse)

	// 2-of-2 bare multisig template shape.
	require.Equal(t, byte(txscript.OP_2), forward[0])
	require.Equal(t, byte(txscript.OP_CHECKMULTISIG),
		forward[len(forward)-1])
}

func TestMultisigP2SH(t *testing.T) {
	t.Parallel()

	keyA := parsePubKey(t, testPubKeyHex0)
	keyB := parsePubKey(t, testPubKeyHex1)

	script, err := ScriptFor(TypeMultisigP2SH,
		[]*btcec.PublicKey{keyA, keyB}, 1, &chaincfg.MainNetParams)
	require.NoError(t, err)

	// OP_HASH160 <20 bytes> OP_EQUAL
	require.Len(t, script, 23)
	require.Equal(t, byte(txscript.OP_HASH160), script[0])
	require.Equal(t, byte(txscript.OP_EQUAL), script[22])
}

func TestMultisigThresholdBounds(t *testing.T) {
	t.Parallel()

	keyA := parsePubKey(t, testPubKeyHex0)
	keyB := parsePubKey(t, testPubKeyHex1)
	keys := []*btcec.PublicKey{keyA, keyB}

	_, err := ScriptFor(TypeMultisigBare, keys, 0,
		&chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrUnsupportedScriptType)

	_, err = ScriptFor(TypeMultisigBare, keys, 3,
		&chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrUnsupportedScriptType)
}

func TestUnsupportedTypes(t *testing.T) {
	t.Parallel()

	pubKey := parsePubKey(t, testPubKeyHex0)

	_, err := ScriptFor(TypeNone, []*btcec.PublicKey{pubKey}, 1,
		&chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrUnsupportedScriptType)

	_, err = ScriptFor(TypeP2PKH, nil, 1, &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrNoPublicKeys)
}

func TestScriptHashStability(t *testing.T) {
	t.Parallel()

	pubKey := parsePubKey(t, testPubKeyHex0)
	script, err := ScriptFor(TypeP2PKH, []*btcec.PublicKey{pubKey}, 1,
		&chaincfg.MainNetParams)
	require.NoError(t, err)

	hash := ScriptHash(script)
	require.Len(t, hash, 32)
	require.Equal(t, hash, ScriptHash(script))
	require.NotEqual(t, hash, ScriptHash(append([]byte{0}, script...)))
}
