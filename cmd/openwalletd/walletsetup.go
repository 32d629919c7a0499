// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/term"

	"github.com/opensv/openwallet/wallet"
	"github.com/opensv/openwallet/wkeymgr"
	"github.com/opensv/openwallet/wscript"
)

// Derivation lookahead for a freshly created account.  Receiving keys
// are subscribed before they appear in any transaction, so a fresh
// wallet can see payments to keys it has never handed out.
const (
	initialReceivingKeys = 20
	initialChangeKeys    = 10
)

// promptPassphrase prompts for a passphrase without echo, asking twice
// for confirmation when confirm is set.
func promptPassphrase(prompt string, confirm bool) ([]byte, error) {
	reader := bufio.NewReader(os.Stdin)
	fd := int(os.Stdin.Fd())

	for {
		fmt.Printf("%s: ", prompt)
		var passphrase []byte
		var err error
		if term.IsTerminal(fd) {
			passphrase, err = term.ReadPassword(fd)
			fmt.Println()
		} else {
			passphrase, err = reader.ReadBytes('\n')
			passphrase = bytes.TrimRight(passphrase, "\r\n")
		}
		if err != nil {
			return nil, err
		}
		if len(passphrase) == 0 {
			fmt.Println("Passphrase must not be empty.")
			continue
		}
		if !confirm {
			return passphrase, nil
		}

		fmt.Print("Confirm passphrase: ")
		var again []byte
		if term.IsTerminal(fd) {
			again, err = term.ReadPassword(fd)
			fmt.Println()
		} else {
			again, err = reader.ReadBytes('\n')
			again = bytes.TrimRight(again, "\r\n")
		}
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(passphrase, again) {
			fmt.Println("Passphrases do not match.")
			continue
		}
		return passphrase, nil
	}
}

// createWallet seeds a fresh deterministic wallet: a new master key
// sealed under the prompted passphrase, a default account, and an
// initial run of receiving and change keys with their scripts.
func createWallet(ctx context.Context, w *wallet.Wallet) error {
	passphrase, err := promptPassphrase("Enter a passphrase for the "+
		"new wallet", true)
	if err != nil {
		return err
	}

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return err
	}
	keystore, err := wkeymgr.NewBIP32KeystoreFromSeed(seed, passphrase,
		activeNet.Params)
	if err != nil {
		return err
	}

	masterKey, err := w.CreateMasterKeyFromKeystore(ctx, 0, keystore)
	if err != nil {
		return err
	}
	accounts, err := w.AddAccounts(ctx, masterKey.MasterKeyID,
		wscript.TypeP2PKH, "default")
	if err != nil {
		return err
	}
	account := accounts[0]

	scriptsFor := func(alloc wkeymgr.KeyAllocation) (
		[]wkeymgr.KeyScriptRow, error) {

		script, err := wscript.ScriptFor(wscript.TypeP2PKH,
			[]*btcec.PublicKey{alloc.PubKey}, 1, activeNet.Params)
		if err != nil {
			return nil, err
		}
		return []wkeymgr.KeyScriptRow{{
			KeyInstanceID: alloc.Row.KeyInstanceID,
			ScriptType:    uint8(wscript.TypeP2PKH),
			ScriptHash:    wscript.ScriptHash(script),
		}}, nil
	}

	registry := w.Registry()
	_, err = registry.AllocateKeys(ctx, account.AccountID(),
		masterKey.MasterKeyID, keystore, wkeymgr.ReceivingSubpath,
		initialReceivingKeys, scriptsFor)
	if err != nil {
		return err
	}
	_, err = registry.AllocateKeys(ctx, account.AccountID(),
		masterKey.MasterKeyID, keystore, wkeymgr.ChangeSubpath,
		initialChangeKeys, scriptsFor)
	if err != nil {
		return err
	}

	log.Infof("Created wallet with account %q on %s",
		account.Row.Name, strings.ToLower(activeNet.Name))
	return nil
}
