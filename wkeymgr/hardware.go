// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/tlv"

	"github.com/opensv/openwallet/chain"
)

// TLV record types for the serialized hardware keystore row.
const (
	typeHardwareXpub       tlv.Type = 1
	typeHardwareDeviceKind tlv.Type = 2
	typeHardwareRootPath   tlv.Type = 3
	typeHardwareLabel      tlv.Type = 4
)

// HardwareKeystore holds the public half of a device-resident master
// key.  Public derivation happens locally from the extended public key;
// anything requiring the private key is delegated to the device through
// the chain.Signer interface and fails with
// chain.ErrDeviceUnavailable when no device session is attached.
type HardwareKeystore struct {
	xpub       *hdkeychain.ExtendedKey
	deviceKind string
	label      string

	// rootPath is the derivation path of xpub under the device's
	// master seed; device signing requests are prefixed with it.
	rootPath DerivationPath

	// signer is the attached device session, nil when the device is
	// not connected.  Not serialized.
	signer chain.Signer
}

var _ Keystore = (*HardwareKeystore)(nil)

// NewHardwareKeystore creates a hardware keystore from the device's
// exported extended public key at rootPath.
func NewHardwareKeystore(xpub, deviceKind, label string,
	rootPath DerivationPath) (*HardwareKeystore, error) {

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to parse device extended public key", err)
	}
	if key.IsPrivate() {
		return nil, managerError(ErrIncompatibleWallet,
			"hardware keystore cannot hold a private key", nil)
	}
	return &HardwareKeystore{
		xpub:       key,
		deviceKind: deviceKind,
		label:      label,
		rootPath:   rootPath,
	}, nil
}

// DerivationType returns DerivationHardware.
func (ks *HardwareKeystore) DerivationType() DerivationType {
	return DerivationHardware
}

// DeviceKind returns the device plugin identifier.
func (ks *HardwareKeystore) DeviceKind() string { return ks.deviceKind }

// Label returns the user-facing device label.
func (ks *HardwareKeystore) Label() string { return ks.label }

// IsWatchOnly returns false: the device can sign even though no local
// secrets exist.
func (ks *HardwareKeystore) IsWatchOnly() bool { return false }

// CheckPassword accepts any password; hardware keystores hold no
// password-sealed secrets.
func (ks *HardwareKeystore) CheckPassword(password []byte) error {
	return nil
}

// AttachSigner binds a live device session to the keystore.
func (ks *HardwareKeystore) AttachSigner(signer chain.Signer) {
	ks.signer = signer
}

// SignHashes asks the device to sign the passed sighash preimages with
// the keys at the given subpaths.
func (ks *HardwareKeystore) SignHashes(ctx context.Context,
	subpaths []DerivationPath, sigHashes [][]byte) ([][]byte, error) {

	if ks.signer == nil {
		return nil, chain.ErrDeviceUnavailable
	}
	paths := make([][]uint32, 0, len(subpaths))
	for _, subpath := range subpaths {
		paths = append(paths, ks.rootPath.Extend(subpath...))
	}
	return ks.signer.SignHashes(ctx, paths, sigHashes)
}

// DerivePublicKey derives the public key at the subpath under the
// device's exported extended public key.
func (ks *HardwareKeystore) DerivePublicKey(path DerivationPath) (
	*btcec.PublicKey, error) {

	key := ks.xpub
	for _, index := range path {
		if index >= HardenedKeyStart {
			return nil, managerError(ErrIncompatibleWallet,
				"cannot publicly derive hardened index", nil)
		}
		var err error
		key, err = key.Derive(index)
		if err != nil {
			return nil, managerError(ErrCrypto,
				"child derivation failed", err)
		}
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, managerError(ErrCrypto,
			"failed to extract public key", err)
	}
	return pubKey, nil
}

// ReencryptData returns the row blob unchanged; there are no local
// secrets to reseal.
func (ks *HardwareKeystore) ReencryptData(oldPassword,
	newPassword []byte) ([]byte, error) {

	return ks.MarshalData()
}

// MarshalData serializes the keystore to its derivation-data row form.
func (ks *HardwareKeystore) MarshalData() ([]byte, error) {
	xpubBytes := []byte(ks.xpub.String())
	kindBytes := []byte(ks.deviceKind)
	labelBytes := []byte(ks.label)
	pathBytes := ks.rootPath.Pack()

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeHardwareXpub, &xpubBytes),
		tlv.MakePrimitiveRecord(typeHardwareDeviceKind, &kindBytes),
	}
	if len(pathBytes) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeHardwareRootPath, &pathBytes))
	}
	if len(labelBytes) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeHardwareLabel, &labelBytes))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to encode keystore data", err)
	}
	return buf.Bytes(), nil
}

// loadHardwareKeystore deserializes a keystore from its derivation-data
// row form.
func loadHardwareKeystore(data []byte) (*HardwareKeystore, error) {
	var (
		xpubBytes  []byte
		kindBytes  []byte
		pathBytes  []byte
		labelBytes []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeHardwareXpub, &xpubBytes),
		tlv.MakePrimitiveRecord(typeHardwareDeviceKind, &kindBytes),
		tlv.MakePrimitiveRecord(typeHardwareRootPath, &pathBytes),
		tlv.MakePrimitiveRecord(typeHardwareLabel, &labelBytes),
	)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to decode hardware keystore data", err)
	}

	rootPath, err := UnpackDerivationPath(pathBytes)
	if err != nil {
		return nil, err
	}
	return NewHardwareKeystore(string(xpubBytes), string(kindBytes),
		string(labelBytes), rootPath)
}
