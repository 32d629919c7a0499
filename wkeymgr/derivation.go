// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DerivationType identifies how the key material behind a master key or
// key instance is derived.
type DerivationType uint8

const (
	// DerivationBIP32 is hierarchical derivation from a BIP32 extended
	// key.
	DerivationBIP32 DerivationType = iota + 1

	// DerivationElectrumOld is the legacy Electrum master-public-key
	// sequence derivation.
	DerivationElectrumOld

	// DerivationHardware is derivation delegated to a signing device;
	// only public material is held locally.
	DerivationHardware

	// DerivationMultisig is a composite of cosigner master keys.
	DerivationMultisig

	// DerivationImported marks key material imported from outside any
	// derivation hierarchy.
	DerivationImported

	// DerivationBIP32Subpath marks a key instance derived at a subpath
	// under its master key.
	DerivationBIP32Subpath

	// DerivationPrivateKey marks a key instance backed by an
	// individually imported private key.
	DerivationPrivateKey

	// DerivationPublicKeyHash marks a watch-only key instance backed
	// by an address hash.
	DerivationPublicKeyHash
)

var derivationTypeStrings = map[DerivationType]string{
	DerivationBIP32:         "bip32",
	DerivationElectrumOld:   "electrum-old",
	DerivationHardware:      "hardware",
	DerivationMultisig:      "multisig",
	DerivationImported:      "imported",
	DerivationBIP32Subpath:  "bip32-subpath",
	DerivationPrivateKey:    "private-key",
	DerivationPublicKeyHash: "public-key-hash",
}

// String returns the DerivationType as a human-readable name.
func (t DerivationType) String() string {
	if s, ok := derivationTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown derivation type (%d)", uint8(t))
}

// DerivationPath is a sequence of child indices under a master key.  All
// wallet-allocated paths use unhardened indices; the hardened boundary
// is the allocation limit.
type DerivationPath []uint32

// HardenedKeyStart is the first hardened child index.  Key allocation
// never crosses it.
const HardenedKeyStart = hdkeychain.HardenedKeyStart

// Standard subpath prefixes for deterministic accounts.
var (
	// ReceivingSubpath is the prefix under which externally visible
	// receiving keys are allocated.
	ReceivingSubpath = DerivationPath{0}

	// ChangeSubpath is the prefix under which change keys are
	// allocated.
	ChangeSubpath = DerivationPath{1}
)

// Extend returns a new path with the passed indices appended.
func (p DerivationPath) Extend(indices ...uint32) DerivationPath {
	extended := make(DerivationPath, 0, len(p)+len(indices))
	extended = append(extended, p...)
	return append(extended, indices...)
}

// Equal returns whether two paths are identical.
func (p DerivationPath) Equal(other DerivationPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i, index := range p {
		if other[i] != index {
			return false
		}
	}
	return true
}

// HasPrefix returns whether the path starts with the passed prefix.
func (p DerivationPath) HasPrefix(prefix DerivationPath) bool {
	if len(p) < len(prefix) {
		return false
	}
	return p[:len(prefix)].Equal(prefix)
}

// String renders the path in the conventional m/a/b form.
func (p DerivationPath) String() string {
	s := "m"
	for _, index := range p {
		s += fmt.Sprintf("/%d", index)
	}
	return s
}

// Pack serializes the path as big-endian 32-bit indices.  This is the
// stored form in key instance rows and sorts lexicographically in index
// order, which the watermark queries rely on.
func (p DerivationPath) Pack() []byte {
	packed := make([]byte, 4*len(p))
	for i, index := range p {
		binary.BigEndian.PutUint32(packed[i*4:], index)
	}
	return packed
}

// UnpackDerivationPath deserializes a path packed by Pack.
func UnpackDerivationPath(packed []byte) (DerivationPath, error) {
	if len(packed)%4 != 0 {
		return nil, managerError(ErrMalformedData, fmt.Sprintf(
			"packed derivation path has invalid length %d",
			len(packed)), nil)
	}
	path := make(DerivationPath, len(packed)/4)
	for i := range path {
		path[i] = binary.BigEndian.Uint32(packed[i*4:])
	}
	return path, nil
}
