// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import "fmt"

// LoadKeystore deserializes a keystore from its master key row form,
// dispatching on the stored derivation type.
func LoadKeystore(derivationType DerivationType, data []byte) (Keystore,
	error) {

	switch derivationType {
	case DerivationBIP32:
		return loadBIP32Keystore(data)
	case DerivationElectrumOld:
		return loadOldKeystore(data)
	case DerivationHardware:
		return loadHardwareKeystore(data)
	case DerivationMultisig:
		return loadMultisigKeystore(data)
	case DerivationImported:
		return loadImportedKeystore(data)
	}
	return nil, managerError(ErrIncompatibleWallet, fmt.Sprintf(
		"unknown derivation type %d", derivationType), nil)
}
