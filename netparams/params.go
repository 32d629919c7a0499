// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams groups the chain parameters for the networks the
// wallet can run against.  A Params value is threaded explicitly through
// every component that needs address version bytes or chain constants;
// there is deliberately no process-wide active network.
package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params bundles the chain parameters for one network together with the
// default port of the remote indexing service for that network.
type Params struct {
	*chaincfg.Params
	IndexerPort string
}

// MainNetParams contains parameters specific to the main network.
var MainNetParams = Params{
	Params:      &chaincfg.MainNetParams,
	IndexerPort: "50002",
}

// TestNet3Params contains parameters specific to the version 3 test
// network.
var TestNet3Params = Params{
	Params:      &chaincfg.TestNet3Params,
	IndexerPort: "51002",
}

// RegressionNetParams contains parameters specific to a local regression
// test network.
var RegressionNetParams = Params{
	Params:      &chaincfg.RegressionNetParams,
	IndexerPort: "51004",
}

// SimNetParams contains parameters specific to the simulation test
// network.
var SimNetParams = Params{
	Params:      &chaincfg.SimNetParams,
	IndexerPort: "51006",
}
