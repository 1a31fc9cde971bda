/*
Copyright 2025 Paystream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"

	"github.com/paystreamhq/paystream/config"
	"github.com/paystreamhq/paystream/ledger"
)

// ledgerClientFactory builds the ledger client the engine consumes. The
// engine itself never signs or submits transactions on its own; deployments
// register their ledger integration here, the same way database/sql drivers
// register themselves.
var ledgerClientFactory func(cfg *config.Configuration) (ledger.Client, error)

// RegisterLedgerClient installs the factory used to construct the ledger
// client at startup.
func RegisterLedgerClient(factory func(cfg *config.Configuration) (ledger.Client, error)) {
	ledgerClientFactory = factory
}

func resolveLedgerClient(cfg *config.Configuration) (ledger.Client, error) {
	if ledgerClientFactory == nil {
		return nil, errors.New("no ledger client registered; link a ledger integration and call RegisterLedgerClient")
	}
	return ledgerClientFactory(cfg)
}
