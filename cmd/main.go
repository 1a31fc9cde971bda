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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	paystream "github.com/paystreamhq/paystream"
	"github.com/paystreamhq/paystream/config"
	"github.com/paystreamhq/paystream/database"
	"github.com/paystreamhq/paystream/internal/notification"
)

// Paystream wraps the root cobra command for the CLI.
type Paystream struct {
	cmd *cobra.Command
}

// paystreamInstance holds the engine and its configuration for subcommands.
type paystreamInstance struct {
	engine *paystream.Paystream
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and wires the engine before any subcommand runs.
func preRun(app *paystreamInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("paystream.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newEngine, err := setupPaystream(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = newEngine
		app.cnf = cnf
		return nil
	}
}

// setupPaystream builds the engine from configuration: repository plus the
// registered ledger client.
func setupPaystream(cfg *config.Configuration) (*paystream.Paystream, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	ledgerClient, err := resolveLedgerClient(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := paystream.NewPaystream(db, ledgerClient)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %v", err)
	}
	return engine, nil
}

// NewCLI assembles the root command and its subcommands.
func NewCLI() *Paystream {
	var configFile string
	b := &paystreamInstance{}

	var rootCmd = &cobra.Command{
		Use:   "paystream",
		Short: "Payment channel lifecycle engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./paystream.json", "Configuration file for the engine")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(sweepCommands(b))

	return &Paystream{cmd: rootCmd}
}

func (w Paystream) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
