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
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/spf13/cobra"

	paystream "github.com/paystreamhq/paystream"
	"github.com/paystreamhq/paystream/config"
)

// sweepCommands groups the one-shot reconciliation operations normally run by
// the workers. They are exposed as commands so operators can force a pass
// between scheduled runs.
func sweepCommands(b *paystreamInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "run reconciliation passes on demand",
	}

	cmd.AddCommand(sweepRunCommands(b))
	cmd.AddCommand(sweepSyncCommands(b))
	cmd.AddCommand(sweepDriftCommands(b))

	return cmd
}

// sweepRunCommands runs a single expiry sweep over channels whose settlement
// window has lapsed.
func sweepRunCommands(b *paystreamInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run one expiry sweep and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cnf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			sweeper := paystream.NewSweeper(b.engine, cnf.SweepInterval(), cnf.Sweep.BatchSize, cnf.Sweep.MaxValidationAttempts)
			if err := sweeper.RunExpirySweep(context.Background()); err != nil {
				log.Fatalf("expiry sweep failed: %v", err)
			}
			fmt.Println("expiry sweep completed")
		},
	}

	return cmd
}

// sweepSyncCommands refreshes the audit mirror of every active channel from
// the ledger.
func sweepSyncCommands(b *paystreamInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "sync ledger balances for all active channels",
		Run: func(cmd *cobra.Command, args []string) {
			cnf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			if err := b.engine.SyncAllActiveChannels(context.Background(), cnf.Sweep.BatchSize); err != nil {
				log.Fatalf("ledger sync failed: %v", err)
			}
			fmt.Println("ledger sync completed")
		},
	}

	return cmd
}

// sweepDriftCommands prints channels whose local accrual has drifted from the
// ledger mirror by at least the given threshold.
func sweepDriftCommands(b *paystreamInstance) *cobra.Command {
	var threshold string
	var limit int

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "report channels drifting from the ledger",
		Run: func(cmd *cobra.Command, args []string) {
			minDrift, ok := new(big.Int).SetString(threshold, 10)
			if !ok {
				log.Fatalf("invalid drift threshold %q", threshold)
			}

			channels, err := b.engine.DriftReport(context.Background(), minDrift, limit)
			if err != nil {
				log.Fatalf("drift report failed: %v", err)
			}

			for _, channel := range channels {
				drift := new(big.Int).Sub(channel.OffChainAccrued, channel.OnChainBalance)
				fmt.Printf("%s\tstatus=%s\taccrued=%s\tmirror=%s\tdrift=%s\n",
					channel.ChannelID, channel.Status, channel.OffChainAccrued.String(), channel.OnChainBalance.String(), drift.String())
			}
			fmt.Printf("%d drifting channels\n", len(channels))
		},
	}

	cmd.Flags().StringVar(&threshold, "threshold", "1", "minimum drift, in base units")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum channels to report")

	return cmd
}
