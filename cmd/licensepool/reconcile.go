package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/licensepool/internal/auditcontext"
	pooldomain "github.com/smallbiznis/licensepool/internal/pool/domain"
	"github.com/smallbiznis/licensepool/internal/reconciler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var reconcilePoolID string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recount assigned seats from assignments and correct drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			pools  pooldomain.Service
			worker *reconciler.Worker
		)
		app := fx.New(
			infrastructure(),
			domains(),
			reconciler.Module,
			fx.Populate(&pools, &worker),
		)
		return runOnce(cmd.Context(), app, func(ctx context.Context) error {
			out := cmd.OutOrStdout()
			if reconcilePoolID != "" {
				ctx = auditcontext.WithActor(ctx, auditcontext.ActorTypeSystem, "cli")
				result, err := pools.Reconcile(ctx, reconcilePoolID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pool %s: assigned %d -> %d (drift %d)\n",
					result.PoolID, result.Previous, result.Current, result.Drift)
				return nil
			}

			report, err := worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "scanned %d pools, corrected %d, failed %d\n",
				report.Scanned, report.Corrected, report.Failed)
			return nil
		})
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcilePoolID, "pool", "", "reconcile a single pool by id")
}
