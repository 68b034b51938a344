package main

import (
	"github.com/smallbiznis/licensepool/internal/opsserver"
	"github.com/smallbiznis/licensepool/internal/reconciler"
	"github.com/smallbiznis/licensepool/internal/seatmetrics"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations, the reconciler, the seat metrics exporter and the ops server",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			infrastructure(),
			domains(),
			reconciler.Module,
			reconciler.Run,
			seatmetrics.Module,
			opsserver.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}
