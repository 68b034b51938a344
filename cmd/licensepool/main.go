package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/assignment"
	"github.com/smallbiznis/licensepool/internal/audit"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/config"
	"github.com/smallbiznis/licensepool/internal/directory"
	"github.com/smallbiznis/licensepool/internal/migration"
	"github.com/smallbiznis/licensepool/internal/observability"
	"github.com/smallbiznis/licensepool/internal/pool"
	"github.com/smallbiznis/licensepool/internal/tier"
	"github.com/smallbiznis/licensepool/internal/usage"
	"github.com/smallbiznis/licensepool/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "licensepool",
	Short:         "Seat-based license pool and assignment engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// infrastructure is shared by every command: config, logging, database and schema.
func infrastructure() fx.Option {
	return fx.Options(
		fx.Provide(config.Load),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(config.NewPolicyHolder),
		db.Module,
		clock.Module,
		migration.Module,
	)
}

func domains() fx.Option {
	return fx.Options(
		directory.Module,
		tier.Module,
		pool.Module,
		audit.Module,
		assignment.Module,
		usage.Module,
	)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID())
}

// nodeID reads SNOWFLAKE_NODE_ID so replicas generate disjoint ids.
func nodeID() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("SNOWFLAKE_NODE_ID")), 10, 64)
	if err != nil {
		return 1
	}
	return id
}
