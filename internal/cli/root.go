// Package cli defines the product-catalog-service command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Cfg     config.Config
	DataDir string
	Format  string // "json" | "text"
}

// ValidFormats lists the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. cfg is the loaded configuration;
// flags override it.
func NewRootCommand(cfg config.Config) *cobra.Command {
	opts := &RootOptions{Cfg: cfg}
	serve := NewServeCommand(opts)

	var cmd *cobra.Command
	cmd = &cobra.Command{
		Use:   "product-catalog-service",
		Short: "Product catalog with change propagation",
		Long: `Serves a product catalog over HTTP and propagates every committed change
to the configured sinks in per-key order.`,
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.DataDir != "" {
				opts.Cfg.DataDir = opts.DataDir
			}
			if c != serve && c != cmd {
				// keep stdout for command output
				obs.Logger = obs.NewLogger(c.ErrOrStderr(), opts.Cfg.LogLevel, opts.Cfg.LogFormat)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides DATA_DIR)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// serve is also the default
	cmd.RunE = serve.RunE
	cmd.Flags().AddFlagSet(serve.Flags())
	cmd.AddCommand(serve)
	cmd.AddCommand(NewCheckpointCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewMaintenanceCommand(opts))
	cmd.AddCommand(NewPartitionsCommand(opts))

	return cmd
}

// openDB opens the configured database for an offline command. It fails
// while a server holds the directory.
func openDB(opts *RootOptions) (*kv.DB, error) {
	return kv.Open(kv.Options{
		DataDir: opts.Cfg.DataDir,
		Fsync:   kv.ParseFsyncMode(opts.Cfg.Fsync),
	})
}

func closeDB(db *kv.DB) {
	if err := db.Close(); err != nil {
		obs.Logger.Warn("db_close_failed", "error", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
