package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		v, err := st.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("schema up to date",
			zap.String("driver", cfg.Store.Driver),
			zap.Int("version", v),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (current %d)\n", v, store.CurrentSchemaVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
