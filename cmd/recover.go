package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/tagging-cli/internal/backup"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Check the tagged store against its backups and restore if it regressed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := runRecovery(ctx, cfg, env)
		if err != nil {
			return err
		}
		formatRecovery(os.Stdout, rec, cfg.Backup.Threshold)
		return nil
	},
}

func formatRecovery(w io.Writer, rec *backup.Recovery, threshold int) {
	if rec.Restored {
		fmt.Fprintln(w, rec.Warning())
		fmt.Fprintln(w, rec.LogLine)
		return
	}
	if rec.BestRows < 0 {
		fmt.Fprintf(w, "Store OK: %d rows, no readable backups.\n", rec.CurrentRows)
		return
	}
	fmt.Fprintf(w, "Store OK: %d rows; best of %d backups has %d rows (threshold %d).\n",
		rec.CurrentRows, rec.Scanned, rec.BestRows, threshold)
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
