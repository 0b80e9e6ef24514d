package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tagging-cli/internal/backup"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune tagged-store snapshots",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snaps, err := newBackupEngine(cfg).List()
		if err != nil {
			return eris.Wrap(err, "backups list")
		}
		if len(snaps) == 0 {
			fmt.Fprintln(os.Stderr, "No backups found.")
			return nil
		}
		formatBackupList(os.Stdout, snaps)
		return nil
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots outside the retention policy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if keep, _ := cmd.Flags().GetInt("keep"); cmd.Flags().Changed("keep") {
			cfg.Backup.RetentionCount = keep
		}
		if days, _ := cmd.Flags().GetInt("days"); cmd.Flags().Changed("days") {
			cfg.Backup.RetentionDays = days
		}

		removed, err := pruneBackups(cfg, newBackupEngine(cfg))
		if err != nil {
			return eris.Wrap(err, "backups prune")
		}
		for _, p := range removed {
			fmt.Fprintln(os.Stdout, p)
		}
		fmt.Fprintf(os.Stderr, "Removed %d backups.\n", len(removed))
		return nil
	},
}

func formatBackupList(w io.Writer, snaps []backup.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODIFIED\tROWS\tBYTES")
	for _, s := range snaps {
		rows := "?"
		if n, err := s.Rows(); err == nil {
			rows = fmt.Sprintf("%d", n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.Name, s.ModTime.Format("2006-01-02 15:04:05"), rows, s.Size)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	backupsPruneCmd.Flags().Int("keep", 0, "keep at most this many snapshots (default from config)")
	backupsPruneCmd.Flags().Int("days", 0, "delete snapshots older than this many days (default from config)")
	backupsCmd.AddCommand(backupsListCmd, backupsPruneCmd)
	rootCmd.AddCommand(backupsCmd)
}
