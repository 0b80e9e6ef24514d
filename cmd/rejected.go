package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tagging-cli/internal/ledger"
)

var rejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "Inspect saves the store refused",
	Long:  "Saves rejected by the row-count guard, lock contention or write errors are kept in the ledger so their payloads are not lost.",
}

var rejectedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rejected saves, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		tagger, _ := cmd.Flags().GetString("tagger")
		reason, _ := cmd.Flags().GetString("reason")
		limit, _ := cmd.Flags().GetInt("limit")

		rejected, err := env.Ledger.ListRejected(ctx, ledger.RejectedFilter{
			Tagger: tagger,
			Reason: reason,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "rejected list")
		}
		if len(rejected) == 0 {
			fmt.Fprintln(os.Stderr, "No rejected saves found.")
			return nil
		}
		formatRejectedList(os.Stdout, rejected)
		return nil
	},
}

var rejectedReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Save a rejected payload again and drop it from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		return replayRejected(ctx, env, args[0], os.Stdout)
	},
}

// replayRejected saves the queued payload id through the store and drops
// it from the queue. A failed save leaves the entry queued.
func replayRejected(ctx context.Context, env *storeEnv, id string, w io.Writer) error {
	target, err := env.Ledger.GetRejected(ctx, id)
	if err != nil {
		return eris.Wrap(err, "rejected replay")
	}

	res, err := env.Store.Save(ctx, target.Payload)
	if err != nil {
		return eris.Wrapf(err, "rejected replay: save %s", target.Key)
	}
	if err := env.Ledger.RemoveRejected(ctx, target.ID); err != nil {
		return eris.Wrap(err, "rejected replay: remove")
	}
	fmt.Fprintf(w, "Saved %s by %s (%d -> %d rows)\n", target.Key, target.Payload.Tagger, res.PrevRows, res.Rows)
	return nil
}

var rejectedRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Drop a rejected save from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Ledger.RemoveRejected(ctx, args[0]); err != nil {
			return eris.Wrap(err, "rejected remove")
		}
		return nil
	},
}

func formatRejectedList(w io.Writer, rejected []ledger.RejectedSave) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tTAGGER\tKEY\tREASON\tERROR")
	for _, r := range rejected {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.Tagger,
			r.Key,
			r.Reason,
			truncate(r.Error, 60),
		)
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rejectedListCmd.Flags().String("tagger", "", "filter by annotator")
	rejectedListCmd.Flags().String("reason", "", "filter by reason (below_floor, locked, error)")
	rejectedListCmd.Flags().Int("limit", 50, "maximum rows to show")
	rejectedCmd.AddCommand(rejectedListCmd, rejectedReplayCmd, rejectedRemoveCmd)
	rootCmd.AddCommand(rejectedCmd)
}
