package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tagging-cli/internal/model"
	"github.com/sells-group/tagging-cli/internal/session"
	"github.com/sells-group/tagging-cli/internal/tagstore"
)

var statusSinceHours int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tagging progress and per-annotator counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		cat, err := loadCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		records, err := env.Store.Load(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		live := tagstore.ResolveDuplicates(records)

		since := time.Now().Add(-time.Duration(statusSinceHours) * time.Hour)
		recent, err := env.Ledger.SavesByTagger(ctx, since)
		if err != nil {
			return eris.Wrap(err, "status: ledger")
		}

		progress := session.ComputeProgress(cat.CountTagged(model.KeySet(live)), cat.Len())
		formatStatus(os.Stdout, progress, tagstore.CountByTagger(live), recent)
		return nil
	},
}

func formatStatus(w io.Writer, p session.Progress, byTagger, recent map[string]int) {
	fmt.Fprintf(w, "Tagged %d out of %d (%.1f%%)\n", p.Tagged, p.Total, p.Percent)
	if len(byTagger) == 0 && len(recent) == 0 {
		return
	}

	names := make([]string, 0, len(byTagger))
	for n := range byTagger {
		names = append(names, n)
	}
	for n := range recent {
		if _, ok := byTagger[n]; !ok {
			names = append(names, n)
		}
	}
	slices.Sort(names)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TAGGER\tROWS\tRECENT SAVES")
	for _, n := range names {
		label := n
		if label == "" {
			label = "(none)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", label, byTagger[n], recent[n])
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	statusCmd.Flags().IntVar(&statusSinceHours, "since-hours", 24, "window for recent saves from the ledger")
	rootCmd.AddCommand(statusCmd)
}
