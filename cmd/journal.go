package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/client"
	"github.com/otherjamesbrown/orphanage/internal/journal"
)

var journalIDs bool

var journalCmd = &cobra.Command{
	Use:   "journal [run-id]",
	Short: "Show journaled delete batches of a removal run",
	Long: `List the delete batches recorded for a removal run, oldest first.
Without a run id the most recent run is shown.

Requires journal.dsn (or ORPHANAGE_JOURNAL_DSN).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := orphanageClient.Config.Journal.DSN
		if dsn == "" {
			return fmt.Errorf("no journal configured: set journal.dsn or ORPHANAGE_JOURNAL_DSN")
		}

		var runID uuid.UUID
		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			runID = id
		}

		ctx, cancel := signalContext()
		defer cancel()

		j, err := journal.Open(ctx, dsn, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(context.Background()); err != nil {
				logger.Warn("closing journal", zap.Error(err))
			}
		}()

		if runID == uuid.Nil {
			if runID, err = j.LatestRun(ctx); err != nil {
				return err
			}
		}
		entries, err := j.Batches(ctx, runID)
		if err != nil {
			return err
		}

		return emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
			fmt.Fprintf(w, "Run %s\n\n", runID)
			headers := []string{"time", "namespace", "shard", "min", "max", "ids"}
			if journalIDs {
				headers = append(headers, "id values")
			}
			tbl := client.NewTable(headers...)
			var total int
			for _, e := range entries {
				row := []string{
					e.RecordedAt.Local().Format("2006-01-02 15:04:05"),
					e.Namespace,
					e.Shard,
					client.Truncate(e.Min, 30),
					client.Truncate(e.Max, 30),
					strconv.Itoa(e.Count),
				}
				if journalIDs {
					row = append(row, client.Truncate(e.IDs, 60))
				}
				tbl.AddRow(row...)
				total += e.Count
			}
			tbl.Print(w)
			fmt.Fprintf(w, "\n%d batch(es), %d document(s)\n", len(entries), total)
		})
	},
}

func init() {
	journalCmd.Flags().BoolVar(&journalIDs, "ids", false, "Include the deleted id values")

	rootCmd.AddCommand(journalCmd)
}
