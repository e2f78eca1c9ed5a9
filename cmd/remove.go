package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
	"github.com/otherjamesbrown/orphanage/internal/orphan"
)

var (
	removeYes         bool
	removeDelay       time.Duration
	removeBatchSize   int
	removeNoParanoia  bool
	removeApproximate bool
)

var removeCmd = &cobra.Command{
	Use:   "remove <namespace>",
	Short: "Scan a namespace and delete its orphaned documents",
	Long: `Scan a sharded collection, show the orphans found and, after confirmation,
delete them chunk by chunk from the shards they were found on.

Deletes run in batches of --batch-size ids. Before every batch the balancer is
checked again; if it has been re-enabled the run stops. Failed chunks are
reported and the remaining chunks are still processed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := orphanageClient.Config
		if cmd.Flags().Changed("batch-size") {
			cfg.Remove.BatchSize = removeBatchSize
		}
		if cmd.Flags().Changed("delay") {
			cfg.Remove.Delay = removeDelay
		}
		if removeNoParanoia {
			cfg.Remove.BalancerParanoia = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		s, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		res, err := s.engine.Scan(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "text" {
			renderScan(out, res)
			fmt.Fprintln(out)
		}
		if res.Len() == 0 {
			if outputFormat == "text" {
				fmt.Fprintln(out, "Nothing to remove.")
				return nil
			}
			return emit(out, newRemoveOutput(s.engine.RunID().String(), res, &orphan.RemoveReport{}), nil)
		}
		if err := checkApproximate(res, removeApproximate); err != nil {
			return err
		}

		if !removeYes {
			ok, err := confirm(fmt.Sprintf("Delete %d orphaned document(s) in %d chunk(s) of %s",
				res.Count, res.Len(), res.Namespace))
			if err != nil {
				return err
			}
			if !ok {
				return errAborted
			}
		}
		if !cfg.Remove.BalancerParanoia {
			logger.Warn("balancer re-check disabled; removal will not stop if the balancer is re-enabled")
		}

		report, err := s.engine.RemoveAll(ctx, res.Cursor(), cfg.Remove.Delay)
		logger.Info("removal finished",
			zap.String("namespace", res.Namespace),
			zap.String("run_id", s.engine.RunID().String()),
			zap.Int64("removed", report.Removed),
			zap.Int("failures", len(report.Failures)))

		emitErr := emit(out, newRemoveOutput(s.engine.RunID().String(), res, report), func(w io.Writer) {
			renderRemoveReport(w, report)
			if s.journal != nil {
				fmt.Fprintf(w, "Journal run: %s\n", s.engine.RunID())
			}
		})
		if err != nil {
			return err
		}
		if emitErr != nil {
			return emitErr
		}
		if len(report.Failures) > 0 {
			return fmt.Errorf("%d chunk(s) could not be removed; rescan to retry", len(report.Failures))
		}
		return nil
	},
}

// checkApproximate refuses removal when approximate ranges of res can match
// documents outside their chunk. Hashed keys are refused even with allow.
func checkApproximate(res *orphan.ScanResult, allow bool) error {
	if !res.Approximate {
		return nil
	}
	if res.KeyPattern.Hashed() {
		return fmt.Errorf("refusing to remove with approximate comparison on hashed key %s: %w",
			res.KeyPattern, cluster.ErrHashedApproximate)
	}
	if len(res.KeyPattern) > 1 && !allow {
		return fmt.Errorf("refusing to remove with approximate comparison on compound key %s: "+
			"ranges may match documents of neighbouring chunks (use --allow-approximate to override)", res.KeyPattern)
	}
	return nil
}

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "Skip the confirmation prompt")
	removeCmd.Flags().DurationVar(&removeDelay, "delay", 0, "Pause between chunks")
	removeCmd.Flags().IntVar(&removeBatchSize, "batch-size", orphan.DefaultBatchSize, "Documents per delete batch")
	removeCmd.Flags().BoolVar(&removeNoParanoia, "no-paranoia", false, "Do not re-check the balancer before each batch")
	removeCmd.Flags().BoolVar(&removeApproximate, "allow-approximate", false, "Remove even when compound key ranges can only be approximated")

	rootCmd.AddCommand(removeCmd)
}
