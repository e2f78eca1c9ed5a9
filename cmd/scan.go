package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/orphanage/internal/orphan"
)

var scanAll bool

var errIncomplete = errors.New("scan incomplete: some shards or chunks were not checked")

var scanCmd = &cobra.Command{
	Use:   "scan [namespace...]",
	Short: "Report orphaned documents per namespace",
	Long: `Scan one or more sharded collections for documents stored on shards that
do not own their chunk range. Nothing is modified.

The balancer must be stopped and idle for the whole scan.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if scanAll && len(args) > 0 {
			return fmt.Errorf("--all cannot be combined with namespaces")
		}
		if !scanAll && len(args) == 0 {
			return fmt.Errorf("specify at least one namespace or --all")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		var results []*orphan.ScanResult
		if scanAll {
			all, err := s.engine.ScanAll(ctx)
			if err != nil {
				return err
			}
			for _, name := range sortedKeys(all) {
				results = append(results, all[name])
			}
		} else {
			for _, name := range args {
				res, err := s.engine.Scan(ctx, name)
				if err != nil {
					return fmt.Errorf("scan %s: %w", name, err)
				}
				results = append(results, res)
			}
		}

		var data interface{} = results
		if len(results) == 1 {
			data = results[0]
		}
		err = emit(cmd.OutOrStdout(), data, func(w io.Writer) {
			var total int64
			for i, res := range results {
				if i > 0 {
					fmt.Fprintln(w)
				}
				renderScan(w, res)
				total += res.Count
			}
			if len(results) > 1 {
				fmt.Fprintf(w, "\nTotal orphans: %d in %d namespace(s)\n", total, len(results))
			}
		})
		if err != nil {
			return err
		}

		for _, res := range results {
			if res.Incomplete() {
				return errIncomplete
			}
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Scan every sharded namespace")

	rootCmd.AddCommand(scanCmd)
}
