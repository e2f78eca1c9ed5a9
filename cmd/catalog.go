package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/orphanage/internal/client"
	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "List the shards of the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		shards, err := s.catalog.ListShards(ctx)
		if err != nil {
			return err
		}
		active := make(map[string]bool)
		for _, id := range orphanageClient.Config.Shards.Active {
			active[id] = true
		}

		return emit(cmd.OutOrStdout(), shards, func(w io.Writer) {
			tbl := client.NewTable("id", "host", "state")
			for _, sh := range shards {
				state := "active"
				switch {
				case sh.Draining:
					state = "draining"
				case len(active) > 0 && !active[sh.ID]:
					state = "filtered"
				}
				tbl.AddRow(sh.ID, sh.Host, state)
			}
			tbl.Print(w)
		})
	},
}

var namespacesCmd = &cobra.Command{
	Use:     "namespaces",
	Aliases: []string{"ns"},
	Short:   "List sharded collections",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		namespaces, err := s.catalog.ListNamespaces(ctx)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), namespaces, func(w io.Writer) {
			tbl := client.NewTable("namespace", "key", "unique")
			for _, ns := range namespaces {
				tbl.AddRow(ns.Name, ns.KeyPattern.String(), strconv.FormatBool(ns.Unique))
			}
			tbl.Print(w)
		})
	},
}

var chunksLimit int

var chunksCmd = &cobra.Command{
	Use:   "chunks <namespace>",
	Short: "List the chunks of a sharded collection in key order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		ns, err := s.catalog.Namespace(ctx, args[0])
		if err != nil {
			return err
		}

		var chunks []cluster.ChunkRange
		total := 0
		perShard := make(map[string]int)
		err = s.catalog.WalkChunks(ctx, ns, orphanageClient.Config.Scan.PageSize, func(c cluster.ChunkRange) error {
			total++
			perShard[c.Shard]++
			if chunksLimit <= 0 || len(chunks) < chunksLimit {
				chunks = append(chunks, c)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return emit(cmd.OutOrStdout(), chunks, func(w io.Writer) {
			tbl := client.NewTable("min", "max", "shard", "jumbo")
			for _, c := range chunks {
				jumbo := ""
				if c.Jumbo {
					jumbo = "yes"
				}
				tbl.AddRow(c.Min.String(), c.Max.String(), c.Shard, jumbo)
			}
			tbl.Print(w)
			fmt.Fprintf(w, "\n%d chunk(s)", total)
			if len(chunks) < total {
				fmt.Fprintf(w, ", first %d shown", len(chunks))
			}
			fmt.Fprintln(w)
			for _, sh := range sortedKeys(perShard) {
				fmt.Fprintf(w, "  %s: %d\n", sh, perShard[sh])
			}
		})
	},
}

func init() {
	chunksCmd.Flags().IntVar(&chunksLimit, "limit", 0, "Show at most this many chunks (0 for all)")

	rootCmd.AddCommand(shardsCmd, namespacesCmd, chunksCmd)
}
