package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/orphanage/internal/client"
	"github.com/otherjamesbrown/orphanage/internal/cluster"
)

type statusOutput struct {
	URI        string                `json:"uri" yaml:"uri"`
	Version    string                `json:"version" yaml:"version"`
	Mode       string                `json:"mode" yaml:"mode"`
	Balancer   cluster.BalancerState `json:"balancer" yaml:"balancer"`
	Shards     int                   `json:"shards" yaml:"shards"`
	Namespaces int                   `json:"namespaces" yaml:"namespaces"`
	Status     string                `json:"status" yaml:"status"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show router, comparison mode and balancer state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		balancer, err := s.catalog.BalancerState(ctx)
		if err != nil {
			return err
		}
		shards, err := s.catalog.ListShards(ctx)
		if err != nil {
			return err
		}
		namespaces, err := s.catalog.ListNamespaces(ctx)
		if err != nil {
			return err
		}

		out := statusOutput{
			URI:        client.RedactURI(orphanageClient.Config.URI),
			Version:    s.catalog.Version(),
			Mode:       s.catalog.Mode().String(),
			Balancer:   balancer,
			Shards:     len(shards),
			Namespaces: len(namespaces),
			Status:     "connected",
		}
		return emit(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintln(w, "orphanage")
			fmt.Fprintf(w, "  Router:     %s\n", out.URI)
			fmt.Fprintf(w, "  Version:    %s\n", out.Version)
			fmt.Fprintf(w, "  Comparison: %s\n", out.Mode)
			fmt.Fprintf(w, "  Balancer:   %s\n", balancer)
			fmt.Fprintf(w, "  Shards:     %d\n", out.Shards)
			fmt.Fprintf(w, "  Sharded:    %d collection(s)\n", out.Namespaces)
			if !balancer.Stopped() {
				fmt.Fprintln(w, "  Run sh.stopBalancer() before scanning.")
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
