package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/otherjamesbrown/orphanage/internal/client"
	"github.com/otherjamesbrown/orphanage/internal/orphan"
)

// emit writes data in the selected output format, using text for the
// text format.
func emit(w io.Writer, data interface{}, text func(io.Writer)) error {
	if outputFormat == "text" {
		text(w)
		return nil
	}
	s, err := client.FormatOutput(data, outputFormat)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, s)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderScan(w io.Writer, res *orphan.ScanResult) {
	fmt.Fprintf(w, "%s (%s)\n", res.Namespace, res.Mode)
	fmt.Fprintf(w, "  Chunks scanned: %d\n", res.ChunksScanned)
	fmt.Fprintf(w, "  Orphans:        %d in %d chunk(s)\n", res.Count, res.Len())
	fmt.Fprintf(w, "  Duration:       %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	if res.Approximate {
		fmt.Fprintln(w, "  WARNING: approximate comparison, counts may include documents of neighbouring chunks")
	}
	for _, f := range res.UnreachableShards {
		fmt.Fprintf(w, "  WARNING: shard %s not scanned: %s\n", f.Shard, f.Reason)
	}
	for _, c := range res.SkippedChunks {
		fmt.Fprintf(w, "  WARNING: chunk %s -> %s skipped (ordering anomaly)\n", c.Min, c.Max)
	}

	if len(res.ShardCounts) > 0 {
		fmt.Fprintln(w)
		tbl := client.NewTable("shard", "orphans")
		for _, id := range sortedKeys(res.ShardCounts) {
			tbl.AddRow(id, strconv.FormatInt(res.ShardCounts[id], 10))
		}
		tbl.Print(w)
	}

	if res.Len() > 0 {
		fmt.Fprintln(w)
		tbl := client.NewTable("min", "max", "owner", "orphaned on", "count", "removed")
		for _, bc := range res.BadChunks {
			removed := ""
			if bc.Removed {
				removed = strconv.FormatInt(bc.RemovedCount, 10)
			}
			tbl.AddRow(
				client.Truncate(bc.Min.String(), 40),
				client.Truncate(bc.Max.String(), 40),
				bc.Shard,
				bc.OrphanedOn,
				strconv.FormatInt(bc.OrphanCount, 10),
				removed,
			)
		}
		tbl.Print(w)
	}
}

func renderRemoveReport(w io.Writer, report *orphan.RemoveReport) {
	fmt.Fprintf(w, "Removed %d document(s) from %d chunk(s)", report.Removed, report.Chunks)
	if report.Skipped > 0 {
		fmt.Fprintf(w, ", %d already removed", report.Skipped)
	}
	fmt.Fprintln(w)
	for _, f := range report.Failures {
		fmt.Fprintf(w, "  FAILED %s on %s: %v\n", f.Chunk.ChunkRange, f.Chunk.OrphanedOn, f.Err)
	}
}

// removeOutput is the json/yaml shape of a remove run.
type removeOutput struct {
	RunID    string              `json:"run_id" yaml:"run_id"`
	Scan     *orphan.ScanResult  `json:"scan" yaml:"scan"`
	Removed  int64               `json:"removed" yaml:"removed"`
	Chunks   int                 `json:"chunks" yaml:"chunks"`
	Skipped  int                 `json:"skipped" yaml:"skipped"`
	Failures []removeFailureView `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type removeFailureView struct {
	Min   string `json:"min" yaml:"min"`
	Max   string `json:"max" yaml:"max"`
	Shard string `json:"shard" yaml:"shard"`
	Error string `json:"error" yaml:"error"`
}

func newRemoveOutput(runID string, res *orphan.ScanResult, report *orphan.RemoveReport) removeOutput {
	out := removeOutput{
		RunID:   runID,
		Scan:    res,
		Removed: report.Removed,
		Chunks:  report.Chunks,
		Skipped: report.Skipped,
	}
	for _, f := range report.Failures {
		out.Failures = append(out.Failures, removeFailureView{
			Min:   f.Chunk.Min.String(),
			Max:   f.Chunk.Max.String(),
			Shard: f.Chunk.OrphanedOn,
			Error: f.Err.Error(),
		})
	}
	return out
}
