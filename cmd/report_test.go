package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/orphanage/internal/client"
	"github.com/otherjamesbrown/orphanage/internal/cluster"
	"github.com/otherjamesbrown/orphanage/internal/orphan"
)

func withOutput(t *testing.T, format string) {
	t.Helper()
	prev := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = prev })
}

func sampleResult() *orphan.ScanResult {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	chunk := func(lo, hi interface{}, shard string) cluster.ChunkRange {
		return cluster.ChunkRange{
			Namespace: "test.orders",
			Min:       cluster.Bound(bson.D{{Key: "x", Value: lo}}),
			Max:       cluster.Bound(bson.D{{Key: "x", Value: hi}}),
			Shard:     shard,
		}
	}
	return &orphan.ScanResult{
		Namespace:   "test.orders",
		KeyPattern:  cluster.Bound(bson.D{{Key: "x", Value: int32(1)}}),
		Mode:        cluster.ModeExact,
		Count:       3,
		ShardCounts: map[string]int64{"s1": 1, "s2": 2},
		BadChunks: []*orphan.BadChunk{
			{ChunkRange: chunk(primitive.MinKey{}, int32(0), "s1"), OrphanedOn: "s2", OrphanCount: 2},
			{ChunkRange: chunk(int32(0), int32(100), "s2"), OrphanedOn: "s1", OrphanCount: 1, Removed: true, RemovedCount: 1},
		},
		ChunksScanned: 3,
		StartedAt:     start,
		FinishedAt:    start.Add(1500 * time.Millisecond),
	}
}

func TestRenderScan(t *testing.T) {
	var buf bytes.Buffer
	renderScan(&buf, sampleResult())
	out := buf.String()

	assert.Contains(t, out, "test.orders (exact)")
	assert.Contains(t, out, "Chunks scanned: 3")
	assert.Contains(t, out, "Orphans:        3 in 2 chunk(s)")
	assert.Contains(t, out, "Duration:       1.5s")
	assert.Contains(t, out, "$minKey")
	assert.NotContains(t, out, "WARNING")
}

func TestRenderScanWarnings(t *testing.T) {
	res := sampleResult()
	res.Approximate = true
	res.UnreachableShards = []cluster.ShardFailure{{Shard: "s3", Reason: "connection refused"}}
	res.SkippedChunks = []cluster.ChunkRange{res.BadChunks[0].ChunkRange}

	var buf bytes.Buffer
	renderScan(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "approximate comparison")
	assert.Contains(t, out, "shard s3 not scanned: connection refused")
	assert.Contains(t, out, "skipped (ordering anomaly)")
}

func TestRenderRemoveReport(t *testing.T) {
	res := sampleResult()
	report := &orphan.RemoveReport{
		Removed: 5,
		Chunks:  2,
		Skipped: 1,
		Failures: []orphan.ChunkFailure{
			{Chunk: res.BadChunks[0], Err: errors.New("not primary")},
		},
	}

	var buf bytes.Buffer
	renderRemoveReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "Removed 5 document(s) from 2 chunk(s), 1 already removed")
	assert.Contains(t, out, "FAILED test.orders")
	assert.Contains(t, out, "on s2: not primary")
}

func TestNewRemoveOutput(t *testing.T) {
	res := sampleResult()
	report := &orphan.RemoveReport{
		Removed:  1,
		Chunks:   1,
		Failures: []orphan.ChunkFailure{{Chunk: res.BadChunks[0], Err: errors.New("boom")}},
	}

	out := newRemoveOutput("run-1", res, report)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, "s2", out.Failures[0].Shard)
	assert.Equal(t, "boom", out.Failures[0].Error)
	assert.Equal(t, `{"x":{"$minKey":1}}`, out.Failures[0].Min)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["removed"])
	scan := decoded["scan"].(map[string]interface{})
	assert.Equal(t, "exact", scan["mode"])
}

func TestEmit(t *testing.T) {
	data := map[string]int{"a": 1}

	t.Run("text", func(t *testing.T) {
		withOutput(t, "text")
		var buf bytes.Buffer
		called := false
		require.NoError(t, emit(&buf, data, func(w io.Writer) { called = true }))
		assert.True(t, called)
	})

	t.Run("json", func(t *testing.T) {
		withOutput(t, "json")
		var buf bytes.Buffer
		require.NoError(t, emit(&buf, data, func(w io.Writer) { t.Fatal("text renderer called") }))
		assert.JSONEq(t, `{"a":1}`, buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		withOutput(t, "yaml")
		var buf bytes.Buffer
		require.NoError(t, emit(&buf, data, nil))
		var decoded map[string]int
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, data, decoded)
	})
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(map[string]int{"c": 3, "a": 1, "b": 2}))
	assert.Empty(t, sortedKeys(map[string]bool{}))
}

func TestScanArgs(t *testing.T) {
	prev := scanAll
	t.Cleanup(func() { scanAll = prev })

	scanAll = false
	assert.Error(t, scanCmd.Args(scanCmd, nil))
	assert.NoError(t, scanCmd.Args(scanCmd, []string{"test.orders"}))

	scanAll = true
	assert.NoError(t, scanCmd.Args(scanCmd, nil))
	assert.Error(t, scanCmd.Args(scanCmd, []string{"test.orders"}))
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "orphanage version "+Version+"\n", buf.String())
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		uriFlag, shardsFlag, initForce = "", "", false
	})

	rootCmd.SetArgs([]string{"init", "--uri", "mongodb://router:27017", "--shards", "s1, s2"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "Created .orphanage.yaml")

	data, err := os.ReadFile(filepath.Join(dir, client.ProjectConfigFile))
	require.NoError(t, err)
	var cfg client.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "mongodb://router:27017", cfg.URI)
	assert.Equal(t, []string{"s1", "s2"}, cfg.Shards.Active)
	assert.Equal(t, orphan.DefaultBatchSize, cfg.Remove.BatchSize)
	assert.True(t, cfg.Remove.BalancerParanoia)

	rootCmd.SetArgs([]string{"init"})
	assert.ErrorContains(t, rootCmd.Execute(), "already exists")

	rootCmd.SetArgs([]string{"init", "--force"})
	assert.NoError(t, rootCmd.Execute())
}

func TestCheckApproximate(t *testing.T) {
	single := cluster.Bound(bson.D{{Key: "x", Value: int32(1)}})
	compound := cluster.Bound(bson.D{{Key: "x", Value: int32(1)}, {Key: "y", Value: int32(1)}})
	hashed := cluster.Bound(bson.D{{Key: "x", Value: "hashed"}})

	tests := []struct {
		name        string
		key         cluster.Bound
		approximate bool
		allow       bool
		wantErr     string
	}{
		{name: "exact hashed", key: hashed},
		{name: "approximate single", key: single, approximate: true},
		{name: "approximate compound", key: compound, approximate: true, wantErr: "--allow-approximate"},
		{name: "approximate compound allowed", key: compound, approximate: true, allow: true},
		{name: "approximate hashed", key: hashed, approximate: true, wantErr: "hashed key"},
		{name: "approximate hashed allowed", key: hashed, approximate: true, allow: true, wantErr: "hashed key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sampleResult()
			res.KeyPattern = tt.key
			res.Approximate = tt.approximate

			err := checkApproximate(res, tt.allow)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
	assert.ErrorIs(t, checkApproximate(&orphan.ScanResult{KeyPattern: hashed, Approximate: true}, true),
		cluster.ErrHashedApproximate)
}

// testChdir changes the working directory for the duration of the test,
// restoring the original on cleanup (equivalent to testing.T.Chdir, which
// is unavailable before Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
