package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/resilience"
)

func subcommandNames(c *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range c.Commands() {
		names[sub.Name()] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(rootCmd)
	for _, name := range []string{"serve", "run", "schema", "candidates", "jobs", "audit", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "pald", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestNestedSubcommands(t *testing.T) {
	tests := []struct {
		parent *cobra.Command
		want   []string
	}{
		{schemaCmd, []string{"show", "publish", "upgrade"}},
		{candidatesCmd, []string{"list", "promote", "reject"}},
		{jobsCmd, []string{"process", "list", "requeue"}},
		{auditCmd, []string{"export"}},
	}
	for _, tt := range tests {
		t.Run(tt.parent.Name(), func(t *testing.T) {
			names := subcommandNames(tt.parent)
			for _, n := range tt.want {
				assert.True(t, names[n], "%s is missing %q", tt.parent.Name(), n)
			}
		})
	}
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"text", "record", "session", "defer-bias", "feedback"} {
		require.NotNil(t, runCmd.Flags().Lookup(name), "run command should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("no-worker"))
}

func TestReadRecordFile(t *testing.T) {
	dir := t.TempDir()

	full := filepath.Join(dir, "full.yaml")
	require.NoError(t, os.WriteFile(full, []byte("schema_version: v1\ncontent:\n  hair_color: red\n  accessories: [hat, scarf]\n"), 0o600))
	rec, err := readRecordFile(full)
	require.NoError(t, err)
	assert.Equal(t, "v1", rec.SchemaVersion)
	assert.Equal(t, "red", rec.Content["hair_color"])
	assert.Equal(t, []any{"hat", "scarf"}, rec.Content["accessories"])

	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`{"hair_color": "brown", "age_range": "teen"}`), 0o600))
	rec, err = readRecordFile(bare)
	require.NoError(t, err)
	assert.Empty(t, rec.SchemaVersion)
	assert.Equal(t, "teen", rec.Content["age_range"])

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("{}\n"), 0o600))
	_, err = readRecordFile(empty)
	assert.Error(t, err)

	_, err = readRecordFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPrintOutcome(t *testing.T) {
	out := &convergence.Outcome{
		ConvergenceState: model.ConvergenceState{
			SessionID:   "s1",
			Iteration:   2,
			Status:      model.LoopStatusExhausted,
			Diagnostic:  "similarity below threshold",
			DiffHistory: []model.DiffResult{{Similarity: 0.5}},
		},
		BiasJobID: "job-1",
	}
	var buf bytes.Buffer
	require.NoError(t, printOutcome(&buf, out))

	first, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	assert.Equal(t, "session s1: exhausted after 2 iteration(s), similarity 0.500 (similarity below threshold), bias job job-1", string(first))
	assert.Contains(t, buf.String(), `"bias_job_id": "job-1"`)
}

func TestSuccessor(t *testing.T) {
	active, err := model.NewSchema("v3", "v2", []model.FieldSpec{{Path: "hair_color", Type: model.FieldTypeString}})
	require.NoError(t, err)

	next, err := successor(&model.Schema{Fields: []model.FieldSpec{
		{Path: "hair_color", Type: model.FieldTypeString},
		{Path: "scarf", Type: model.FieldTypeString},
	}}, active)
	require.NoError(t, err)
	assert.Equal(t, "v4", next.Version)
	assert.Equal(t, "v3", next.Parent)
	assert.Equal(t, next.ComputeChecksum(), next.Checksum)
	assert.True(t, next.Has("scarf"))
}

func TestIterationRetry(t *testing.T) {
	base := resilience.FromRetryConfig(5, 100, 1000, 2, 0.1)

	p := iterationRetry(base, 2)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, base.InitialBackoff, p.InitialBackoff)
	assert.Equal(t, 5, base.MaxAttempts)

	assert.Equal(t, 5, iterationRetry(base, 0).MaxAttempts)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
