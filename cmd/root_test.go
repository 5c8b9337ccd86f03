package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"submit", "run", "status", "cancel", "requeue", "work", "serve", "review", "taxonomy", "health", "questionnaire"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "evidence", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestReviewCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reviewCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "resolve", "sync"} {
		assert.True(t, names[name], "expected review subcommand %q", name)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  string
		flag string
		def  string
	}{
		{"serve", "port", "0"},
		{"serve", "no-workers", "false"},
		{"serve", "no-monitor", "false"},
		{"health", "hours", "0"},
		{"health", "send-alerts", "false"},
		{"work", "pool-size", "0"},
		{"work", "drain", "false"},
		{"submit", "type-hint", ""},
		{"submit", "upload", "false"},
		{"run", "locator", ""},
		{"status", "limit", "50"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd+"/"+tt.flag, func(t *testing.T) {
			c, _, err := rootCmd.Find([]string{tt.cmd})
			require.NoError(t, err)
			f := c.Flags().Lookup(tt.flag)
			require.NotNil(t, f, "%s should have --%s", tt.cmd, tt.flag)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}

	as := reviewResolveCmd.Flags().Lookup("as")
	require.NotNil(t, as)
}

// execute runs the CLI against a ledger in a temp dir and returns stdout.
func execute(t *testing.T, dbPath string, args ...string) []byte {
	t.Helper()
	t.Setenv("EVIDENCE_STORE_DRIVER", "sqlite")
	t.Setenv("EVIDENCE_STORE_DATABASE_URL", dbPath)
	t.Setenv("EVIDENCE_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.Bytes()
}

func TestSubmitStatusCancel(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	var submitted []model.ExtractionJob
	require.NoError(t, json.Unmarshal(
		execute(t, dbPath, "submit", "https://evidence.example.com/acme-soc2.pdf", "--type-hint", "soc2"),
		&submitted,
	))
	require.Len(t, submitted, 1)
	job := submitted[0]
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, "acme-soc2.pdf", job.Document.Name)
	assert.Equal(t, "soc2", job.Document.TypeHint)

	var view jobView
	require.NoError(t, json.Unmarshal(execute(t, dbPath, "status", job.ID), &view))
	assert.Equal(t, job.ID, view.ID)
	assert.Empty(t, view.CompletedPhases)
	assert.False(t, view.Verified)

	var cancelled model.ExtractionJob
	require.NoError(t, json.Unmarshal(execute(t, dbPath, "cancel", job.ID), &cancelled))
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	var requeued model.ExtractionJob
	require.NoError(t, json.Unmarshal(execute(t, dbPath, "requeue", job.ID), &requeued))
	assert.Equal(t, model.JobStatusQueued, requeued.Status)

	var listed []model.ExtractionJob
	require.NoError(t, json.Unmarshal(execute(t, dbPath, "status", "--status", "queued"), &listed))
	assert.Len(t, listed, 1)
}

func TestHealth(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	execute(t, dbPath, "submit", "https://evidence.example.com/a.pdf", "https://evidence.example.com/b.pdf")

	var out struct {
		Metrics struct {
			JobsQueued    int `json:"jobs_queued"`
			LookbackHours int `json:"lookback_hours"`
		} `json:"metrics"`
		Alerts []map[string]any `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(execute(t, dbPath, "health", "--hours", "6"), &out))
	assert.Equal(t, 2, out.Metrics.JobsQueued)
	assert.Equal(t, 6, out.Metrics.LookbackHours)
	assert.Empty(t, out.Alerts)
}
