package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMissingDatabase(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Node: "node-a"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunMissingConfigFile(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Config: "/nonexistent/agora.yaml"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunWithTimeout(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "node.db")

	buf := &syncBuffer{}
	rootOpts := &RootOptions{Format: "text", Database: dbPath, Node: "node-a"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--sweep-interval", "50ms"})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.ExecuteContext(ctx)
	}()

	select {
	case err := <-errChan:
		require.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("command did not respect context timeout")
	}

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "database should be created")
	assert.Contains(t, buf.String(), "Node node-a started")
}

func TestRunServesMetrics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "node.db")

	rootOpts := &RootOptions{Format: "text", Database: dbPath, Node: "node-a"}
	opts := &RunOptions{RootOptions: rootOpts, MetricsAddr: "127.0.0.1:0"}
	addrs := make(chan string, 1)
	opts.Listening = func(addr string) { addrs <- addr }

	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cmd.SetContext(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- runNode(cmd, opts)
	}()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-errChan:
		cancel()
		t.Fatalf("node exited early: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("metrics listener never came up")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agora_remote_cache_evictions_total")

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("node did not stop after cancel")
	}
}
