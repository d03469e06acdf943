package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a
// running replica's logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeConfig writes a config file whose ledger lives in a temp dir and
// returns the config and ledger paths.
func writeConfig(t *testing.T, extra string) (configPath, ledgerPath string) {
	t.Helper()
	dir := t.TempDir()
	ledgerPath = filepath.Join(dir, "ledger.db")
	configPath = filepath.Join(dir, "quorum.yaml")
	body := "ledger:\n  path: " + ledgerPath + "\n" + extra
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return configPath, ledgerPath
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "quorum", cmd.Use)
	assert.Contains(t, cmd.Long, "exactly once")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"simulate"},
		{"ledger", "list"},
		{"ledger", "purge"},
		{"outbox", "list"},
		{"outbox", "sweep"},
		{"config", "validate"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestSimulateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	simCmd, _, err := cmd.Find([]string{"simulate"})
	require.NoError(t, err)

	callsFlag := simCmd.Flags().Lookup("calls")
	require.NotNil(t, callsFlag)
	assert.Equal(t, "3", callsFlag.DefValue)

	for _, name := range []string{"delay", "down", "duplicates", "timeout", "ledger"} {
		assert.NotNil(t, simCmd.Flags().Lookup(name), "flag --%s", name)
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	metricsFlag := serveCmd.Flags().Lookup("metrics-address")
	require.NotNil(t, metricsFlag)
	assert.Equal(t, "", metricsFlag.DefValue)
}

func TestOutboxCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, sub := range []string{"list", "sweep"} {
		outboxCmd, _, err := cmd.Find([]string{"outbox", sub})
		require.NoError(t, err)

		minAge := outboxCmd.Flags().Lookup("min-age")
		require.NotNil(t, minAge, "outbox %s --min-age", sub)
		assert.Equal(t, "0s", minAge.DefValue)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCLI(t, "--format", "xml", "config", "validate", "x.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
