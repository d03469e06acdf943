package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/protocol"
)

// seedLedger records one four-node call with a single outbox record.
func seedLedger(t *testing.T, path, correlationID string) {
	t.Helper()
	l, err := ledger.Open(path)
	require.NoError(t, err)
	defer l.Close()

	_, created, err := l.Reserve(context.Background(), ledger.Reservation{
		CorrelationID: correlationID,
		RequestType:   "PartialChoiceCodesRequest",
		ContextID:     "ee1/vc1",
		Nodes:         protocol.Nodes(4),
		Outbox: []ledger.OutboxRecord{{
			DedupID:       correlationID + "-1",
			CorrelationID: correlationID,
			Address:       "quorum.requests.1",
			NodeID:        1,
			MessageType:   "PartialChoiceCodesRequest",
			Body:          []byte{0xa0},
		}},
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeConfig(t, "nodes: 3\ntenant: canton-vs\n")

	out, err := runCLI(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 3 nodes, tenant canton-vs, memory broker")
}

func TestConfigValidate_UsesConfigFlag(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := runCLI(t, "--config", path, "--format", "json", "config", "validate")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   configSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Nodes)
	assert.Equal(t, "default", resp.Data.Tenant)
}

func TestConfigValidate_Invalid(t *testing.T) {
	path, _ := writeConfig(t, "nodes: 0\n")

	out, err := runCLI(t, "--format", "json", "config", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConfig, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "invalid config")
}

func TestConfigValidate_NoPath(t *testing.T) {
	_, err := runCLI(t, "config", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLedgerList(t *testing.T) {
	path, ledgerPath := writeConfig(t, "")
	seedLedger(t, ledgerPath, "corr-1")

	out, err := runCLI(t, "--config", path, "ledger", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CORRELATION")
	assert.Contains(t, out, "corr-1")
	assert.Contains(t, out, "ee1/vc1")

	out, err = runCLI(t, "--config", path, "--format", "json", "ledger", "list")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   ledgerListing `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Rows, 4)
	for i, row := range resp.Data.Rows {
		assert.Equal(t, "corr-1", row.CorrelationID)
		assert.Equal(t, i+1, row.Node)
		assert.Empty(t, row.ResponseType)
	}
}

func TestLedgerList_Empty(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := runCLI(t, "--config", path, "ledger", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No calls in flight.")
}

func TestLedgerPurge(t *testing.T) {
	path, ledgerPath := writeConfig(t, "")
	seedLedger(t, ledgerPath, "corr-1")

	out, err := runCLI(t, "--config", path, "ledger", "purge", "corr-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 4 rows of corr-1.")

	out, err = runCLI(t, "--config", path, "outbox", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Outbox is empty.", "purge drops unsent messages too")

	out, err = runCLI(t, "--config", path, "ledger", "purge", "corr-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestLedgerCommands_BadConfig(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "ledger", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOutboxList(t *testing.T) {
	path, ledgerPath := writeConfig(t, "")
	seedLedger(t, ledgerPath, "corr-1")

	out, err := runCLI(t, "--config", path, "--format", "json", "outbox", "list")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   outboxListing `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Records, 1)
	assert.Equal(t, "corr-1-1", resp.Data.Records[0].DedupID)
	assert.Equal(t, "quorum.requests.1", resp.Data.Records[0].Address)

	out, err = runCLI(t, "--config", path, "outbox", "list", "--min-age", time.Hour.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Outbox is empty.", "the record is younger than an hour")
}

func TestOutboxSweep(t *testing.T) {
	path, ledgerPath := writeConfig(t, "")
	seedLedger(t, ledgerPath, "corr-1")

	out, err := runCLI(t, "--config", path, "outbox", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Republished 1 records.")

	out, err = runCLI(t, "--config", path, "outbox", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Outbox is empty.")

	out, err = runCLI(t, "--config", path, "ledger", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "corr-1", "sweeping does not touch the rows")
}
