package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CodeCalls, "2 calls failed", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E004", resp.Error.Code)
	assert.Equal(t, "2 calls failed", resp.Error.Message)
	assert.Nil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error(CodeConfig, "invalid config", "nodes: out of bound")
	require.NoError(t, err)
	assert.Equal(t, "Error [E001]: invalid config\n", buf.String(), "details only in verbose mode")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(CodeConfig, "invalid config", "nodes: out of bound"))
	assert.Contains(t, buf.String(), "Details: nodes: out of bound")
}

func TestOutputFormatter_TextSuccessUsesStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success(sweepResult{Republished: 3}))
	assert.Equal(t, "Republished 3 records.\n", buf.String())
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "calls failed", errors.New("timeout"))), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open ledger", cause)
	assert.Equal(t, "failed to open ledger: disk full", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "no config file given", NewExitError(ExitCommandError, "no config file given").Error())
}

func TestTable(t *testing.T) {
	got := table([]string{"NODE", "CODES"}, [][]string{{"1", "2"}, {"10", "2"}})
	assert.Equal(t, "NODE  CODES\n1     2\n10    2", got)
}
