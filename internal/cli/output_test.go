package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agora/internal/market"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"id": "sub-1"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"id": "sub-1"}, resp.Data)
}

func TestOutputFormatter_PrintChoosesByFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	text := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, text.Print("published sub-1", map[string]string{"id": "sub-1"}))
	assert.Equal(t, "published sub-1\n", buf.String())

	buf.Reset()
	js := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, js.Print("published sub-1", map[string]string{"id": "sub-1"}))
	assert.Contains(t, buf.String(), `"id":"sub-1"`)
	assert.NotContains(t, buf.String(), "published")
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("STALE_PROPOSAL", "counter failed", map[string]string{"tip": "p1"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "STALE_PROPOSAL", resp.Error.Code)
	assert.Equal(t, "counter failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("NOT_FOUND", "no such agreement", map[string]string{"id": "a1"}))
	assert.Contains(t, buf.String(), "Error [NOT_FOUND]: no such agreement")
	assert.NotContains(t, buf.String(), "Details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("NOT_FOUND", "no such agreement", map[string]string{"id": "a1"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_FailMapsCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantExit int
	}{
		{
			name:     "marketplace error",
			err:      fmt.Errorf("wrapped: %w", market.NewStaleProposalError("p1", "p2")),
			wantCode: "STALE_PROPOSAL",
			wantExit: ExitFailure,
		},
		{
			name:     "exit error keeps its code",
			err:      NewExitError(ExitCommandError, "bad config"),
			wantCode: ErrCodeCommand,
			wantExit: ExitCommandError,
		},
		{
			name:     "plain error",
			err:      errors.New("disk full"),
			wantCode: ErrCodeCommand,
			wantExit: ExitCommandError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: buf}

			err := formatter.Fail("operation failed", tt.err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))
			assert.ErrorIs(t, err, tt.err)

			var resp CLIResponse
			require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			diag := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: diag,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("loading %s", "offer.cue")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, diag.String(), "loading offer.cue")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("outer: %w", NewExitError(ExitFailure, "x"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestGetExitCode_Nil(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
}

func TestReportError(t *testing.T) {
	buf := &bytes.Buffer{}
	ReportError(buf, NewExitError(ExitCommandError, "invalid configuration"))
	assert.Equal(t, "Error: invalid configuration\n", buf.String())

	buf.Reset()
	formatter := &OutputFormatter{Format: "text", Writer: &bytes.Buffer{}}
	ReportError(buf, formatter.Fail("publish failed", errors.New("boom")))
	assert.Empty(t, buf.String(), "errors printed by Fail are not repeated")
}
