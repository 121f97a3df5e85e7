package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "agora", cmd.Use)
	assert.Contains(t, cmd.Long, "agreements")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"run"},
		{"publish"},
		{"unsubscribe"},
		{"poll"},
		{"sweep"},
		{"scenario"},
		{"negotiate", "counter"},
		{"negotiate", "reject"},
		{"negotiate", "promote"},
		{"negotiate", "history"},
		{"agreement", "confirm"},
		{"agreement", "approve"},
		{"agreement", "reject"},
		{"agreement", "cancel"},
		{"agreement", "terminate"},
		{"agreement", "show"},
		{"agreement", "list"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
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

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("node"))
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	require.NotNil(t, runCmd.Flags().Lookup("metrics-addr"))
	require.NotNil(t, runCmd.Flags().Lookup("sweep-interval"))
}

func TestAgreementTransitionFlags(t *testing.T) {
	cmd := NewRootCommand()

	approve, _, err := cmd.Find([]string{"agreement", "approve"})
	require.NoError(t, err)
	assert.NotNil(t, approve.Flags().Lookup("signature"))
	assert.Nil(t, approve.Flags().Lookup("by"), "approve is always the provider")

	terminate, _, err := cmd.Find([]string{"agreement", "terminate"})
	require.NoError(t, err)
	assert.NotNil(t, terminate.Flags().Lookup("by"))
	assert.NotNil(t, terminate.Flags().Lookup("reason"))

	confirm, _, err := cmd.Find([]string{"agreement", "confirm"})
	require.NoError(t, err)
	assert.Nil(t, confirm.Flags().Lookup("reason"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
