package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "cipherline", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"serve", "stats", "shutdown"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("socket"))
}

func TestShutdownFlags(t *testing.T) {
	cmd := NewRootCommand()
	shutdown, _, err := cmd.Find([]string{"shutdown"})
	require.NoError(t, err)

	reason := shutdown.Flags().Lookup("reason")
	require.NotNil(t, reason)
	assert.Equal(t, "maintenance", reason.DefValue)
	require.NotNil(t, shutdown.Flags().Lookup("until"))
}

func TestSocketFlagOverridesConfig(t *testing.T) {
	opts := &RootOptions{Socket: "/tmp/elsewhere.sock"}
	cfg, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere.sock", cfg.ControlSocket)
}
