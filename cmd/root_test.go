// -- cmd/root_test.go --
package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kexley/coinloop/internal/observability"
)

// TestInitializeViper_Defaults verifies the defaults land in the global viper
// and environment variables override them.
func TestInitializeViper_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("COINLOOP_LOGGER_LEVEL", "debug")
	require.NoError(t, initializeViper())

	assert.Equal(t, "debug", viper.GetString("logger.level"))
	assert.Equal(t, 8, viper.GetInt("solver.max_attempts"))
	assert.Equal(t, "coinloop", viper.GetString("logger.service_name"))
}

// TestRootCommand_Version verifies the version subcommand runs end to end,
// including config load and logger setup.
func TestRootCommand_Version(t *testing.T) {
	viper.Reset()
	observability.ResetForTest()
	t.Cleanup(func() {
		viper.Reset()
		observability.ResetForTest()
		rootCmd.SetArgs(nil)
	})

	// Keep the file core out of the package directory.
	t.Setenv("COINLOOP_LOGGER_LOG_FILE", t.TempDir()+"/coinloop.log")

	rootCmd.SetArgs([]string{"version"})
	assert.NoError(t, rootCmd.Execute())
	require.NotNil(t, cfg)
	assert.Equal(t, "coinloop", cfg.Logger.ServiceName)
}
