package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentuity/scylla/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "scylla.env")
	require.NoError(t, os.WriteFile(fn, []byte(`
REDSHIFT_HOST=rs.example.com
REDSHIFT_PASSWORD="s3cr3t"
# comment
REDSHIFT_DSN='postgres://${REDSHIFT_HOST}:5439/dev'
`), 0600))

	got, err := ParseEnvFile(fn)
	require.NoError(t, err)
	assert.Equal(t, []EnvLine{
		{Key: "REDSHIFT_HOST", Val: "rs.example.com"},
		{Key: "REDSHIFT_PASSWORD", Val: "s3cr3t"},
		{Key: "REDSHIFT_DSN", Val: "postgres://rs.example.com:5439/dev"},
	}, got)

	got, err = ParseEnvFile(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessEnvLine(t *testing.T) {
	assert.Equal(t, EnvLine{Key: "A", Val: "b=c"}, ProcessEnvLine("A=b=c"))
	assert.Equal(t, EnvLine{Key: "A", Val: ""}, ProcessEnvLine("A="))
	assert.Equal(t, EnvLine{Key: "A"}, ProcessEnvLine("A"))
	assert.Equal(t, EnvLine{Key: "A", Val: "'"}, ProcessEnvLine("A='"))
	assert.Equal(t, EnvLine{Key: "A", Val: "x y"}, ProcessEnvLine(`A="x y"`))
}

func TestInterpolate(t *testing.T) {
	t.Setenv("SCYLLA_TEST_HOST", "from-env")
	vars := map[string]string{"DB": "warehouse"}

	assert.Equal(t, "hive://from-env:10000/warehouse", Interpolate("hive://${SCYLLA_TEST_HOST}:10000/${DB}", vars))
	assert.Equal(t, "redis://localhost:6379/7", Interpolate("${REDIS_URL_UNSET:-redis://localhost:6379/7}", vars))
	assert.Equal(t, "${UNSET_NO_DEFAULT}", Interpolate("${UNSET_NO_DEFAULT}", vars))
	assert.Equal(t, "from-env", Interpolate("${env:SCYLLA_TEST_HOST}", vars))
	assert.Equal(t, "${env:DB}", Interpolate("${env:DB}", vars))
	assert.Equal(t, "${}", Interpolate("${}", vars))
	assert.Equal(t, "plain", Interpolate("plain", vars))
	assert.Equal(t, "x ${broken", Interpolate("x ${broken", vars))
}

func TestMap(t *testing.T) {
	m := Map([]EnvLine{{Key: "A", Val: "1"}, {Key: "A", Val: "2"}, {Key: "B", Val: "3"}})
	assert.Equal(t, map[string]string{"A": "2", "B": "3"}, m)
}

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("format", "csv", "")

	assert.Equal(t, "csv", FlagOrEnv(cmd, "format", "SCYLLA_FORMAT", "json"))

	t.Setenv("SCYLLA_FORMAT", "msgpack")
	assert.Equal(t, "msgpack", FlagOrEnv(cmd, "format", "SCYLLA_FORMAT", "json"))

	require.NoError(t, cmd.Flags().Set("format", "json"))
	assert.Equal(t, "json", FlagOrEnv(cmd, "format", "SCYLLA_FORMAT", "csv"))

	assert.Equal(t, "fallback", FlagOrEnv(cmd, "missing", "SCYLLA_MISSING", "fallback"))
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		flag, env string
		expected  logger.LogLevel
	}{
		{"debug", "", logger.LevelDebug},
		{"", "WARN", logger.LevelWarn},
		{"error", "debug", logger.LevelError},
		{"", "trace", logger.LevelTrace},
		{"", "", logger.LevelInfo},
		{"bogus", "", logger.LevelInfo},
	}
	for _, tt := range tests {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("log-level", "", "")
		if tt.flag != "" {
			require.NoError(t, cmd.Flags().Set("log-level", tt.flag))
		}
		t.Setenv(logger.LevelEnv, tt.env)
		assert.Equal(t, tt.expected, LogLevel(cmd), "flag=%q env=%q", tt.flag, tt.env)
	}
}
