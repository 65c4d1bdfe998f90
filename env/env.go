// Package env resolves settings from cobra flags, the process environment and
// optional env files holding secrets referenced by the configuration.
package env

import (
	"log"
	"os"
	"strings"

	"github.com/agentuity/scylla/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// Prefix is prepended to every environment variable scyllad reads.
const Prefix = "SCYLLA_"

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses an environment file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return []EnvLine{}, nil
		}
		return nil, errors.Wrapf(err, "error reading env file %s", filename)
	}
	return ParseEnvBuffer(buf)
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ProcessEnvLine splits KEY=value, removing surrounding quotes from the value.
func ProcessEnvLine(env string) EnvLine {
	key, val, ok := strings.Cut(env, "=")
	if !ok {
		return EnvLine{Key: env}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// ParseEnvBuffer parses KEY=value lines, skipping blanks and # comments.
// Values may reference earlier keys as ${KEY}.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	vars := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = Interpolate(env.Val, vars)
		vars[env.Key] = env.Val
		envs = append(envs, env)
	}
	return envs, nil
}

// Map turns parsed lines into a lookup table. Later keys win.
func Map(lines []EnvLine) map[string]string {
	m := make(map[string]string, len(lines))
	for _, l := range lines {
		m[l.Key] = l.Val
	}
	return m
}

type reference struct {
	name string
	def  string
}

func findClosingBrace(input string, start int) int {
	for i := start; i < len(input); i++ {
		switch input[i] {
		case '{':
			return -1
		case '}':
			return i
		}
	}
	return -1
}

func parseReference(inner string) reference {
	name, def, _ := strings.Cut(inner, ":-")
	return reference{name: name, def: def}
}

// Interpolate expands ${NAME} and ${NAME:-default} references. NAME is looked
// up in vars first, then in the process environment; ${env:NAME} only
// consults the environment. Unresolved references without a default are left
// untouched.
func Interpolate(input string, vars map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	var out strings.Builder
	last := 0
	for i := 0; i+1 < len(input); i++ {
		if input[i] != '$' || input[i+1] != '{' {
			continue
		}
		end := findClosingBrace(input, i+2)
		if end == -1 {
			break
		}
		out.WriteString(input[last:i])
		raw := input[i : end+1]
		ref := parseReference(input[i+2 : end])

		var val string
		switch {
		case ref.name == "":
			val = raw
		case strings.HasPrefix(ref.name, "env:"):
			val = os.Getenv(strings.TrimPrefix(ref.name, "env:"))
		default:
			val = vars[ref.name]
			if val == "" {
				val = os.Getenv(ref.name)
			}
		}
		if val == "" {
			if ref.def != "" {
				val = ref.def
			} else {
				val = raw
			}
		}
		out.WriteString(val)
		i = end
		last = end + 1
	}
	out.WriteString(input[last:])
	return out.String()
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if f := cmd.Flags().Lookup(flagName); f != nil && f.Changed {
		return f.Value.String()
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	if f := cmd.Flags().Lookup(flagName); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return defaultValue
}

// LogLevel reads --log-level, then SCYLLA_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, "info"), logger.LevelInfo)
}

// NewLogger returns the daemon logger: JSON when --log-format (or
// SCYLLA_LOG_FORMAT) is json, console otherwise.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	level := LogLevel(cmd)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", Prefix+"LOG_FORMAT", "console"), "json") {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}
