package config_test

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/dxbackend/config"
	"golang.org/x/exp/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestParseBool(t *testing.T) {
	value, ok := config.ParseBool("True")
	require.True(t, ok)
	require.True(t, value)

	value, ok = config.ParseBool("False")
	require.True(t, ok)
	require.False(t, value)

	_, ok = config.ParseBool("true")
	require.False(t, ok)
	_, ok = config.ParseBool("")
	require.False(t, ok)
}

func TestParseInt32(t *testing.T) {
	testCases := map[string]struct {
		Value    string
		Expected int32
		Valid    bool
	}{
		"Positive":       {Value: "1234", Expected: 1234, Valid: true},
		"Negative":       {Value: "-56", Expected: -56, Valid: true},
		"Zero":           {Value: "0", Expected: 0, Valid: true},
		"PlusRejected":   {Value: "+5", Valid: false},
		"Empty":          {Value: "", Valid: false},
		"SignOnly":       {Value: "-", Valid: false},
		"TrailingGarb":   {Value: "12a", Valid: false},
		"InnerSpace":     {Value: "1 2", Valid: false},
		"DoubleNegative": {Value: "--1", Valid: false},
		"MaxInt32":       {Value: "2147483647", Expected: math.MaxInt32, Valid: true},
		"MinInt32":       {Value: "-2147483648", Expected: math.MinInt32, Valid: true},
		"Overflow":       {Value: "2147483648", Valid: false},
		"Underflow":      {Value: "-2147483649", Valid: false},
		"Huge":           {Value: "99999999999", Valid: false},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			value, ok := config.ParseInt32(testCase.Value)
			require.Equal(t, testCase.Valid, ok)
			if testCase.Valid {
				require.Equal(t, testCase.Expected, value)
			}
		})
	}
}

func TestParseTristate(t *testing.T) {
	value, ok := config.ParseTristate("Auto")
	require.True(t, ok)
	require.Equal(t, config.TristateAuto, value)

	value, ok = config.ParseTristate("True")
	require.True(t, ok)
	require.Equal(t, config.TristateTrue, value)

	value, ok = config.ParseTristate("False")
	require.True(t, ok)
	require.Equal(t, config.TristateFalse, value)

	_, ok = config.ParseTristate("Maybe")
	require.False(t, ok)

	require.Equal(t, "Auto", config.TristateAuto.String())
}

func TestParseFile(t *testing.T) {
	file := `
# leading comment lines are ignored because they never reach an '='
d3d11.allowMapFlagNoWait = True
  dxvk.maxChunkSize=16   trailing words are dropped
not a valid line
d3d11.relaxedBarriers =

[other.exe]
d3d11.dcSingleUseMode = False

[game.exe]
d3d11.dcSingleUseMode = True
dxvk.memoryPriority	=	Auto
`

	cfg, err := config.Parse(strings.NewReader(file), "game.exe")
	require.NoError(t, err)

	require.Equal(t, "True", cfg.Option("d3d11.allowMapFlagNoWait"))
	require.Equal(t, "16", cfg.Option("dxvk.maxChunkSize"))
	require.Equal(t, "", cfg.Option("d3d11.relaxedBarriers"))
	require.Equal(t, "True", cfg.Option("d3d11.dcSingleUseMode"))
	require.Equal(t, "Auto", cfg.Option("dxvk.memoryPriority"))
	require.Equal(t, []string{
		"d3d11.allowMapFlagNoWait",
		"d3d11.dcSingleUseMode",
		"d3d11.relaxedBarriers",
		"dxvk.maxChunkSize",
		"dxvk.memoryPriority",
	}, cfg.Keys())

	require.True(t, cfg.GetBool("d3d11.allowMapFlagNoWait", false))
	require.True(t, cfg.GetBool("d3d11.relaxedBarriers", true))
	require.Equal(t, int32(16), cfg.GetInt("dxvk.maxChunkSize", 64))
	require.Equal(t, int32(64), cfg.GetInt("missing", 64))
	require.Equal(t, config.TristateAuto, cfg.GetTristate("dxvk.memoryPriority", config.TristateTrue))
}

func TestParseInactiveSection(t *testing.T) {
	file := `[other.exe]
d3d11.dcSingleUseMode = False
`
	cfg, err := config.Parse(strings.NewReader(file), "game.exe")
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Len())
}

func TestMergeKeepsExisting(t *testing.T) {
	cfg := config.New(map[string]string{"a": "1"})
	cfg.Merge(config.New(map[string]string{"a": "2", "b": "3"}))

	require.Equal(t, "1", cfg.Option("a"))
	require.Equal(t, "3", cfg.Option("b"))

	cfg.SetOption("a", "4")
	require.Equal(t, "4", cfg.Option("a"))
}

func TestZeroConfig(t *testing.T) {
	var cfg config.Config
	require.Equal(t, "", cfg.Option("anything"))

	cfg.Merge(config.New(map[string]string{"a": "1"}))
	require.Equal(t, "1", cfg.Option("a"))
}

func TestAppConfig(t *testing.T) {
	cfg := config.AppConfig(discardLogger(), "EvilWithin.exe")
	require.Equal(t, "False", cfg.Option("d3d11.dcSingleUseMode"))

	cfg = config.AppConfig(discardLogger(), "unknown.exe")
	require.Equal(t, 0, cfg.Len())
}

func TestLoadUserConfigWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.conf")
	require.NoError(t, os.WriteFile(path, []byte("d3d11.dcSingleUseMode = True\n"), 0o600))
	t.Setenv(config.ConfigFileEnv, path)

	cfg, err := config.Load(discardLogger(), "EvilWithin.exe")
	require.NoError(t, err)
	require.Equal(t, "True", cfg.Option("d3d11.dcSingleUseMode"))
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(config.ConfigFileEnv, filepath.Join(t.TempDir(), "does-not-exist.conf"))

	cfg, err := config.Load(discardLogger(), "Anno1800.exe")
	require.NoError(t, err)
	require.True(t, cfg.GetBool("d3d11.allowMapFlagNoWait", false))
}
