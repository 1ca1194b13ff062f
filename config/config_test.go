package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"dag-consensus/consensus"
	"dag-consensus/dag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require := require.New(t)

	cfg := Default()
	require.NoError(cfg.Validate())

	params, err := cfg.Parameters()
	require.NoError(err)
	require.Equal(consensus.DefaultParameters(), params)
}

func TestLoadShippedConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load("config.yaml", nil)
	require.NoError(err)

	want := Default()
	require.Equal(want, *cfg)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestPresetOverrides(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
consensus:
  preset: fast-finality
  alpha: 12
  round_interval: 10ms
peers: [p01, p02, p03, p04, p05, p06, p07, p08, p09, p10, p11, p12, p13, p14, p15]
`)
	cfg, err := Load(path, nil)
	require.NoError(err)

	engine, err := cfg.Engine()
	require.NoError(err)
	p := engine.Parameters
	require.Equal(15, p.K)
	require.Equal(12, p.Alpha)
	require.Equal(10, p.Beta)
	require.Equal(50*time.Millisecond, p.QueryTimeout)
	require.Equal(10*time.Millisecond, p.RoundInterval)
	require.Equal(dag.StrategyMCMC, engine.Tips.Strategy)
	require.Len(cfg.Peers, 15)
}

func TestEnvironmentAndFlagsOverrideFile(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
server:
  port: 7000
log:
  level: warn
byzantine:
  max_fraction: 0.25
`)
	t.Setenv("DAGC_SERVER_PORT", "7100")
	t.Setenv("DAGC_BYZANTINE_MAX_FRACTION", "0.2")

	cfg, err := Load(path, nil)
	require.NoError(err)
	require.Equal(7100, cfg.Server.Port)
	require.Equal("warn", cfg.Log.Level)
	require.InDelta(0.2, cfg.Byzantine.MaxFraction, 1e-9)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(fs.Parse([]string{"--port=9000", "--log-level=debug"}))
	cfg, err = Load(path, fs)
	require.NoError(err)
	require.Equal(9000, cfg.Server.Port)
	require.Equal("debug", cfg.Log.Level)

	// unset flags leave the file and environment alone
	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(fs.Parse(nil))
	cfg, err = Load(path, fs)
	require.NoError(err)
	require.Equal(7100, cfg.Server.Port)
	require.Equal("warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		expectErr error
	}{
		{
			name:   "valid",
			modify: func(*Config) {},
		},
		{
			name:      "port out of range",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			expectErr: ErrInvalidConfig,
		},
		{
			name:      "empty leveldb path",
			modify:    func(c *Config) { c.LevelDB.Path = "" },
			expectErr: ErrInvalidConfig,
		},
		{
			name:      "alpha not a majority",
			modify:    func(c *Config) { c.Consensus.Alpha = 10 },
			expectErr: consensus.ErrParametersInvalid,
		},
		{
			name:      "alpha above k",
			modify:    func(c *Config) { c.Consensus.K, c.Consensus.Alpha = 5, 6 },
			expectErr: consensus.ErrParametersInvalid,
		},
		{
			name:      "unknown preset",
			modify:    func(c *Config) { c.Consensus.Preset = "turbo" },
			expectErr: consensus.ErrParametersInvalid,
		},
		{
			name:      "unknown strategy",
			modify:    func(c *Config) { c.Tips.Strategy = "random" },
			expectErr: ErrInvalidConfig,
		},
		{
			name:      "max fraction above one",
			modify:    func(c *Config) { c.Byzantine.MaxFraction = 1.5 },
			expectErr: ErrInvalidConfig,
		},
		{
			name:      "fewer peers than alpha",
			modify:    func(c *Config) { c.Peers = c.Peers[:5] },
			expectErr: ErrInvalidConfig,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(&cfg)
			err := cfg.Validate()
			if test.expectErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, test.expectErr)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, `
consensus:
  k: 10
  alpha: 3
`)
	_, err := Load(path, nil)
	require.ErrorIs(t, err, consensus.ErrParametersInvalid)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
