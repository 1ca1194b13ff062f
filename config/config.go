// Package config loads node configuration from config/config.yaml, DAGC_
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dag-consensus/byzantine"
	"dag-consensus/consensus"
	"dag-consensus/dag"
	"dag-consensus/logger"
)

const (
	ConfigFileKey = "config"
	LogLevelKey   = "log-level"
	PortKey       = "port"

	DefaultConfigFile = "config/config.yaml"

	envPrefix = "DAGC"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	LevelDB    LevelDBConfig    `mapstructure:"leveldb"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Byzantine  ByzantineConfig  `mapstructure:"byzantine"`
	Tips       TipsConfig       `mapstructure:"tips"`
	Conflict   ConflictConfig   `mapstructure:"conflict"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Peers      []string         `mapstructure:"peers"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// ConsensusConfig starts from a preset. Any non-zero field overrides the
// preset's value.
type ConsensusConfig struct {
	Preset        string        `mapstructure:"preset"`
	K             int           `mapstructure:"k"`
	Alpha         int           `mapstructure:"alpha"`
	Beta          int           `mapstructure:"beta"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	RoundInterval time.Duration `mapstructure:"round_interval"`
	Workers       int           `mapstructure:"workers"`
	MaxActiveSets int           `mapstructure:"max_active_sets"`
}

type ByzantineConfig struct {
	FlipThreshold    int           `mapstructure:"flip_threshold"`
	TimeoutThreshold int           `mapstructure:"timeout_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxFraction      float64       `mapstructure:"max_fraction"`
}

type TipsConfig struct {
	Strategy string  `mapstructure:"strategy"`
	Alpha    float64 `mapstructure:"alpha"`
	MaxSteps int     `mapstructure:"max_steps"`
}

type ConflictConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

type CheckpointConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Default is the configuration used when no file, environment variable or
// flag says otherwise.
func Default() Config {
	byz := byzantine.DefaultConfig()
	peers := make([]string, 20)
	for i := range peers {
		peers[i] = fmt.Sprintf("node-%02d", i+1)
	}
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			AppLogFile: "logs/app.log",
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		LevelDB: LevelDBConfig{Path: "data/leveldb"},
		Consensus: ConsensusConfig{
			Preset: consensus.PresetDefault.String(),
		},
		Byzantine: ByzantineConfig{
			FlipThreshold:    byz.FlipThreshold,
			TimeoutThreshold: byz.TimeoutThreshold,
			Window:           byz.Window,
			Cooldown:         byz.Cooldown,
			MaxFraction:      byz.MaxFraction,
		},
		Tips: TipsConfig{
			Strategy: dag.StrategyMCMC.String(),
			Alpha:    0.5,
			MaxSteps: 10000,
		},
		Conflict:   ConflictConfig{CacheSize: 4096},
		Checkpoint: CheckpointConfig{Interval: time.Minute},
		Peers:      peers,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("log.app_log_file", d.Log.AppLogFile)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("leveldb.path", d.LevelDB.Path)
	v.SetDefault("consensus.preset", d.Consensus.Preset)
	v.SetDefault("consensus.k", 0)
	v.SetDefault("consensus.alpha", 0)
	v.SetDefault("consensus.beta", 0)
	v.SetDefault("consensus.query_timeout", time.Duration(0))
	v.SetDefault("consensus.round_interval", time.Duration(0))
	v.SetDefault("consensus.workers", 0)
	v.SetDefault("consensus.max_active_sets", 0)
	v.SetDefault("byzantine.flip_threshold", d.Byzantine.FlipThreshold)
	v.SetDefault("byzantine.timeout_threshold", d.Byzantine.TimeoutThreshold)
	v.SetDefault("byzantine.window", d.Byzantine.Window)
	v.SetDefault("byzantine.cooldown", d.Byzantine.Cooldown)
	v.SetDefault("byzantine.max_fraction", d.Byzantine.MaxFraction)
	v.SetDefault("tips.strategy", d.Tips.Strategy)
	v.SetDefault("tips.alpha", d.Tips.Alpha)
	v.SetDefault("tips.max_steps", d.Tips.MaxSteps)
	v.SetDefault("conflict.cache_size", d.Conflict.CacheSize)
	v.SetDefault("checkpoint.interval", d.Checkpoint.Interval)
	v.SetDefault("peers", d.Peers)
}

// AddFlags registers the flags that Load understands.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFileKey, DefaultConfigFile, "Path to the YAML config file")
	fs.String(LogLevelKey, "", "Log level (debug, info, warn, error), overrides log.level")
	fs.Int(PortKey, 0, "HTTP port, overrides server.port")
}

// Load reads path, if non-empty, applies DAGC_ environment overrides and any
// flags in fs that were set, and validates the result.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if fs != nil {
		bindings := map[string]string{
			"log.level":   LogLevelKey,
			"server.port": PortKey,
		}
		for key, name := range bindings {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parameters resolves the preset and applies explicit overrides.
func (c *Config) Parameters() (consensus.Parameters, error) {
	preset, err := consensus.ParsePreset(c.Consensus.Preset)
	if err != nil {
		return consensus.Parameters{}, err
	}
	p := preset.Parameters()
	cc := c.Consensus
	if cc.K != 0 {
		p.K = cc.K
	}
	if cc.Alpha != 0 {
		p.Alpha = cc.Alpha
	}
	if cc.Beta != 0 {
		p.Beta = cc.Beta
	}
	if cc.QueryTimeout != 0 {
		p.QueryTimeout = cc.QueryTimeout
	}
	if cc.RoundInterval != 0 {
		p.RoundInterval = cc.RoundInterval
	}
	if cc.Workers != 0 {
		p.Workers = cc.Workers
	}
	if cc.MaxActiveSets != 0 {
		p.MaxActiveSets = cc.MaxActiveSets
	}
	return p, p.Verify()
}

// Engine builds the consensus engine configuration.
func (c *Config) Engine() (consensus.Config, error) {
	params, err := c.Parameters()
	if err != nil {
		return consensus.Config{}, err
	}
	strategy, err := dag.ParseStrategy(c.Tips.Strategy)
	if err != nil {
		return consensus.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return consensus.Config{
		Parameters: params,
		Byzantine: byzantine.Config{
			FlipThreshold:    c.Byzantine.FlipThreshold,
			TimeoutThreshold: c.Byzantine.TimeoutThreshold,
			Window:           c.Byzantine.Window,
			Cooldown:         c.Byzantine.Cooldown,
			MaxFraction:      c.Byzantine.MaxFraction,
		},
		Tips: dag.SelectorConfig{
			Strategy: strategy,
			Alpha:    c.Tips.Alpha,
			MaxSteps: c.Tips.MaxSteps,
		},
		ConflictCacheSize: c.Conflict.CacheSize,
	}, nil
}

func (c *Config) Rotation() logger.Rotation {
	return logger.Rotation{
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server.port = %d: must be in [1, 65535]", ErrInvalidConfig, c.Server.Port)
	case c.LevelDB.Path == "":
		return fmt.Errorf("%w: leveldb.path is empty", ErrInvalidConfig)
	case c.Checkpoint.Interval < 0:
		return fmt.Errorf("%w: checkpoint.interval = %s: must not be negative", ErrInvalidConfig, c.Checkpoint.Interval)
	case c.Byzantine.MaxFraction <= 0 || c.Byzantine.MaxFraction > 1:
		return fmt.Errorf("%w: byzantine.max_fraction = %g: must be in (0, 1]", ErrInvalidConfig, c.Byzantine.MaxFraction)
	case c.Byzantine.Window <= 0 || c.Byzantine.Cooldown <= 0:
		return fmt.Errorf("%w: byzantine.window and byzantine.cooldown must be positive", ErrInvalidConfig)
	case c.Conflict.CacheSize < 0:
		return fmt.Errorf("%w: conflict.cache_size = %d: must not be negative", ErrInvalidConfig, c.Conflict.CacheSize)
	}

	engine, err := c.Engine()
	if err != nil {
		return err
	}
	// loopback mode can only reach quorum with at least alpha peers
	if len(c.Peers) < engine.Parameters.Alpha {
		return fmt.Errorf("%w: %d peers configured, alpha = %d", ErrInvalidConfig, len(c.Peers), engine.Parameters.Alpha)
	}
	return nil
}
