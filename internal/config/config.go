// Package config loads daemon configuration from a YAML file with
// environment variable overrides, and builds the zap logger.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/buddymirror/internal/cluster"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Mgmtd    MgmtdConfig    `yaml:"mgmtd"`
	Storaged StoragedConfig `yaml:"storaged"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Resync   ResyncConfig   `yaml:"resync"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // console or json
}

type MgmtdConfig struct {
	Listen string `yaml:"listen"`
	// DBPath is the bbolt file holding the registries. Empty keeps them in
	// memory only.
	DBPath       string        `yaml:"dbPath"`
	SaveInterval time.Duration `yaml:"saveInterval"`

	ProbeInterval time.Duration `yaml:"probeInterval"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
	MaxFailures   int           `yaml:"maxFailures"`

	// Targets without a report for this long become PROBABLY_OFFLINE, then
	// OFFLINE.
	POfflineTimeout time.Duration `yaml:"pofflineTimeout"`
	OfflineTimeout  time.Duration `yaml:"offlineTimeout"`
}

type StoragedConfig struct {
	NodeID     cluster.NodeID `yaml:"nodeID"`
	Listen     string         `yaml:"listen"`
	PublicAddr string         `yaml:"publicAddr"`
	MgmtdAddr  string         `yaml:"mgmtdAddr"`
	// Targets maps each hosted target to its root directory.
	Targets map[cluster.TargetID]string `yaml:"targets"`
	// SyncInterval is how often topology and states are pulled from mgmtd.
	SyncInterval time.Duration `yaml:"syncInterval"`
}

type DispatchConfig struct {
	NumRetries int           `yaml:"numRetries"`
	Timeout    time.Duration `yaml:"timeout"`
	AgainWait  time.Duration `yaml:"againWait"`
}

type ResyncConfig struct {
	Workers   int `yaml:"workers"`
	BlockSize int `yaml:"blockSize"`
	// SafetyThreshold is subtracted from the last successful buddy
	// communication to get the modification time shortcut.
	SafetyThreshold time.Duration `yaml:"safetyThreshold"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Encoding: "console"},
		Mgmtd: MgmtdConfig{
			Listen:          ":8080",
			SaveInterval:    5 * time.Second,
			ProbeInterval:   5 * time.Second,
			ProbeTimeout:    2 * time.Second,
			MaxFailures:     3,
			POfflineTimeout: 180 * time.Second,
			OfflineTimeout:  360 * time.Second,
		},
		Storaged: StoragedConfig{
			Listen:       ":8081",
			MgmtdAddr:    "http://127.0.0.1:8080",
			SyncInterval: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			NumRetries: 10,
			Timeout:    30 * time.Second,
			AgainWait:  5 * time.Second,
		},
		Resync: ResyncConfig{
			Workers:         8,
			BlockSize:       1 << 20,
			SafetyThreshold: 10 * time.Minute,
		},
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getenv("LOG_ENCODING", c.Log.Encoding)
	c.Mgmtd.Listen = getenv("MGMTD_LISTEN", c.Mgmtd.Listen)
	c.Mgmtd.DBPath = getenv("MGMTD_DB_PATH", c.Mgmtd.DBPath)
	c.Storaged.Listen = getenv("STORAGED_LISTEN", c.Storaged.Listen)
	c.Storaged.PublicAddr = getenv("STORAGED_PUBLIC_ADDR", c.Storaged.PublicAddr)
	c.Storaged.MgmtdAddr = getenv("STORAGED_MGMTD_ADDR", c.Storaged.MgmtdAddr)

	if v := os.Getenv("STORAGED_NODE_ID"); v != "" {
		id, err := cluster.ParseNodeID(v)
		if err != nil {
			return errors.Wrap(err, "STORAGED_NODE_ID")
		}
		c.Storaged.NodeID = id
	}
	if v := os.Getenv("STORAGED_TARGETS"); v != "" {
		targets, err := ParseTargets(v)
		if err != nil {
			return errors.Wrap(err, "STORAGED_TARGETS")
		}
		c.Storaged.Targets = targets
	}
	if v := os.Getenv("DISPATCH_NUM_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "DISPATCH_NUM_RETRIES")
		}
		c.Dispatch.NumRetries = n
	}
	return nil
}

// ParseTargets parses "101=/data/t101,102=/data/t102".
func ParseTargets(s string) (map[cluster.TargetID]string, error) {
	out := make(map[cluster.TargetID]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, path, ok := strings.Cut(part, "=")
		if !ok || path == "" {
			return nil, errors.Newf("invalid target %q, want id=path", part)
		}
		id, err := cluster.ParseTargetID(idStr)
		if err != nil {
			return nil, err
		}
		out[id] = path
	}
	return out, nil
}

// Validate checks settings shared by both daemons.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level")
	}
	if c.Log.Encoding != "console" && c.Log.Encoding != "json" {
		return errors.Newf("log.encoding must be console or json, got %q", c.Log.Encoding)
	}
	if c.Dispatch.NumRetries < 0 {
		return errors.New("dispatch.numRetries must not be negative")
	}
	if c.Mgmtd.POfflineTimeout > c.Mgmtd.OfflineTimeout {
		return errors.New("mgmtd.pofflineTimeout must not exceed mgmtd.offlineTimeout")
	}
	return nil
}

// ValidateStoraged checks the settings a storage daemon cannot run without.
func (c Config) ValidateStoraged() error {
	if c.Storaged.NodeID == 0 {
		return errors.New("storaged.nodeID is required")
	}
	if len(c.Storaged.Targets) == 0 {
		return errors.New("storaged.targets must name at least one target")
	}
	for id := range c.Storaged.Targets {
		if id == 0 {
			return errors.New("storaged.targets: target id 0 is reserved")
		}
	}
	return nil
}

// NewLogger builds the process logger.
func NewLogger(lc LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zc := zap.Config{
		Level:            level,
		Encoding:         lc.Encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lc.Encoding == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zc.Build()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
