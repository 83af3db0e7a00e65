package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/pipcast/internal/logging"
)

// EnvConfigFile names the environment variable holding an optional YAML
// configuration file path.
const EnvConfigFile = "PIPCAST_CONFIG"

// Store backends for session settings.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Coordinator is the process configuration of the coordinator binary.
type Coordinator struct {
	Addr             string         `yaml:"addr"`
	Store            string         `yaml:"store"`
	RedisAddr        string         `yaml:"redis_addr"`
	RedisKey         string         `yaml:"redis_key"`
	BroadcastTimeout time.Duration  `yaml:"broadcast_timeout"`
	BroadcastLimit   int            `yaml:"broadcast_limit"` // 0 means no cap
	HealthInterval   time.Duration  `yaml:"health_interval"`
	LocalEnvDir      string         `yaml:"local_env_dir"`
	Mode             Mode           `yaml:"mode"`
	Log              logging.Config `yaml:"log"`
}

// Node is the process configuration of the node binary.
type Node struct {
	ID          string         `yaml:"id"`
	Listen      string         `yaml:"listen"`
	Addr        string         `yaml:"addr"`
	Coordinator string         `yaml:"coordinator"`
	EnvDir      string         `yaml:"env_dir"`
	Mode        Mode           `yaml:"mode"`
	Log         logging.Config `yaml:"log"`
}

// DefaultCoordinator returns the coordinator defaults.
func DefaultCoordinator() *Coordinator {
	return &Coordinator{
		Addr:             ":8080",
		Store:            StoreMemory,
		BroadcastTimeout: 5 * time.Minute,
		HealthInterval:   10 * time.Second,
		Mode:             Mode{Kind: DefaultKind, Python: DefaultPython, BinPath: DefaultBinPath},
		Log:              logging.Config{Level: "info", Format: "console", Output: "stdout"},
	}
}

// DefaultNode returns the node defaults.
func DefaultNode() *Node {
	return &Node{
		Listen: ":8081",
		Addr:   "http://127.0.0.1:8081",
		EnvDir: "pipcast-env",
		Mode:   Mode{Enabled: true, Kind: DefaultKind, Python: DefaultPython, BinPath: DefaultBinPath},
		Log:    logging.Config{Level: "info", Format: "console", Output: "stdout"},
	}
}

// LoadCoordinator applies the YAML file named by PIPCAST_CONFIG, then
// environment overrides, on top of the defaults.
func LoadCoordinator() (*Coordinator, error) {
	cfg := DefaultCoordinator()
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.Addr = getenv("COORDINATOR_ADDR", cfg.Addr)
	cfg.Store = getenv("PIPCAST_STORE", cfg.Store)
	cfg.RedisAddr = getenv("PIPCAST_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisKey = getenv("PIPCAST_REDIS_KEY", cfg.RedisKey)
	cfg.LocalEnvDir = getenv("PIPCAST_LOCAL_ENV_DIR", cfg.LocalEnvDir)

	var err error
	if cfg.BroadcastTimeout, err = getDuration("PIPCAST_BROADCAST_TIMEOUT", cfg.BroadcastTimeout); err != nil {
		return nil, err
	}
	if cfg.HealthInterval, err = getDuration("PIPCAST_HEALTH_INTERVAL", cfg.HealthInterval); err != nil {
		return nil, err
	}
	if cfg.BroadcastLimit, err = getInt("PIPCAST_BROADCAST_LIMIT", cfg.BroadcastLimit); err != nil {
		return nil, err
	}
	if err := applyModeEnv(&cfg.Mode); err != nil {
		return nil, err
	}
	applyLogEnv(&cfg.Log)

	switch cfg.Store {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("store %q requires PIPCAST_REDIS_ADDR", cfg.Store)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
	return cfg, nil
}

// LoadNode applies the YAML file named by PIPCAST_CONFIG, then environment
// overrides, on top of the defaults. NODE_ID and COORDINATOR_ADDR are
// required.
func LoadNode() (*Node, error) {
	cfg := DefaultNode()
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.ID = getenv("NODE_ID", cfg.ID)
	cfg.Listen = getenv("NODE_LISTEN", cfg.Listen)
	cfg.Addr = getenv("NODE_ADDR", cfg.Addr)
	cfg.Coordinator = getenv("COORDINATOR_ADDR", cfg.Coordinator)
	cfg.EnvDir = getenv("NODE_ENV_DIR", cfg.EnvDir)
	if err := applyModeEnv(&cfg.Mode); err != nil {
		return nil, err
	}
	applyLogEnv(&cfg.Log)

	if cfg.ID == "" {
		return nil, fmt.Errorf("missing env NODE_ID")
	}
	if cfg.Coordinator == "" {
		return nil, fmt.Errorf("missing env COORDINATOR_ADDR")
	}
	return cfg, nil
}

func loadFile(dst any) error {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyModeEnv(m *Mode) error {
	if v := os.Getenv("PIPCAST_VIRTUALENV_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid PIPCAST_VIRTUALENV_ENABLED %q: %w", v, err)
		}
		m.Enabled = on
	}
	m.Kind = Kind(getenv("PIPCAST_VIRTUALENV_TYPE", string(m.Kind)))
	m.Python = getenv("PIPCAST_PYTHON", m.Python)
	m.BinPath = getenv("PIPCAST_VIRTUALENV_BIN_PATH", m.BinPath)
	m.DefaultRepository = getenv("PIPCAST_DEFAULT_REPOSITORY", m.DefaultRepository)
	return nil
}

func applyLogEnv(c *logging.Config) {
	c.Level = getenv("PIPCAST_LOG_LEVEL", c.Level)
	c.Format = getenv("PIPCAST_LOG_FORMAT", c.Format)
	c.Output = getenv("PIPCAST_LOG_OUTPUT", c.Output)
	c.FilePath = getenv("PIPCAST_LOG_FILE", c.FilePath)
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", k, v, err)
	}
	return d, nil
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", k, v, err)
	}
	return n, nil
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
