// Package config loads the client configuration: built-in defaults, then a
// YAML file, then a .env file, then FAIRCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fair-chat/go-client/internal/correlate"
	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/poller"
	"fair-chat/go-client/internal/protocol"
)

const (
	TransportMock    = ledger.TransportMock
	TransportGraphQL = ledger.TransportGraphQL

	CacheMemory = "memory"
	CacheBolt   = "bolt"
	CacheRedis  = "redis"
)

const envPrefix = "FAIRCHAT_"

type Config struct {
	User      string
	Transport string
	Ledger    ledger.GraphQLConfig
	Solution  protocol.Solution
	Operator  protocol.Operator
	Session   SessionConfig
	Cache     CacheConfig
	Storage   StorageConfig
	RPC       RPCConfig
	Log       LogConfig
}

type SessionConfig struct {
	RequestPageSize  int
	ResponsePageSize int
	PollInterval     time.Duration
	TimeoutBlocks    int64
	MaxMessageSize   int
	Defaults         protocol.Configuration
}

type CacheConfig struct {
	Backend  string
	Path     string
	RedisURL string
	TTL      time.Duration
	Entries  int
}

// StorageConfig locates the sealed local files. An empty Dir keeps everything
// in memory.
type StorageConfig struct {
	Dir        string
	Passphrase string
}

type RPCConfig struct {
	Listen        string
	Token         string
	RateLimit     float64
	Burst         int
	StreamBacklog int
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		User:      "0xlocal",
		Transport: TransportMock,
		Ledger:    ledger.DefaultGraphQLConfig(),
		Solution: protocol.Solution{
			ID:     "local-echo",
			Name:   "Local echo",
			Output: protocol.OutputText,
		},
		Operator: protocol.Operator{Address: "0xoperator"},
		Session: SessionConfig{
			RequestPageSize:  10,
			ResponsePageSize: 100,
			PollInterval:     poller.DefaultInterval,
			TimeoutBlocks:    correlate.DefaultTimeoutBlocks,
			MaxMessageSize:   1 << 20,
		},
		Cache: CacheConfig{Backend: CacheMemory, TTL: 24 * time.Hour, Entries: 4096},
		RPC: RPCConfig{
			Listen:        "127.0.0.1:8787",
			RateLimit:     20,
			Burst:         40,
			StreamBacklog: 512,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

type fileConfig struct {
	User      string               `yaml:"user"`
	Transport string               `yaml:"transport"`
	Ledger    ledger.GraphQLConfig `yaml:"ledger"`
	Solution  fileSolution         `yaml:"solution"`
	Operator  protocol.Operator    `yaml:"operator"`
	Session   fileSession          `yaml:"session"`
	Cache     fileCache            `yaml:"cache"`
	Storage   fileStorage          `yaml:"storage"`
	RPC       fileRPC              `yaml:"rpc"`
	Log       fileLog              `yaml:"log"`
}

type fileSolution struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	Output              string `yaml:"output"`
	OutputConfiguration string `yaml:"outputConfiguration"`
	AllowFiles          *bool  `yaml:"allowFiles"`
	RequiresModel       *bool  `yaml:"requiresModel"`
}

type fileSession struct {
	RequestPageSize  int           `yaml:"requestPageSize"`
	ResponsePageSize int           `yaml:"responsePageSize"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	TimeoutBlocks    int64         `yaml:"timeoutBlocks"`
	MaxMessageSize   int           `yaml:"maxMessageSize"`
	ModelName        string        `yaml:"modelName"`
	NImages          int           `yaml:"nImages"`
	PrivateMode      *bool         `yaml:"privateMode"`
}

type fileCache struct {
	Backend  string        `yaml:"backend"`
	Path     string        `yaml:"path"`
	RedisURL string        `yaml:"redisURL"`
	TTL      time.Duration `yaml:"ttl"`
	Entries  int           `yaml:"entries"`
}

type fileStorage struct {
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"passphrase"`
}

type fileRPC struct {
	Listen        string  `yaml:"listen"`
	Token         string  `yaml:"token"`
	RateLimit     float64 `yaml:"rateLimit"`
	Burst         int     `yaml:"burst"`
	StreamBacklog int     `yaml:"streamBacklog"`
}

type fileLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadFromPath reads configPath, or the first readable default candidate when
// configPath is empty. An explicit path that cannot be read or parsed is an
// error; missing candidates are not.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/fairchat.yaml", "fairchat.yaml"}
	if configPath != "" {
		candidates = []string{configPath}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			if configPath != "" {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			continue
		}
		merge(&cfg, parsed)
		break
	}

	if err := LoadDotEnv(".env"); err != nil {
		return cfg, err
	}
	ApplyEnvOverrides(&cfg)
	Normalize(&cfg)
	return cfg, nil
}

// LoadDotEnv exports the variables of the given files that are not set yet.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func merge(dst *Config, src fileConfig) {
	setString(&dst.User, src.User)
	setString(&dst.Transport, src.Transport)

	setString(&dst.Ledger.GraphQLURL, src.Ledger.GraphQLURL)
	setString(&dst.Ledger.DataURL, src.Ledger.DataURL)
	setString(&dst.Ledger.InfoURL, src.Ledger.InfoURL)
	setString(&dst.Ledger.SubmitURL, src.Ledger.SubmitURL)
	if src.Ledger.QueriesPerSecond > 0 {
		dst.Ledger.QueriesPerSecond = src.Ledger.QueriesPerSecond
	}
	if src.Ledger.Burst > 0 {
		dst.Ledger.Burst = src.Ledger.Burst
	}
	if src.Ledger.RequestTimeout > 0 {
		dst.Ledger.RequestTimeout = src.Ledger.RequestTimeout
	}

	setString(&dst.Solution.ID, src.Solution.ID)
	setString(&dst.Solution.Name, src.Solution.Name)
	setString(&dst.Solution.Output, src.Solution.Output)
	setString(&dst.Solution.OutputConfiguration, src.Solution.OutputConfiguration)
	if src.Solution.AllowFiles != nil {
		dst.Solution.AllowFiles = *src.Solution.AllowFiles
	}
	if src.Solution.RequiresModel != nil {
		dst.Solution.RequiresModel = *src.Solution.RequiresModel
	}
	setString(&dst.Operator.Address, src.Operator.Address)
	setString(&dst.Operator.PublicKey, src.Operator.PublicKey)

	s := src.Session
	if s.RequestPageSize != 0 {
		dst.Session.RequestPageSize = s.RequestPageSize
	}
	if s.ResponsePageSize != 0 {
		dst.Session.ResponsePageSize = s.ResponsePageSize
	}
	if s.PollInterval != 0 {
		dst.Session.PollInterval = s.PollInterval
	}
	if s.TimeoutBlocks != 0 {
		dst.Session.TimeoutBlocks = s.TimeoutBlocks
	}
	if s.MaxMessageSize != 0 {
		dst.Session.MaxMessageSize = s.MaxMessageSize
	}
	setString(&dst.Session.Defaults.ModelName, s.ModelName)
	if s.NImages != 0 {
		dst.Session.Defaults.NImages = s.NImages
	}
	if s.PrivateMode != nil {
		dst.Session.Defaults.PrivateMode = *s.PrivateMode
	}

	setString(&dst.Cache.Backend, src.Cache.Backend)
	setString(&dst.Cache.Path, src.Cache.Path)
	setString(&dst.Cache.RedisURL, src.Cache.RedisURL)
	if src.Cache.TTL != 0 {
		dst.Cache.TTL = src.Cache.TTL
	}
	if src.Cache.Entries != 0 {
		dst.Cache.Entries = src.Cache.Entries
	}

	setString(&dst.Storage.Dir, src.Storage.Dir)
	setString(&dst.Storage.Passphrase, src.Storage.Passphrase)

	setString(&dst.RPC.Listen, src.RPC.Listen)
	setString(&dst.RPC.Token, src.RPC.Token)
	if src.RPC.RateLimit != 0 {
		dst.RPC.RateLimit = src.RPC.RateLimit
	}
	if src.RPC.Burst != 0 {
		dst.RPC.Burst = src.RPC.Burst
	}
	if src.RPC.StreamBacklog != 0 {
		dst.RPC.StreamBacklog = src.RPC.StreamBacklog
	}

	setString(&dst.Log.Level, src.Log.Level)
	setString(&dst.Log.Format, src.Log.Format)
}

func ApplyEnvOverrides(cfg *Config) {
	envString(&cfg.User, "USER")
	envString(&cfg.Transport, "TRANSPORT")
	envString(&cfg.Ledger.GraphQLURL, "GRAPHQL_URL")
	envString(&cfg.Ledger.DataURL, "DATA_URL")
	envString(&cfg.Ledger.InfoURL, "INFO_URL")
	envString(&cfg.Ledger.SubmitURL, "SUBMIT_URL")
	envString(&cfg.Solution.ID, "SOLUTION_ID")
	envString(&cfg.Operator.Address, "OPERATOR_ADDRESS")
	envString(&cfg.Operator.PublicKey, "OPERATOR_PUBLIC_KEY")
	envString(&cfg.Cache.Backend, "CACHE_BACKEND")
	envString(&cfg.Cache.Path, "CACHE_PATH")
	envString(&cfg.Cache.RedisURL, "REDIS_URL")
	envString(&cfg.Storage.Dir, "STORAGE_DIR")
	envString(&cfg.Storage.Passphrase, "STORAGE_PASSPHRASE")
	envString(&cfg.RPC.Listen, "RPC_LISTEN")
	envString(&cfg.RPC.Token, "RPC_TOKEN")
	envString(&cfg.Log.Level, "LOG_LEVEL")
	envString(&cfg.Log.Format, "LOG_FORMAT")

	if raw := env("POLL_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Session.PollInterval = d
		}
	}
	if raw := env("TIMEOUT_BLOCKS"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Session.TimeoutBlocks = n
		}
	}
	if raw := env("PRIVATE_MODE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Session.Defaults.PrivateMode = v
		}
	}
}

// Normalize fixes values that would make the client misbehave.
func Normalize(cfg *Config) {
	def := Default()
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport != TransportGraphQL {
		cfg.Transport = TransportMock
	}
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	switch cfg.Cache.Backend {
	case CacheBolt, CacheRedis:
	default:
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Session.RequestPageSize < 1 || cfg.Session.RequestPageSize > 100 {
		cfg.Session.RequestPageSize = def.Session.RequestPageSize
	}
	if cfg.Session.ResponsePageSize < 1 || cfg.Session.ResponsePageSize > 100 {
		cfg.Session.ResponsePageSize = def.Session.ResponsePageSize
	}
	if cfg.Session.PollInterval < time.Second {
		cfg.Session.PollInterval = def.Session.PollInterval
	}
	if cfg.Session.TimeoutBlocks <= 0 {
		cfg.Session.TimeoutBlocks = def.Session.TimeoutBlocks
	}
	if cfg.Session.MaxMessageSize <= 0 {
		cfg.Session.MaxMessageSize = def.Session.MaxMessageSize
	}
	if cfg.RPC.StreamBacklog <= 0 {
		cfg.RPC.StreamBacklog = def.RPC.StreamBacklog
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func envString(dst *string, name string) {
	if v := env(name); v != "" {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
