// Package config loads fhevault settings from YAML. Zero values are replaced
// by defaults after decoding; command-line flags override the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/luxfi/geth/common"
	"gopkg.in/yaml.v2"

	"github.com/luxfi/fhevault/engine"
)

// Defaults.
const (
	DefaultRelayerURL       = "http://127.0.0.1:8448"
	DefaultListen           = ":8448"
	DefaultChainID          = 31337
	DefaultPropagationDelay = 3 * time.Second
	DefaultBatchSize        = 64
	DefaultHandleCacheSize  = 4096
	DefaultBackend          = "file"
	DefaultBitWidth         = 32
)

// Credential store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// ChainID and VerifyingContract form the authorization domain.
	ChainID           int64  `yaml:"chainId"`
	VerifyingContract string `yaml:"verifyingContract"`
	// Registry is the health-record registry contract.
	Registry string `yaml:"registry"`
	// NodeURL is the JSON-RPC endpoint of the chain. Empty selects an
	// in-memory registry.
	NodeURL string `yaml:"nodeUrl"`

	Relayer     Relayer     `yaml:"relayer"`
	Credentials Credentials `yaml:"credentials"`
	Decrypt     Decrypt     `yaml:"decrypt"`
	Server      Server      `yaml:"server"`

	LogLevel string `yaml:"logLevel"`
}

type Relayer struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts uint          `yaml:"maxAttempts"`
}

type Credentials struct {
	Backend string `yaml:"backend"`
	// Path is the directory of the file and badger backends.
	Path         string `yaml:"path"`
	Redis        Redis  `yaml:"redis"`
	DurationDays int    `yaml:"durationDays"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type Decrypt struct {
	PropagationDelay time.Duration `yaml:"propagationDelay"`
	BatchSize        int           `yaml:"batchSize"`
	HandleCacheSize  int           `yaml:"handleCacheSize"`
	// AuthorizationScope lists the contracts one credential covers. Contracts
	// outside it get a credential of their own.
	AuthorizationScope []string `yaml:"authorizationScope"`
}

// Server configures the development relayer.
type Server struct {
	Listen         string        `yaml:"listen"`
	DataDir        string        `yaml:"dataDir"`
	BitWidth       int           `yaml:"bitWidth"`
	PropagationLag time.Duration `yaml:"propagationLag"`
	AllowGrants    bool          `yaml:"allowGrants"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown keys, and applies defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.ChainID == 0 {
		c.ChainID = DefaultChainID
	}
	if c.Relayer.URL == "" {
		c.Relayer.URL = DefaultRelayerURL
	}
	if c.Relayer.Timeout == 0 {
		c.Relayer.Timeout = 30 * time.Second
	}
	if c.Relayer.MaxAttempts == 0 {
		c.Relayer.MaxAttempts = 4
	}
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = DefaultBackend
	}
	if c.Credentials.Path == "" {
		c.Credentials.Path = defaultDataDir("credentials")
	}
	if c.Credentials.DurationDays == 0 {
		c.Credentials.DurationDays = engine.DefaultDurationDays
	}
	if c.Decrypt.PropagationDelay == 0 {
		c.Decrypt.PropagationDelay = DefaultPropagationDelay
	}
	if c.Decrypt.BatchSize == 0 {
		c.Decrypt.BatchSize = DefaultBatchSize
	}
	if c.Decrypt.HandleCacheSize == 0 {
		c.Decrypt.HandleCacheSize = DefaultHandleCacheSize
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.BitWidth == 0 {
		c.Server.BitWidth = DefaultBitWidth
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func defaultDataDir(sub string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".fhevault/" + sub
	}
	return dir + "/fhevault/" + sub
}

// Validate checks values that have no usable default.
func (c Config) Validate() error {
	if c.VerifyingContract != "" && !common.IsHexAddress(c.VerifyingContract) {
		return fmt.Errorf("%w: verifyingContract %q", ErrInvalid, c.VerifyingContract)
	}
	if c.Registry != "" && !common.IsHexAddress(c.Registry) {
		return fmt.Errorf("%w: registry %q", ErrInvalid, c.Registry)
	}
	for _, a := range c.Decrypt.AuthorizationScope {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("%w: authorizationScope entry %q", ErrInvalid, a)
		}
	}
	switch c.Credentials.Backend {
	case BackendMemory, BackendFile, BackendBadger:
	case BackendRedis:
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("%w: redis backend needs credentials.redis.addr", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown credential backend %q", ErrInvalid, c.Credentials.Backend)
	}
	if c.Credentials.DurationDays < 0 {
		return fmt.Errorf("%w: durationDays %d", ErrInvalid, c.Credentials.DurationDays)
	}
	if c.Decrypt.PropagationDelay < 0 {
		return fmt.Errorf("%w: propagationDelay %s", ErrInvalid, c.Decrypt.PropagationDelay)
	}
	if c.Decrypt.BatchSize < 0 {
		return fmt.Errorf("%w: batchSize %d", ErrInvalid, c.Decrypt.BatchSize)
	}
	return nil
}

// Domain returns the authorization domain.
func (c Config) Domain() engine.Domain {
	return engine.Domain{
		ChainID:           c.ChainID,
		VerifyingContract: common.HexToAddress(c.VerifyingContract),
	}
}

// RegistryAddress returns the registry contract address.
func (c Config) RegistryAddress() common.Address {
	return common.HexToAddress(c.Registry)
}

// Scope returns the configured authorization scope.
func (c Config) Scope() []common.Address {
	out := make([]common.Address, 0, len(c.Decrypt.AuthorizationScope))
	for _, a := range c.Decrypt.AuthorizationScope {
		out = append(out, common.HexToAddress(a))
	}
	return engine.SortAddresses(out)
}
