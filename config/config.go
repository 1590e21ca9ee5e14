// Package config loads gate and facilitator configuration from YAML or TOML
// files. ${VAR} references are expanded from the environment before parsing.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	x402http "github.com/btwiuse/x402-vara-next-demo/http"
)

// Frameworks the gate binary can serve with
const (
	FrameworkNetHTTP = "nethttp"
	FrameworkGin     = "gin"
	FrameworkEcho    = "echo"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// GateConfig configures a resource server guarded by x402
type GateConfig struct {
	Server      GateServerConfig      `yaml:"server" toml:"server"`
	PayTo       string                `yaml:"pay_to" toml:"pay_to"`
	Facilitator FacilitatorLinkConfig `yaml:"facilitator" toml:"facilitator"`
	Routes      x402http.RoutesConfig `yaml:"routes" toml:"routes"`
	Logging     LoggingConfig         `yaml:"logging" toml:"logging"`
}

// GateServerConfig holds the gate's listener configuration
type GateServerConfig struct {
	Addr            string `yaml:"addr" toml:"addr"`
	Framework       string `yaml:"framework" toml:"framework"`
	ResourceRootURL string `yaml:"resource_root_url" toml:"resource_root_url"`

	// Upstream is proxied to once a request is paid for. When empty the gate
	// answers delivered requests itself.
	Upstream string `yaml:"upstream" toml:"upstream"`
}

// FacilitatorLinkConfig tells the gate how to reach its facilitator
type FacilitatorLinkConfig struct {
	URL       string        `yaml:"url" toml:"url"`
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	Subject   string        `yaml:"subject" toml:"subject"`
	Timeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// FacilitatorConfig configures the facilitator service
type FacilitatorConfig struct {
	Server   FacilitatorServerConfig `yaml:"server" toml:"server"`
	Auth     AuthConfig              `yaml:"auth" toml:"auth"`
	Database DatabaseConfig          `yaml:"database" toml:"database"`
	EVM      []EVMNetworkConfig      `yaml:"evm" toml:"evm"`
	SVM      []SVMNetworkConfig      `yaml:"svm" toml:"svm"`
	Logging  LoggingConfig           `yaml:"logging" toml:"logging"`
}

// FacilitatorServerConfig holds the facilitator's listener configuration
type FacilitatorServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DatabaseConfig holds the settlement log location. An empty path disables
// the log.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// EVMNetworkConfig registers one EVM chain
type EVMNetworkConfig struct {
	Network           string        `yaml:"network" toml:"network"`
	RPCURL            string        `yaml:"rpc_url" toml:"rpc_url"`
	ChainID           int64         `yaml:"chain_id" toml:"chain_id"`
	Confirmations     uint64        `yaml:"confirmations" toml:"confirmations"`
	SettlementTimeout time.Duration `yaml:"-" toml:"-"`

	SettlementTimeoutRaw string `yaml:"settlement_timeout" toml:"settlement_timeout"`
}

// SVMNetworkConfig registers one Solana cluster
type SVMNetworkConfig struct {
	Network           string        `yaml:"network" toml:"network"`
	RPCURL            string        `yaml:"rpc_url" toml:"rpc_url"`
	Finalized         bool          `yaml:"finalized" toml:"finalized"`
	SettlementTimeout time.Duration `yaml:"-" toml:"-"`

	SettlementTimeoutRaw string `yaml:"settlement_timeout" toml:"settlement_timeout"`
}

// LoadGate reads a gate configuration file
func LoadGate(path string) (*GateConfig, error) {
	var cfg GateConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadFacilitator reads a facilitator configuration file
func LoadFacilitator(path string) (*FacilitatorConfig, error) {
	var cfg FacilitatorConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// load decodes YAML or TOML by file extension
func load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, out); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRegex.FindStringSubmatch(match)[1])
	})
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	return d, nil
}

func (c *GateConfig) applyDefaults() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4021"
	}
	if c.Server.Framework == "" {
		c.Server.Framework = FrameworkNetHTTP
	}
	if c.Facilitator.URL == "" {
		c.Facilitator.URL = x402http.DefaultFacilitatorURL
	}
	if c.Facilitator.Subject == "" {
		c.Facilitator.Subject = "x402-gate"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	var err error
	c.Facilitator.Timeout, err = parseDuration("facilitator.timeout", c.Facilitator.TimeoutRaw, x402http.DefaultFacilitatorTimeout)
	return err
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *GateConfig) Validate() error {
	switch c.Server.Framework {
	case FrameworkNetHTTP, FrameworkGin, FrameworkEcho:
	default:
		return fmt.Errorf("server.framework must be one of nethttp, gin, echo; got %q", c.Server.Framework)
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("routes must list at least one protected route")
	}
	for pattern, route := range c.Routes {
		if route.PayTo == "" && c.PayTo == "" {
			for _, option := range route.Accepts {
				if option.PayTo == "" {
					return fmt.Errorf("routes[%q]: pay_to is required (set it globally, per route or per option)", pattern)
				}
			}
		}
	}
	if c.Server.Upstream != "" {
		u, err := url.Parse(c.Server.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.upstream must be an absolute URL; got %q", c.Server.Upstream)
		}
	}
	if c.Facilitator.Timeout <= 0 {
		return fmt.Errorf("facilitator.timeout must be positive")
	}
	return nil
}

func (c *FacilitatorConfig) applyDefaults() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4020"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	var err error
	for i := range c.EVM {
		c.EVM[i].SettlementTimeout, err = parseDuration(fmt.Sprintf("evm[%d].settlement_timeout", i), c.EVM[i].SettlementTimeoutRaw, 0)
		if err != nil {
			return err
		}
	}
	for i := range c.SVM {
		c.SVM[i].SettlementTimeout, err = parseDuration(fmt.Sprintf("svm[%d].settlement_timeout", i), c.SVM[i].SettlementTimeoutRaw, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
func (c *FacilitatorConfig) Validate() error {
	if len(c.EVM)+len(c.SVM) == 0 {
		return fmt.Errorf("at least one evm or svm network is required")
	}
	seen := make(map[string]bool)
	for i, n := range c.EVM {
		if n.Network == "" || n.RPCURL == "" {
			return fmt.Errorf("evm[%d]: network and rpc_url are required", i)
		}
		if n.ChainID <= 0 {
			return fmt.Errorf("evm[%d]: chain_id is required", i)
		}
		if seen[n.Network] {
			return fmt.Errorf("network %q configured twice", n.Network)
		}
		seen[n.Network] = true
	}
	for i, n := range c.SVM {
		if n.Network == "" || n.RPCURL == "" {
			return fmt.Errorf("svm[%d]: network and rpc_url are required", i)
		}
		if seen[n.Network] {
			return fmt.Errorf("network %q configured twice", n.Network)
		}
		seen[n.Network] = true
	}
	return nil
}
