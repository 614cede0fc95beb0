// ABOUTME: Configuration loading and parsing for coven-supervisor
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint transport types.
const (
	EndpointMCP    = "mcp"
	EndpointGRPC   = "grpc"
	EndpointLambda = "lambda"
)

// Oracle types.
const (
	OracleRules  = "rules"
	OracleClaude = "claude"
)

// Config represents the complete coven-supervisor configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Memory      MemoryConfig      `yaml:"memory"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Providers   []ProviderConfig  `yaml:"identity_providers"`
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
	Retry       RetryConfig       `yaml:"retry"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Specialists SpecialistsConfig `yaml:"specialists"`
	Oracle      OracleConfig      `yaml:"oracle"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MemoryConfig holds the session memory store configuration
type MemoryConfig struct {
	Path        string `yaml:"path"`
	RecentTurns int    `yaml:"recent_turns"`
	RecallLimit int    `yaml:"recall_limit"`

	ReadTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`

	ReadTimeoutRaw  string `yaml:"read_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// CredentialsConfig holds token cache timing
type CredentialsConfig struct {
	RefreshMargin time.Duration `yaml:"-"`
	FetchTimeout  time.Duration `yaml:"-"`
	DenialHoldoff time.Duration `yaml:"-"`

	RefreshMarginRaw string `yaml:"refresh_margin"`
	FetchTimeoutRaw  string `yaml:"fetch_timeout"`
	DenialHoldoffRaw string `yaml:"denial_holdoff"`
}

// ProviderConfig describes one OAuth client-credentials identity provider
type ProviderConfig struct {
	Name          string   `yaml:"name"`
	TokenURL      string   `yaml:"token_url"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	Scopes        []string `yaml:"scopes"`
	AudienceParam string   `yaml:"audience_param"`
}

// EndpointConfig describes one tool endpoint and how to reach it
type EndpointConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// URL is the MCP endpoint (type mcp).
	URL string `yaml:"url"`
	// Address is the host:port of a ToolService (type grpc).
	Address  string `yaml:"address"`
	Insecure bool   `yaml:"insecure"`
	// Function, Target and Region address a Lambda tool target (type lambda).
	Function string `yaml:"function"`
	Target   string `yaml:"target"`
	Region   string `yaml:"region"`

	Provider string `yaml:"provider"`
	Audience string `yaml:"audience"`
	// Discover lists the endpoint's tools at startup.
	Discover bool         `yaml:"discover"`
	Tools    []ToolConfig `yaml:"tools"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// ToolConfig declares a tool statically
type ToolConfig struct {
	Name        string `yaml:"name"`
	Remote      string `yaml:"remote"`
	Description string `yaml:"description"`
}

// RetryConfig holds the tool call retry policy
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	BaseDelay time.Duration `yaml:"-"`
	MaxDelay  time.Duration `yaml:"-"`

	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// SupervisorConfig holds turn timing
type SupervisorConfig struct {
	RecentTurns int `yaml:"recent_turns"`

	Deadline time.Duration `yaml:"-"`
	Grace    time.Duration `yaml:"-"`

	DeadlineRaw string `yaml:"deadline"`
	GraceRaw    string `yaml:"grace"`
}

// SpecialistsConfig points at the specialist catalog
type SpecialistsConfig struct {
	Catalog        string `yaml:"catalog"`
	MaxRefinements int    `yaml:"max_refinements"`

	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// OracleConfig selects and configures the decision oracle
type OracleConfig struct {
	Type       string `yaml:"type"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	UseBedrock bool   `yaml:"use_bedrock"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"`
	BaseURL    string `yaml:"base_url"`
	MaxTokens  int64  `yaml:"max_tokens"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// The catalog path is relative to the config file.
	if cfg.Specialists.Catalog != "" && !filepath.IsAbs(cfg.Specialists.Catalog) {
		cfg.Specialists.Catalog = filepath.Join(filepath.Dir(path), cfg.Specialists.Catalog)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "coven-supervisor.db"
	}
	if c.Oracle.Type == "" {
		c.Oracle.Type = OracleRules
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Type == "" {
			c.Endpoints[i].Type = EndpointMCP
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Specialists.Catalog == "" {
		return fmt.Errorf("specialists.catalog is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("identity_providers[%d].name is required", i)
		}
		if providers[p.Name] {
			return fmt.Errorf("identity provider %q is defined twice", p.Name)
		}
		if p.TokenURL == "" {
			return fmt.Errorf("identity provider %q: token_url is required", p.Name)
		}
		if p.ClientID == "" {
			return fmt.Errorf("identity provider %q: client_id is required", p.Name)
		}
		providers[p.Name] = true
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	endpoints := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d].name is required", i)
		}
		if endpoints[ep.Name] {
			return fmt.Errorf("endpoint %q is defined twice", ep.Name)
		}
		endpoints[ep.Name] = true

		switch ep.Type {
		case EndpointMCP:
			if ep.URL == "" {
				return fmt.Errorf("endpoint %q: url is required for mcp endpoints", ep.Name)
			}
		case EndpointGRPC:
			if ep.Address == "" {
				return fmt.Errorf("endpoint %q: address is required for grpc endpoints", ep.Name)
			}
		case EndpointLambda:
			if ep.Function == "" {
				return fmt.Errorf("endpoint %q: function is required for lambda endpoints", ep.Name)
			}
		default:
			return fmt.Errorf("endpoint %q: unknown type %q", ep.Name, ep.Type)
		}

		if ep.Provider != "" && !providers[ep.Provider] {
			return fmt.Errorf("endpoint %q: unknown identity provider %q", ep.Name, ep.Provider)
		}
		if !ep.Discover && len(ep.Tools) == 0 {
			return fmt.Errorf("endpoint %q: declare tools or enable discover", ep.Name)
		}
		for j, tool := range ep.Tools {
			if tool.Name == "" {
				return fmt.Errorf("endpoint %q: tools[%d].name is required", ep.Name, j)
			}
		}
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay must not exceed retry.max_delay")
	}

	switch c.Oracle.Type {
	case OracleRules:
	case OracleClaude:
		if c.Oracle.UseBedrock && c.Oracle.AWSRegion == "" {
			return fmt.Errorf("oracle.aws_region is required when use_bedrock is set")
		}
	default:
		return fmt.Errorf("oracle.type %q must be rules or claude", c.Oracle.Type)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"memory.read_timeout", cfg.Memory.ReadTimeoutRaw, &cfg.Memory.ReadTimeout},
		{"memory.write_timeout", cfg.Memory.WriteTimeoutRaw, &cfg.Memory.WriteTimeout},
		{"credentials.refresh_margin", cfg.Credentials.RefreshMarginRaw, &cfg.Credentials.RefreshMargin},
		{"credentials.fetch_timeout", cfg.Credentials.FetchTimeoutRaw, &cfg.Credentials.FetchTimeout},
		{"credentials.denial_holdoff", cfg.Credentials.DenialHoldoffRaw, &cfg.Credentials.DenialHoldoff},
		{"retry.base_delay", cfg.Retry.BaseDelayRaw, &cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelayRaw, &cfg.Retry.MaxDelay},
		{"supervisor.deadline", cfg.Supervisor.DeadlineRaw, &cfg.Supervisor.Deadline},
		{"supervisor.grace", cfg.Supervisor.GraceRaw, &cfg.Supervisor.Grace},
		{"specialists.call_timeout", cfg.Specialists.CallTimeoutRaw, &cfg.Specialists.CallTimeout},
	}
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		fields = append(fields, durationField{fmt.Sprintf("endpoints[%s].timeout", ep.Name), ep.TimeoutRaw, &ep.Timeout})
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
