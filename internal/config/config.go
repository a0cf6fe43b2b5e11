// Package config provides configuration loading for orchestrd.
//
// Configuration is assembled from defaults, an optional YAML file and
// ORCHESTRD_* environment variables (see LoadWithFile). The engine reads it
// once per run; it is not watched for changes while a run executes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Failure policies for a run.
const (
	PolicyHalt       = "halt"
	PolicyBestEffort = "best_effort"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// IntegrationKinds lists every integration kind the engine understands.
var IntegrationKinds = []string{"filesystem", "vcs", "package", "deployment", "database"}

// Config holds the complete orchestrd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Model         ModelConfig         `koanf:"model"`
	Engine        EngineConfig        `koanf:"engine"`
	Integration   IntegrationConfig   `koanf:"integration"`
	Store         StoreConfig         `koanf:"store"`
	Events        EventsConfig        `koanf:"events"`
	Secrets       SecretsConfig       `koanf:"secrets"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ModelConfig selects the default model provider and configures each one.
type ModelConfig struct {
	Provider  string                    `koanf:"provider"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ProviderConfig configures a single model provider.
type ProviderConfig struct {
	// Type is the strategy implementation: anthropic, openai, langchain or
	// scripted. Defaults to the provider's map key.
	Type        string   `koanf:"type"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	BaseURL     string   `koanf:"base_url"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
	Timeout     Duration `koanf:"timeout"`
	RateLimit   float64  `koanf:"rate_limit"`
	Burst       int      `koanf:"burst"`
}

// EngineConfig controls run execution.
type EngineConfig struct {
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   Duration      `koanf:"retry_backoff"`
	FailurePolicy  string        `koanf:"failure_policy"`
	Workers        int           `koanf:"workers"`
	QueueThreshold int           `koanf:"queue_threshold"`
	Phases         []PhaseConfig `koanf:"phases"`
	PromptDirs     []string      `koanf:"prompt_dirs"`
}

// PhaseConfig describes one configured phase. An empty phase list selects
// the built-in default plan.
type PhaseConfig struct {
	Code               string `koanf:"code"`
	Name               string `koanf:"name"`
	IntegrationAllowed bool   `koanf:"integration_allowed"`
	Critical           bool   `koanf:"critical"`
	Template           string `koanf:"template"`
}

// IntegrationConfig controls side-effecting integration commands.
type IntegrationConfig struct {
	Enabled    bool             `koanf:"enabled"`
	WorkDir    string           `koanf:"work_dir"`
	Kinds      []string         `koanf:"kinds"`
	VCS        VCSConfig        `koanf:"vcs"`
	Deployment DeploymentConfig `koanf:"deployment"`
	Database   DatabaseConfig   `koanf:"database"`
}

// VCSConfig sets the commit identity used by version-control commands.
type VCSConfig struct {
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// DeploymentConfig targets the GitHub deployments API.
type DeploymentConfig struct {
	Owner       string `koanf:"owner"`
	Repo        string `koanf:"repo"`
	Token       Secret `koanf:"token"`
	BaseURL     string `koanf:"base_url"`
	Environment string `koanf:"environment"`
}

// DatabaseConfig points database commands at a SQLite database.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// EventsConfig toggles the built-in event observers.
type EventsConfig struct {
	Audit   bool       `koanf:"audit"`
	Metrics bool       `koanf:"metrics"`
	NATS    NATSConfig `koanf:"nats"`
}

// NATSConfig configures the webhook fan-out publisher.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig controls redaction of persisted prompt and response text.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	ServiceName     string `koanf:"service_name"`
	Insecure        bool   `koanf:"insecure"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9494,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Model: ModelConfig{
			Provider: "openai",
			Providers: map[string]ProviderConfig{
				"openai": {
					Model:       "gpt-4",
					MaxTokens:   2000,
					Temperature: 0.7,
					Timeout:     Duration(60 * time.Second),
				},
				"anthropic": {
					Model:       "claude-3-5-haiku-20241022",
					MaxTokens:   2000,
					Temperature: 0.7,
					Timeout:     Duration(60 * time.Second),
				},
				"local": {
					Type: "scripted",
				},
			},
		},
		Engine: EngineConfig{
			MaxRetries:     1,
			RetryBackoff:   Duration(2 * time.Second),
			FailurePolicy:  PolicyHalt,
			Workers:        4,
			QueueThreshold: 16,
		},
		Integration: IntegrationConfig{
			Enabled: false,
			WorkDir: ".",
			VCS: VCSConfig{
				AuthorName:  "orchestrd",
				AuthorEmail: "orchestrd@localhost",
			},
			Deployment: DeploymentConfig{
				Environment: "staging",
			},
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Events: EventsConfig{
			Audit:   true,
			Metrics: true,
			NATS: NATSConfig{
				SubjectPrefix: "orchestrd.runs",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "orchestrd",
			Insecure:    true,
		},
	}
}

// applyDefaults fills provider fields a partial YAML entry left empty, and
// credentials from the conventional environment variables.
func applyDefaults(cfg *Config) {
	defaults := Default().Model.Providers
	for name, p := range cfg.Model.Providers {
		if d, ok := defaults[name]; ok {
			if p.Model == "" {
				p.Model = d.Model
			}
			if p.MaxTokens == 0 {
				p.MaxTokens = d.MaxTokens
			}
			if p.Timeout == 0 {
				p.Timeout = d.Timeout
			}
		}
		cfg.Model.Providers[name] = p
	}

	// Slices are left nil in Default(): the decoder merges element-wise
	// into existing slices instead of replacing them.
	if len(cfg.Integration.Kinds) == 0 {
		cfg.Integration.Kinds = append([]string(nil), IntegrationKinds...)
	}

	for name, p := range cfg.Model.Providers {
		if p.APIKey.IsSet() {
			continue
		}
		switch p.providerType(name) {
		case "anthropic":
			p.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
		case "openai":
			p.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
		}
		cfg.Model.Providers[name] = p
	}
	if !cfg.Integration.Deployment.Token.IsSet() {
		cfg.Integration.Deployment.Token = Secret(os.Getenv("GITHUB_TOKEN"))
	}
}

func (p ProviderConfig) providerType(name string) string {
	if p.Type != "" {
		return p.Type
	}
	return name
}

// ProviderType returns the strategy implementation for the named provider.
func (c *ModelConfig) ProviderType(name string) string {
	return c.Providers[name].providerType(name)
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}

	if _, ok := c.Model.Providers[c.Model.Provider]; !ok {
		errs = append(errs, fmt.Errorf("model.provider %q has no entry in model.providers", c.Model.Provider))
	}
	for name, p := range c.Model.Providers {
		switch p.providerType(name) {
		case "anthropic", "openai", "langchain", "scripted":
		default:
			errs = append(errs, fmt.Errorf("model.providers.%s: unknown type %q", name, p.providerType(name)))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("model.providers.%s: temperature must be within [0, 2]", name))
		}
	}

	switch c.Engine.FailurePolicy {
	case PolicyHalt, PolicyBestEffort:
	default:
		errs = append(errs, fmt.Errorf("engine.failure_policy must be %q or %q, got %q",
			PolicyHalt, PolicyBestEffort, c.Engine.FailurePolicy))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must be >= 0"))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be > 0"))
	}
	if c.Engine.QueueThreshold < 0 {
		errs = append(errs, fmt.Errorf("engine.queue_threshold must be >= 0"))
	}

	for _, kind := range c.Integration.Kinds {
		if !knownKind(kind) {
			errs = append(errs, fmt.Errorf("integration.kinds: unknown kind %q (known: %s)",
				kind, strings.Join(IntegrationKinds, ", ")))
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q", StoreMemory, StoreSQLite))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func knownKind(kind string) bool {
	for _, k := range IntegrationKinds {
		if k == kind {
			return true
		}
	}
	return false
}
