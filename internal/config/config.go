package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models triageline.yml.
type Config struct {
	Triage struct {
		Threshold float64 `yaml:"threshold"`
	} `yaml:"triage"`
	Predictor PredictorConfig `yaml:"predictor"`
	Import    struct {
		GitHub GitHubImportConfig `yaml:"github"`
		Local  LocalImportConfig  `yaml:"local"`
	} `yaml:"import"`
	Directory struct {
		Developers []DeveloperSeed `yaml:"developers"`
	} `yaml:"directory"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

type PredictorConfig struct {
	Kind     string              `yaml:"kind"`
	Endpoint string              `yaml:"endpoint"`
	Timeout  Duration            `yaml:"timeout"`
	TopN     int                 `yaml:"top_n"`
	Lexicon  map[string][]string `yaml:"lexicon"`
}

type GitHubImportConfig struct {
	Repos       []string `yaml:"repos"`
	State       string   `yaml:"state"`
	BaseURL     string   `yaml:"base_url"`
	TokenEnv    string   `yaml:"token_env"`
	MaxCount    int      `yaml:"max_count"`
	Timeout     Duration `yaml:"timeout"`
	Concurrency int      `yaml:"concurrency"`
}

type LocalImportConfig struct {
	Path     string `yaml:"path"`
	MaxCount int    `yaml:"max_count"`
}

type DeveloperSeed struct {
	Username string `yaml:"username"`
	FullName string `yaml:"full_name"`
	Email    string `yaml:"email"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	BasePath       string   `yaml:"base_path"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration reads Go duration strings ("5s") from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and validates config from workspace; a missing file yields defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Triage.Threshold < 0 || c.Triage.Threshold > 1 {
		return fmt.Errorf("config.triage.threshold must be within [0,1]")
	}
	switch c.Predictor.Kind {
	case "lexicon":
		if len(c.Predictor.Lexicon) == 0 {
			return fmt.Errorf("config.predictor.lexicon is required for kind lexicon")
		}
		for dev, words := range c.Predictor.Lexicon {
			if strings.TrimSpace(dev) == "" {
				return fmt.Errorf("config.predictor.lexicon contains empty developer")
			}
			if len(words) == 0 {
				return fmt.Errorf("lexicon entry %s has no keywords", dev)
			}
		}
	case "http":
		if strings.TrimSpace(c.Predictor.Endpoint) == "" {
			return fmt.Errorf("config.predictor.endpoint is required for kind http")
		}
	default:
		return fmt.Errorf("config.predictor.kind must be 'lexicon' or 'http'")
	}
	if c.Predictor.Timeout.Duration <= 0 {
		return fmt.Errorf("config.predictor.timeout must be positive")
	}
	if c.Predictor.TopN <= 0 {
		return fmt.Errorf("config.predictor.top_n must be positive")
	}
	if c.Import.GitHub.MaxCount <= 0 || c.Import.Local.MaxCount <= 0 {
		return fmt.Errorf("config.import max_count values must be positive")
	}
	for _, repo := range c.Import.GitHub.Repos {
		if owner, name, ok := strings.Cut(repo, "/"); !ok || owner == "" || name == "" {
			return fmt.Errorf("config.import.github.repos entry %q must be owner/name", repo)
		}
	}
	if c.Import.GitHub.Timeout.Duration <= 0 {
		return fmt.Errorf("config.import.github.timeout must be positive")
	}
	for i, dev := range c.Directory.Developers {
		if strings.TrimSpace(dev.Username) == "" || strings.TrimSpace(dev.FullName) == "" {
			return fmt.Errorf("config.directory.developers[%d] needs username and full_name", i)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "triageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `triage:
  threshold: 0.50

predictor:
  kind: lexicon
  timeout: 5s
  top_n: 3
  lexicon:
    Alice Martin: [crash, startup, login, freeze, auth]
    Bob Chen: [ui, layout, render, css, theme]
    Carol Diaz: [database, query, migration, timeout, sql]

import:
  github:
    repos:
      - microsoft/vscode
      - microsoft/vscode-python
    state: open
    base_url: https://api.github.com
    token_env: GITHUB_PAT
    max_count: 50
    timeout: 20s
    concurrency: 4
  local:
    path: data/bugs.json
    max_count: 500

directory:
  developers:
    - username: alice
      full_name: Alice Martin
      email: alice@example.com
    - username: bob
      full_name: Bob Chen
      email: bob@example.com
    - username: carol
      full_name: Carol Diaz
      email: carol@example.com

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  request_timeout: 30s

log:
  level: info
  format: text

telemetry:
  enabled: false
  service_name: triageline
`
