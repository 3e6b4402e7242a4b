package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskbridge.yml.
type Config struct {
	Remote struct {
		BaseURL        string `yaml:"base_url"`
		AuthType       string `yaml:"auth_type"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"remote"`
	Profiles  []Profile `yaml:"profiles"`
	Readiness struct {
		IntervalSeconds int     `yaml:"interval_seconds"`
		GraceSeconds    int     `yaml:"grace_seconds"`
		Stages          []Stage `yaml:"stages"`
	} `yaml:"readiness"`
	Identity struct {
		MaxAttempts    int  `yaml:"max_attempts"`
		BackoffSeconds int  `yaml:"backoff_seconds"`
		Strict         bool `yaml:"strict"`
	} `yaml:"identity"`
	Sync struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"sync"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Profile names one actor identity bound to its own remote account.
type Profile struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
}

// Stage is one ordered readiness precondition.
type Stage struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	Expect         []int  `yaml:"expect"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config.remote.base_url is required")
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("config.profiles is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("config.profiles contains empty profile name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config.profiles has duplicate profile %s", p.Name)
		}
		seen[p.Name] = true
	}
	if len(c.Readiness.Stages) == 0 {
		return fmt.Errorf("config.readiness.stages is required")
	}
	for i, s := range c.Readiness.Stages {
		if s.Name == "" {
			return fmt.Errorf("readiness stage %d has empty name", i)
		}
		if s.URL == "" {
			return fmt.Errorf("readiness stage %s has empty url", s.Name)
		}
		if len(s.Expect) == 0 {
			return fmt.Errorf("readiness stage %s has empty expect set", s.Name)
		}
		if s.TimeoutSeconds <= 0 {
			return fmt.Errorf("readiness stage %s needs timeout_seconds > 0", s.Name)
		}
	}
	if c.Readiness.IntervalSeconds < 0 || c.Readiness.GraceSeconds < 0 {
		return fmt.Errorf("config.readiness intervals must not be negative")
	}
	if c.Identity.MaxAttempts < 0 || c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("config max_attempts must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskbridge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return fmt.Sprintf(defaultTemplate, baseURL, baseURL, baseURL, baseURL)
}

// Profile returns the profile with the given name, if configured.
func (c *Config) Profile(name string) (Profile, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// ProfileNames returns configured profile names in declaration order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		names = append(names, p.Name)
	}
	return names
}

func (c *Config) RemoteTimeout() time.Duration {
	if c.Remote.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

func (c *Config) ReadinessInterval() time.Duration {
	if c.Readiness.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Readiness.IntervalSeconds) * time.Second
}

func (c *Config) ReadinessGrace() time.Duration {
	return time.Duration(c.Readiness.GraceSeconds) * time.Second
}

func (c *Config) IdentityBackoff() time.Duration {
	if c.Identity.BackoffSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Identity.BackoffSeconds) * time.Second
}

const defaultTemplate = `remote:
  base_url: %s
  auth_type: normal
  timeout_seconds: 10

profiles:
  - name: ide
    username: ide
    email: ide@local
  - name: scrum
    username: scrum
    email: scrum@local

readiness:
  interval_seconds: 2
  grace_seconds: 5
  stages:
    - name: gateway
      url: %s/
      expect: [200]
      timeout_seconds: 300
    - name: api
      url: %s/api/v1
      expect: [200]
      timeout_seconds: 120

    # The auth endpoint rejects anonymous requests once the backend has
    # finished migrating; 401/405 is the ready signal, not an error.
    - name: auth
      url: %s/api/v1/auth
      expect: [401, 405]
      timeout_seconds: 120

identity:
  max_attempts: 5
  backoff_seconds: 2
  strict: false

sync:
  max_attempts: 12

server:
  addr: 127.0.0.1:8787
  base_path: /v0
`
