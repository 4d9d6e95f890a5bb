package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/agentforge/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the per-user and per-project configuration directory name.
const Dir = ".agentforge"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Knowledge selects the backing database of the knowledge store.
type Knowledge struct {
	Driver  string `yaml:"driver"`   // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`      // postgres connection string
	DataDir string `yaml:"data_dir"` // sqlite directory
}

type AgentSettings struct {
	RunTests        bool   `yaml:"run_tests"`
	TestCommand     string `yaml:"test_command"`
	LearningEnabled bool   `yaml:"learning_enabled"`
}

type Events struct {
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

type Config struct {
	LLMClient   string  `yaml:"llm"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	WorkDir              string           `yaml:"workdir"`
	CommandTimeout       time.Duration    `yaml:"command_timeout"`

	Knowledge Knowledge     `yaml:"knowledge"`
	Agent     AgentSettings `yaml:"agent"`
	Events    Events        `yaml:"events"`

	MetricsAddr  string `yaml:"metrics_addr"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// Default returns the configuration used when no file or environment
// variable overrides a field.
func Default() *Config {
	cfg := &Config{
		LLMClient:       "glm",
		Model:           "glm-4",
		BaseURL:         "https://open.bigmodel.cn/api/paas/v4",
		Temperature:     0.7,
		MaxTokens:       4096,
		AllowedCommands: []string{"git", "npm", "pnpm", "yarn", "python", "pytest", "node"},
		WorkDir:         ".",
		CommandTimeout:  5 * time.Minute,
		Knowledge: Knowledge{
			Driver:  "sqlite",
			DataDir: Dir,
		},
		Agent: AgentSettings{
			TestCommand:     "pytest -v",
			LearningEnabled: true,
		},
		Events: Events{
			NATSSubject:  "agentforge.events",
			RedisChannel: "agentforge:events",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
	// The config directory holds the knowledge database; keep it away from tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, Dir, Dir+"/**")
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. Environment variables
// are applied last.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, Dir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, Dir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML replace what is already set; lists are
	// replaced, not merged.
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv overrides fields from environment variables; every set variable
// wins over the files. getenv is usually os.Getenv; tests pass a map lookup.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("GLM_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := getenv("GLM_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("GLM_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Knowledge.Driver = "postgres"
		c.Knowledge.DSN = v
	}
	if v := getenv("ALLOWED_COMMANDS"); v != "" {
		c.AllowedCommands = SplitList(v)
	}
	if v := getenv("LEARNING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Agent.LearningEnabled = b
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
}

// Validate reports the first inconsistent field.
func (c *Config) Validate() error {
	switch c.Knowledge.Driver {
	case "sqlite":
		if c.Knowledge.DataDir == "" {
			return errors.Wrapf(errors.ErrInvalidConfig, "knowledge.data_dir is required for sqlite")
		}
	case "postgres":
		if c.Knowledge.DSN == "" {
			return errors.Wrapf(errors.ErrInvalidConfig, "knowledge.dsn is required for postgres")
		}
	default:
		return errors.Wrapf(errors.ErrInvalidConfig, "unknown knowledge driver %q", c.Knowledge.Driver)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.Wrapf(errors.ErrInvalidConfig, "temperature %.2f out of range [0,2]", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "max_tokens must be positive")
	}
	for _, s := range c.AdditionalMCPServers {
		if s.Name == "" || s.Command == "" {
			return errors.Wrapf(errors.ErrInvalidConfig, "mcp server entries need a name and a command")
		}
	}
	return nil
}

// SplitList parses a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
