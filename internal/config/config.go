package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "BRONS"

// Config is read from BRONS_* variables. Tagged names also resolve
// without the prefix, so ANTHROPIC_API_KEY works as well as
// BRONS_ANTHROPIC_API_KEY.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`
	DataDir   string `envconfig:"DATA_DIR" default:"data"`
	DBPath    string `envconfig:"DB_PATH"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	PublicURL string `envconfig:"PUBLIC_URL"`

	// RestartToken guards POST /api/admin/restart when set.
	RestartToken string `envconfig:"RESTART_TOKEN"`
	// WebDir holds the built dashboard; empty serves the API only.
	WebDir string `envconfig:"WEB_DIR"`

	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel   string `envconfig:"ANTHROPIC_MODEL"`
	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL"`

	GmailClientID     string `envconfig:"GMAIL_CLIENT_ID"`
	GmailClientSecret string `envconfig:"GMAIL_CLIENT_SECRET"`
	GmailRefreshToken string `envconfig:"GMAIL_REFRESH_TOKEN"`
	GmailAccessToken  string `envconfig:"GMAIL_ACCESS_TOKEN"`

	MaxTurns         int           `envconfig:"MAX_TURNS" default:"20"`
	MaxToolCalls     int           `envconfig:"MAX_TOOL_CALLS" default:"50"`
	RunTimeout       time.Duration `envconfig:"RUN_TIMEOUT" default:"300s"`
	MemoryCompaction bool          `envconfig:"MEMORY_COMPACTION" default:"true"`
	PolicyFile       string        `envconfig:"POLICY_FILE"`
	SeedFile         string        `envconfig:"SEED_FILE"`

	SlackToken   string `envconfig:"SLACK_TOKEN"`
	SlackChannel string `envconfig:"SLACK_CHANNEL"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"brons.events"`
}

func Load() (Config, error) {
	loadDotEnv(".env")
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "brons.db")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.MaxTurns <= 0 || c.MaxToolCalls <= 0 || c.RunTimeout <= 0 {
		return fmt.Errorf("run limits must be positive")
	}
	if (c.SlackToken == "") != (c.SlackChannel == "") {
		return fmt.Errorf("slack token and channel must be set together")
	}
	return nil
}

func (c Config) SlackEnabled() bool { return c.SlackToken != "" && c.SlackChannel != "" }

func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
