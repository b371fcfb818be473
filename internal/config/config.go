package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`

	RemoteAgents []string `yaml:"remote_agents"`
	// SettleDelay gives remote agents time to finish registering before the
	// first message is processed.
	SettleDelay time.Duration `yaml:"settle_delay"`

	LLM LLMConfig `yaml:"llm"`

	// DelegationPolicy is "degrade" or "strict".
	DelegationPolicy string        `yaml:"delegation_policy"`
	PendingTTL       time.Duration `yaml:"pending_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type LLMConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Load reads the YAML config file when present, then applies HOSTAGENT_*
// environment overrides on top. A .env file in the working directory is
// loaded first, without overriding variables already set.
func Load(path string) (Config, error) {
	loadDotEnv(".env")

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "hostagent.db")
	}
	switch cfg.DelegationPolicy {
	case "", "degrade", "strict":
	default:
		return Config{}, fmt.Errorf("invalid delegation_policy %q", cfg.DelegationPolicy)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTPAddr:         ":8080",
		DataDir:          "data",
		SettleDelay:      2 * time.Second,
		DelegationPolicy: "degrade",
		PendingTTL:       30 * time.Minute,
		SweepInterval:    5 * time.Minute,
		LLM: LLMConfig{
			APIBase: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "HOSTAGENT_HTTP_ADDR")
	setString(&cfg.DataDir, "HOSTAGENT_DATA_DIR")
	setString(&cfg.DBPath, "HOSTAGENT_DB_PATH")
	setString(&cfg.DelegationPolicy, "HOSTAGENT_DELEGATION_POLICY")
	setString(&cfg.LLM.APIBase, "HOSTAGENT_LLM_API_BASE")
	setString(&cfg.LLM.APIKey, "HOSTAGENT_LLM_API_KEY")
	setString(&cfg.LLM.Model, "HOSTAGENT_LLM_MODEL")

	if v := os.Getenv("HOSTAGENT_REMOTE_AGENTS"); v != "" {
		var agents []string
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				agents = append(agents, addr)
			}
		}
		cfg.RemoteAgents = agents
	}
	setDuration(&cfg.SettleDelay, "HOSTAGENT_SETTLE_DELAY")
	setDuration(&cfg.PendingTTL, "HOSTAGENT_PENDING_TTL")
	setDuration(&cfg.SweepInterval, "HOSTAGENT_SWEEP_INTERVAL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// Bare numbers are taken as seconds.
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

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
