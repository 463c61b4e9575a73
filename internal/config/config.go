package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/mimic/internal/otel"
)

// GeneratorConfig holds settings for the text-generation client.
type GeneratorConfig struct {
	// APIKeys is the ordered key pool. Env keys (GEMINI_API_KEY_1..3) are
	// appended after any keys listed here.
	APIKeys []string `yaml:"api_keys"`
	Model   string   `yaml:"model"`
}

// ReferralConfig holds the referral-gated watermark settings.
type ReferralConfig struct {
	// Threshold is the number of distinct verified joins that unlocks
	// (removes) the watermark.
	Threshold int `yaml:"threshold"`
	// Watermark is the suffix appended to clone replies while locked.
	// Empty uses a default built from the master bot username.
	Watermark string `yaml:"watermark"`
}

// BroadcastConfig tunes the admin broadcast fan-out.
type BroadcastConfig struct {
	Concurrency int `yaml:"concurrency"`
	SendDelayMS int `yaml:"send_delay_ms"`
}

// WorkerConfig tunes the per-clone worker process.
type WorkerConfig struct {
	// ProbeIntervalMinutes is the background credential-liveness probe period.
	ProbeIntervalMinutes int `yaml:"probe_interval_minutes"`
	// ProbeMinGapSeconds rate-limits the pre-message probe so a slow
	// probe does not tax every single reply.
	ProbeMinGapSeconds int `yaml:"probe_min_gap_seconds"`
}

// SupervisorConfig tunes the orchestrator's worker supervision.
type SupervisorConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	// MaxRestarts bounds automatic restarts per worker between sweeps of
	// a healthy state. 0 disables automatic restart.
	MaxRestarts int `yaml:"max_restarts"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// MasterToken is the master bot's Telegram credential.
	MasterToken string `yaml:"master_token"`
	// MasterBotUsername is used in referral links and the default watermark.
	MasterBotUsername string `yaml:"master_bot_username"`
	// AdminUserID is the only identity allowed to broadcast.
	AdminUserID int64 `yaml:"admin_user_id"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// MasterKey is the base64 symmetric key for credential encryption.
	// Env-only on purpose: it is never written back to config.yaml.
	MasterKey string `yaml:"-"`

	Generator  GeneratorConfig  `yaml:"generator"`
	Referral   ReferralConfig   `yaml:"referral"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  otel.Config      `yaml:"telemetry"`
}

// HomeDir returns the mimic data directory.
func HomeDir() string {
	if override := os.Getenv("MIMIC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mimic")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Generator: GeneratorConfig{
			Model: "gemini-2.5-flash",
		},
		Referral: ReferralConfig{
			Threshold: 5,
		},
		Broadcast: BroadcastConfig{
			Concurrency: 8,
			SendDelayMS: 50,
		},
		Worker: WorkerConfig{
			ProbeIntervalMinutes: 5,
			ProbeMinGapSeconds:   60,
		},
		Supervisor: SupervisorConfig{
			SweepIntervalSeconds: 30,
			MaxRestarts:          3,
		},
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mimic home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.MasterToken = raw
	}
	if raw := os.Getenv("MIMIC_MASTER_KEY"); raw != "" {
		cfg.MasterKey = raw
	}
	if raw := os.Getenv("MIMIC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MIMIC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ADMIN_USER_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.AdminUserID = v
		}
	}
	if raw := os.Getenv("MIMIC_REFERRAL_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Referral.Threshold = v
		}
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.Generator.Model = raw
	}
	// Numbered env keys are appended in order after config-file keys,
	// matching the pool order users expect from the env layout.
	for _, name := range []string{"GEMINI_API_KEY_1", "GEMINI_API_KEY_2", "GEMINI_API_KEY_3"} {
		if raw := os.Getenv(name); raw != "" {
			cfg.Generator.APIKeys = append(cfg.Generator.APIKeys, raw)
		}
	}
	if raw := os.Getenv("BROADCAST_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Broadcast.Concurrency = v
		}
	}
	if raw := os.Getenv("BROADCAST_DELAY_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.Broadcast.SendDelayMS = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "mimic.db")
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gemini-2.5-flash"
	}
	if cfg.Referral.Threshold <= 0 {
		cfg.Referral.Threshold = 5
	}
	if cfg.Broadcast.Concurrency <= 0 {
		cfg.Broadcast.Concurrency = 8
	}
	if cfg.Broadcast.SendDelayMS < 0 {
		cfg.Broadcast.SendDelayMS = 50
	}
	if cfg.Worker.ProbeIntervalMinutes <= 0 {
		cfg.Worker.ProbeIntervalMinutes = 5
	}
	if cfg.Worker.ProbeMinGapSeconds <= 0 {
		cfg.Worker.ProbeMinGapSeconds = 60
	}
	if cfg.Supervisor.SweepIntervalSeconds <= 0 {
		cfg.Supervisor.SweepIntervalSeconds = 30
	}
	if cfg.Referral.Watermark == "" {
		owner := cfg.MasterBotUsername
		if owner == "" {
			owner = "mimic_bot"
		}
		cfg.Referral.Watermark = fmt.Sprintf(
			"\n\n┈┈┈┈┈┈┈┈┈┈┈┈┈┈┈┈┈\n🔹 Cloned by @%s\nShare with %d friends to remove this",
			owner, cfg.Referral.Threshold)
	}
}

// Fingerprint returns a stable hash of the active config for change logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|model=%s|threshold=%d|bcast=%d/%d|probe=%d/%d",
		c.DBPath, c.LogLevel, c.Generator.Model, c.Referral.Threshold,
		c.Broadcast.Concurrency, c.Broadcast.SendDelayMS,
		c.Worker.ProbeIntervalMinutes, c.Worker.ProbeMinGapSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ProbeCronSpec returns the cron spec for the worker's background
// credential probe.
func (c Config) ProbeCronSpec() string {
	return fmt.Sprintf("@every %dm", c.Worker.ProbeIntervalMinutes)
}

// SweepCronSpec returns the cron spec for the supervisor health sweep.
func (c Config) SweepCronSpec() string {
	return fmt.Sprintf("@every %ds", c.Supervisor.SweepIntervalSeconds)
}

// Validate checks startup-fatal conditions for the master process.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.MasterToken) == "" {
		missing = append(missing, "master_token (TELEGRAM_TOKEN)")
	}
	if strings.TrimSpace(c.MasterKey) == "" {
		missing = append(missing, "MIMIC_MASTER_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
