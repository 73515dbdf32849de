package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig          `yaml:"logger"`
	Tracer       TracerConfig          `yaml:"tracer"`
	Metrics      MetricsConfig         `yaml:"metrics"`
	Breaker      BreakerConfig         `yaml:"breaker"`
	Coordination CoordinationConfig    `yaml:"coordination"`
	Routing      RoutingConfig         `yaml:"routing"`
	Monitor      MonitorConfig         `yaml:"monitor"`
	Bus          BusConfig             `yaml:"bus"`
	Store        StoreConfig           `yaml:"store"`
	Scheduler    SchedulerConfig       `yaml:"scheduler"`
	Agents       []AgentInstanceConfig `yaml:"agents"`
	Includes     []string              `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// BreakerConfig holds per-agent circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// CoordinationConfig holds fan-out and strategy settings.
type CoordinationConfig struct {
	AgentTimeout       time.Duration `yaml:"agent_timeout"`
	CrisisTimeout      time.Duration `yaml:"crisis_timeout"`
	ConsensusThreshold float64       `yaml:"consensus_threshold"`
	HighConfidence     float64       `yaml:"high_confidence"` // synthesis cut-off for consensus
	MaxSupporting      int           `yaml:"max_supporting"`
	CrisisAgentID      string        `yaml:"crisis_agent_id"`
	CrisisKeywords     []string      `yaml:"crisis_keywords"`
}

// RoutingWeights are the six factor weights of the router.
type RoutingWeights struct {
	CulturalMatch     float64 `yaml:"cultural_match"`
	LoadBalance       float64 `yaml:"load_balance"`
	Performance       float64 `yaml:"performance"`
	Specialization    float64 `yaml:"specialization"`
	UserPreference    float64 `yaml:"user_preference"`
	SessionContinuity float64 `yaml:"session_continuity"`
}

// Sum returns the total weight.
func (w RoutingWeights) Sum() float64 {
	return w.CulturalMatch + w.LoadBalance + w.Performance + w.Specialization + w.UserPreference + w.SessionContinuity
}

// RoutingConfig holds router settings.
type RoutingConfig struct {
	Weights     RoutingWeights `yaml:"weights"`
	HistorySize int            `yaml:"history_size"` // routing decisions kept per session
	EMAAlpha    float64        `yaml:"ema_alpha"`
	Alternates  int            `yaml:"alternates"`
}

// ThresholdsConfig holds alert thresholds. Response times are durations,
// satisfaction is on a 0-5 scale, rates are fractions and resources are percent.
type ThresholdsConfig struct {
	ResponseTimeWarning  time.Duration `yaml:"response_time_warning"`
	ResponseTimeCritical time.Duration `yaml:"response_time_critical"`
	SatisfactionWarning  float64       `yaml:"satisfaction_warning"`
	SatisfactionCritical float64       `yaml:"satisfaction_critical"`
	ErrorRateWarning     float64       `yaml:"error_rate_warning"`
	ErrorRateCritical    float64       `yaml:"error_rate_critical"`
	CPUWarning           float64       `yaml:"cpu_warning"`
	CPUCritical          float64       `yaml:"cpu_critical"`
	MemoryWarning        float64       `yaml:"memory_warning"`
	MemoryCritical       float64       `yaml:"memory_critical"`
}

// MonitorConfig holds Performance Monitor settings.
type MonitorConfig struct {
	Thresholds  ThresholdsConfig `yaml:"thresholds"`
	Retention   time.Duration    `yaml:"retention"`
	MaxRecords  int              `yaml:"max_records"`
	TrendWindow int              `yaml:"trend_window"` // most recent points used for regression
	ErrorWindow int              `yaml:"error_window"` // records used to compute error rate
}

// BusConfig selects the Coordination Bus transport.
type BusConfig struct {
	Transport     string `yaml:"transport"` // "local" or "redis"
	RedisURL      string `yaml:"redis_url"`
	ChannelPrefix string `yaml:"channel_prefix"`
	RequestTopic  string `yaml:"request_topic"`
}

// StoreConfig selects the session/metrics record store.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "memory", "sqlite" or "redis"
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SchedulerConfig holds maintenance scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single maintenance task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // trim_history, health_sweep, auto_optimize
}

// AgentInstanceConfig defines a single agent instance.
type AgentInstanceConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	Kind            string            `yaml:"kind"` // "http", "bedrock" or "scripted"
	Capabilities    []string          `yaml:"capabilities,omitempty"`
	Specializations []string          `yaml:"specializations,omitempty"`
	MaxConcurrency  int               `yaml:"max_concurrency"`
	Metadata        map[string]string `yaml:"metadata,omitempty"`

	// http
	URL       string        `yaml:"url,omitempty"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit float64       `yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst,omitempty"`

	// bedrock
	Model        string `yaml:"model,omitempty"`
	Region       string `yaml:"region,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	MaxTokens    int    `yaml:"max_tokens,omitempty"`

	// scripted
	Script *ScriptConfig `yaml:"script,omitempty"`
}

// ScriptConfig configures a deterministic scripted agent.
type ScriptConfig struct {
	Response          string        `yaml:"response"`
	Confidence        float64       `yaml:"confidence"`
	CulturalRelevance float64       `yaml:"cultural_relevance"`
	Latency           time.Duration `yaml:"latency"`
	EscalateOn        []string      `yaml:"escalate_on,omitempty"`
	ActionItems       []string      `yaml:"action_items,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
			Path:    "/metrics",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OpenTimeout:      60 * time.Second,
		},
		Coordination: CoordinationConfig{
			AgentTimeout:       30 * time.Second,
			CrisisTimeout:      5 * time.Second,
			ConsensusThreshold: 0.8,
			HighConfidence:     0.8,
			MaxSupporting:      2,
			CrisisAgentID:      "crisis",
			CrisisKeywords: []string{
				"suicide", "suicidal", "kill myself", "end my life", "self-harm", "self harm",
				"hurt myself", "overdose", "no reason to live", "want to die",
			},
		},
		Routing: RoutingConfig{
			Weights: RoutingWeights{
				CulturalMatch:     0.20,
				LoadBalance:       0.15,
				Performance:       0.25,
				Specialization:    0.20,
				UserPreference:    0.10,
				SessionContinuity: 0.10,
			},
			HistorySize: 50,
			EMAAlpha:    0.2,
			Alternates:  3,
		},
		Monitor: MonitorConfig{
			Thresholds: ThresholdsConfig{
				ResponseTimeWarning:  3 * time.Second,
				ResponseTimeCritical: 10 * time.Second,
				SatisfactionWarning:  3.5,
				SatisfactionCritical: 2.5,
				ErrorRateWarning:     0.05,
				ErrorRateCritical:    0.15,
				CPUWarning:           70,
				CPUCritical:          90,
				MemoryWarning:        75,
				MemoryCritical:       90,
			},
			Retention:   7 * 24 * time.Hour,
			MaxRecords:  1000,
			TrendWindow: 50,
			ErrorWindow: 20,
		},
		Bus: BusConfig{
			Transport:     "local",
			ChannelPrefix: "mosaic.",
			RequestTopic:  "orchestration.request",
		},
		Store: StoreConfig{
			Backend:   "memory",
			Path:      "./data/mosaic.db",
			KeyPrefix: "mosaic:",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "trim-history", Schedule: "10m", Action: "trim_history"},
				{Name: "health-sweep", Schedule: "1m", Action: "health_sweep"},
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(PassphraseEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MOSAIC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MOSAIC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MOSAIC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MOSAIC_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("MOSAIC_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
	if v := os.Getenv("MOSAIC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MOSAIC_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	if v := os.Getenv("MOSAIC_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("MOSAIC_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("MOSAIC_BREAKER_OPEN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.OpenTimeout = d
		}
	}
	if v := os.Getenv("MOSAIC_COORDINATION_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordination.AgentTimeout = d
		}
	}
	if v := os.Getenv("MOSAIC_COORDINATION_CRISIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordination.CrisisTimeout = d
		}
	}
	if v := os.Getenv("MOSAIC_COORDINATION_CRISIS_AGENT"); v != "" {
		cfg.Coordination.CrisisAgentID = v
	}
	if v := os.Getenv("MOSAIC_COORDINATION_CRISIS_KEYWORDS"); v != "" {
		cfg.Coordination.CrisisKeywords = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MOSAIC_BUS_TRANSPORT"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := os.Getenv("MOSAIC_BUS_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("MOSAIC_BUS_REQUEST_TOPIC"); v != "" {
		cfg.Bus.RequestTopic = v
	}
	if v := os.Getenv("MOSAIC_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("MOSAIC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MOSAIC_STORE_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("MOSAIC_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element,
// dropping empty entries.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PassphraseEnv names the variable holding the passphrase for "enc:" values.
const PassphraseEnv = "MOSAIC_CONFIG_KEY"

// SecretPrefix marks an encrypted config value.
const SecretPrefix = "enc:"

// decryptSecrets finds "enc:..." values in secret-bearing fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	decrypt := func(name string, fp *string) error {
		if !strings.HasPrefix(*fp, SecretPrefix) {
			return nil
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, SecretPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
		return nil
	}

	if err := decrypt("bus.redis_url", &cfg.Bus.RedisURL); err != nil {
		return err
	}
	if err := decrypt("store.redis_url", &cfg.Store.RedisURL); err != nil {
		return err
	}
	for i := range cfg.Agents {
		if err := decrypt(fmt.Sprintf("agent %s api_key", cfg.Agents[i].ID), &cfg.Agents[i].APIKey); err != nil {
			return err
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
