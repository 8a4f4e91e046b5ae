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

	"arbiter-ai/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Strategic StrategicConfig `yaml:"strategic"`
	Cache     CacheConfig     `yaml:"cache"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// ArbiterConfig holds tick-loop settings.
type ArbiterConfig struct {
	AgentID               string        `yaml:"agent_id"`
	Cooldown              time.Duration `yaml:"cooldown"` // snapshot time between background requests
	RequestWhileExecuting bool          `yaml:"request_while_executing"`
	TickInterval          time.Duration `yaml:"tick_interval"`
}

// StrategicConfig holds settings for background plan requests.
type StrategicConfig struct {
	Model           string        `yaml:"model"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	Workers         int           `yaml:"workers"`
	RatePerSecond   float64       `yaml:"rate_per_second"` // 0 disables limiting
	RateBurst       int           `yaml:"rate_burst"`
	Role            string        `yaml:"role"`
	SimplifiedTools []string      `yaml:"simplified_tools"` // empty selects the built-in subset
	Tiktoken        bool          `yaml:"tiktoken"`         // exact token counts; may download the vocabulary
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Capacity            int     `yaml:"capacity"`
	Approximate         bool    `yaml:"approximate"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	PersistPath         string  `yaml:"persist_path"` // SQLite file; empty disables warm start
}

// FallbackConfig holds fallback-chain settings.
type FallbackConfig struct {
	TierRetries int    `yaml:"tier_retries"`
	StartTier   string `yaml:"start_tier"`
	RulesFile   string `yaml:"rules_file"`
	WatchRules  bool   `yaml:"watch_rules"`
}

// FailoverConfig lists clients tried after the default one fails.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds inference client settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for inference clients.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single inference client.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ContextSize int           `yaml:"context_size,omitempty"` // ollama num_ctx
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	RegistryFile     string `yaml:"registry_file"` // YAML vocabulary; empty uses the built-in one
	EnforceCooldowns bool   `yaml:"enforce_cooldowns"`
	EnforceLOS       bool   `yaml:"enforce_los"`
	EnforceStamina   bool   `yaml:"enforce_stamina"`
}

// SchedulerConfig holds maintenance job settings.
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Jobs    []JobConfig `yaml:"jobs"`
}

// JobConfig is one maintenance job.
type JobConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot"`
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

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// GatewayConfig holds the HTTP/WebSocket control surface settings.
type GatewayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	Tokens         []string `yaml:"tokens"` // empty disables authentication
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
}

// defaultDataDir returns the persistent data directory under $HOME/.arbiter.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".arbiter")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Arbiter: ArbiterConfig{
			AgentID:      "companion",
			Cooldown:     15 * time.Second,
			TickInterval: 100 * time.Millisecond,
		},
		Strategic: StrategicConfig{
			Temperature: 0.5,
			MaxTokens:   512,
			Timeout:     60 * time.Second,
			Workers:     4,
			RateBurst:   1,
			Role:        "tactical",
		},
		Cache: CacheConfig{
			Capacity:            4096,
			SimilarityThreshold: 0.85,
			PersistPath:         filepath.Join(defaultDataDir(), "cache.db"),
		},
		Fallback: FallbackConfig{
			TierRetries: 1,
		},
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			Providers: []ProviderConfig{{
				Name:        "ollama",
				Type:        "ollama",
				BaseURL:     "http://localhost:11434",
				Model:       "adrienbrault/nous-hermes2pro:Q4_K_M",
				ContextSize: 8192,
			}},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			EnforceCooldowns: true,
			EnforceLOS:       true,
			EnforceStamina:   true,
		},
		Scheduler: SchedulerConfig{
			Jobs: []JobConfig{
				{Name: "cache-persist", Schedule: "@every 5m", Action: "cache_persist"},
				{Name: "stats-report", Schedule: "@every 1m", Action: "stats_report"},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8089",
			RequestsPerMin: 600,
			Burst:          20,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ARBITER_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrDecryption, err.Error())
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ARBITER_* and the LLM_* shorthands to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARBITER_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("ARBITER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ARBITER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ARBITER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ARBITER_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("ARBITER_METRICS_ENABLED"); v == "true" {
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("ARBITER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("ARBITER_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("ARBITER_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("ARBITER_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, v)
	}
	if v := os.Getenv("ARBITER_STRATEGIC_MODEL"); v != "" {
		cfg.Strategic.Model = v
	}
	if v := os.Getenv("ARBITER_STRATEGIC_ROLE"); v != "" {
		cfg.Strategic.Role = v
	}
	if v := os.Getenv("ARBITER_CACHE_APPROXIMATE"); v != "" {
		cfg.Cache.Approximate = v == "true"
	}
	if v := os.Getenv("ARBITER_CACHE_PERSIST_PATH"); v != "" {
		cfg.Cache.PersistPath = v
	}
	if v := os.Getenv("ARBITER_FALLBACK_RULES_FILE"); v != "" {
		cfg.Fallback.RulesFile = v
	}
	if v := os.Getenv("ARBITER_TOOLS_REGISTRY_FILE"); v != "" {
		cfg.Tools.RegistryFile = v
	}
	if v := os.Getenv("ARBITER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Arbiter.Cooldown = d
		}
	}

	if v := os.Getenv("LLM_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Strategic.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LLM_CACHE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.Capacity = n
		}
	}
	if v := os.Getenv("LLM_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Cache.SimilarityThreshold = f
		}
	}

	// Per-provider API key overrides: ARBITER_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("ARBITER_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_")))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// decryptSecrets finds "enc:..." values in provider API keys and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if !strings.HasPrefix(key, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
		cfg.LLM.Providers[i].APIKey = decrypted
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

// DecryptValue decrypts a value produced by EncryptValue.
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
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
