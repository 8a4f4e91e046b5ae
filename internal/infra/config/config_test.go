package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arbiter-ai/internal/domain"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbiter.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Strategic.Timeout != 60*time.Second {
		t.Errorf("Strategic.Timeout = %v, want 60s", cfg.Strategic.Timeout)
	}
	if cfg.Cache.Capacity != 4096 {
		t.Errorf("Cache.Capacity = %d, want 4096", cfg.Cache.Capacity)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("Cache.SimilarityThreshold = %g, want 0.85", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Arbiter.Cooldown != 15*time.Second {
		t.Errorf("Arbiter.Cooldown = %v, want 15s", cfg.Arbiter.Cooldown)
	}
	if cfg.LLM.DefaultProvider != "ollama" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "ollama")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Capacity != 4096 {
		t.Errorf("expected defaults, got Cache.Capacity=%d", cfg.Cache.Capacity)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
arbiter:
  cooldown: 5s
strategic:
  timeout: 20s
  role: stealth
  simplified_tools: [MoveTo, Scan, Wait]
cache:
  capacity: 128
  approximate: true
llm:
  default_provider: "gpt"
  providers:
    - name: "gpt"
      type: "openai"
      api_key: "test-key"
      model: "gpt-4o-mini"
logger:
  level: "debug"
`, 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbiter.Cooldown != 5*time.Second {
		t.Errorf("Cooldown = %v, want 5s", cfg.Arbiter.Cooldown)
	}
	if cfg.Strategic.Timeout != 20*time.Second || cfg.Strategic.Role != "stealth" {
		t.Errorf("Strategic = %+v", cfg.Strategic)
	}
	if len(cfg.Strategic.SimplifiedTools) != 3 {
		t.Errorf("SimplifiedTools = %v", cfg.Strategic.SimplifiedTools)
	}
	if cfg.Cache.Capacity != 128 || !cfg.Cache.Approximate {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("unset fields keep defaults, got threshold %g", cfg.Cache.SimilarityThreshold)
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0].APIKey != "test-key" {
		t.Errorf("Providers mismatch: %+v", cfg.LLM.Providers)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "cache: [not a map", 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: info\n", 0o666)
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permissions error, got %v", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeConfig(t, "cache:\n  capacity: 0\n", 0o644)
	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBITER_LLM_DEFAULT_PROVIDER", "anthropic")
	t.Setenv("ARBITER_LOGGER_LEVEL", "debug")
	t.Setenv("ARBITER_TRACER_ENABLED", "true")
	t.Setenv("ARBITER_CACHE_APPROXIMATE", "true")
	t.Setenv("ARBITER_COOLDOWN", "3s")
	t.Setenv("LLM_TIMEOUT_MS", "1500")
	t.Setenv("LLM_CACHE_CAP", "64")
	t.Setenv("LLM_SIMILARITY_THRESHOLD", "0.9")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider = %q", cfg.LLM.DefaultProvider)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled = false")
	}
	if !cfg.Cache.Approximate {
		t.Error("Cache.Approximate = false")
	}
	if cfg.Arbiter.Cooldown != 3*time.Second {
		t.Errorf("Cooldown = %v", cfg.Arbiter.Cooldown)
	}
	if cfg.Strategic.Timeout != 1500*time.Millisecond {
		t.Errorf("Strategic.Timeout = %v, want 1.5s", cfg.Strategic.Timeout)
	}
	if cfg.Cache.Capacity != 64 {
		t.Errorf("Cache.Capacity = %d, want 64", cfg.Cache.Capacity)
	}
	if cfg.Cache.SimilarityThreshold != 0.9 {
		t.Errorf("SimilarityThreshold = %g", cfg.Cache.SimilarityThreshold)
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("LLM_TIMEOUT_MS", "soon")
	t.Setenv("LLM_CACHE_CAP", "-5")
	t.Setenv("LLM_SIMILARITY_THRESHOLD", "2")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Strategic.Timeout != 60*time.Second || cfg.Cache.Capacity != 4096 || cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("invalid env values must be ignored: %+v %+v", cfg.Strategic, cfg.Cache)
	}
}

func TestApplyEnvOverridesProviderAPIKey(t *testing.T) {
	t.Setenv("ARBITER_LLM_PROVIDER_OPENAI_COMPAT_API_KEY", "sk-env")

	cfg := Defaults()
	cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{Name: "openai-compat", Type: "openai"})
	ApplyEnvOverrides(cfg)

	if got := cfg.LLM.Providers[1].APIKey; got != "sk-env" {
		t.Errorf("APIKey = %q, want sk-env", got)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}

	if _, err := DecryptValue(encrypted, "wrong-pass"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	for _, in := range []string{"no-separator", "zz:00", "00:zz", "00:00"} {
		if _, err := DecryptValue(in, "pass"); err == nil {
			t.Errorf("DecryptValue(%q) succeeded, want error", in)
		}
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-config-key"
	encrypted, err := EncryptValue("sk-secret123456", passphrase)
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
llm:
  default_provider: claude
  providers:
    - name: claude
      type: anthropic
      api_key: "enc:`+encrypted+`"
`, 0o600)
	t.Setenv("ARBITER_CONFIG_KEY", passphrase)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Providers[0].APIKey != "sk-secret123456" {
		t.Errorf("APIKey = %q", cfg.LLM.Providers[0].APIKey)
	}
}

func TestDecryptSecretsLeavesPlainKeys(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "gpt", APIKey: "sk-plain"}}
	if err := decryptSecrets(cfg, "pass"); err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Providers[0].APIKey != "sk-plain" {
		t.Errorf("APIKey = %q", cfg.LLM.Providers[0].APIKey)
	}

	cfg.LLM.Providers[0].APIKey = "enc:bad"
	if err := decryptSecrets(cfg, "pass"); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestLoadWrongConfigKey(t *testing.T) {
	encrypted, err := EncryptValue("sk-secret123456", "right")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
llm:
  default_provider: claude
  providers:
    - name: claude
      type: anthropic
      api_key: "enc:`+encrypted+`"
`, 0o600)
	t.Setenv("ARBITER_CONFIG_KEY", "wrong")

	_, err = Load(path)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("err = %v, want ErrDecryption", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeDecryption {
		t.Errorf("code = %s", domain.ErrorCodeOf(err))
	}
}

func TestGatewayEnvOverrides(t *testing.T) {
	t.Setenv("ARBITER_GATEWAY_ENABLED", "true")
	t.Setenv("ARBITER_GATEWAY_ADDR", "127.0.0.1:9999")
	t.Setenv("ARBITER_GATEWAY_TOKEN", "tok")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if !cfg.Gateway.Enabled || cfg.Gateway.Addr != "127.0.0.1:9999" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0] != "tok" {
		t.Errorf("tokens = %v", cfg.Gateway.Tokens)
	}
}
