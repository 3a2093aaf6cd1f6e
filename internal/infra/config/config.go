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

// Config is the root configuration for the clawremote client.
type Config struct {
	Relay       RelayConfig       `yaml:"relay"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Questions   QuestionsConfig   `yaml:"questions"`
	Logs        LogsConfig        `yaml:"logs"`
	SideChannel SideChannelConfig `yaml:"side_channel"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// RelayConfig holds the relay socket settings.
type RelayConfig struct {
	URL            string        `yaml:"url"`      // ws(s)://host[:port]; /ws is appended
	HTTPURL        string        `yaml:"http_url"` // defaults to URL with an http(s) scheme
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	BackoffFloor   time.Duration `yaml:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	DialRate       float64       `yaml:"dial_rate"` // dial attempts per second
	DialBurst      int           `yaml:"dial_burst"`
	// SkipEntitlementCheck disables the subscription precondition, which
	// self-hosted relays without billing do not implement.
	SkipEntitlementCheck bool `yaml:"skip_entitlement_check"`
}

// AuthConfig seeds the credential pair. Tokens persisted by a previous
// session take precedence.
type AuthConfig struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

// StorageConfig selects the DurableStore backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "sqlite", "file", "memory"; empty picks the platform default
	Path    string `yaml:"path"`
}

// CacheConfig holds offline snapshot settings.
type CacheConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// QuestionsConfig holds question tracker settings.
type QuestionsConfig struct {
	DismissGrace time.Duration `yaml:"dismiss_grace"`
}

// LogsConfig holds log streaming settings.
type LogsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	TailBytes    int           `yaml:"tail_bytes"`
}

// SideChannelConfig holds HTTP side-channel settings.
type SideChannelConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the side-channel breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // how long the breaker stays open
	Interval    time.Duration `yaml:"interval"` // closed-state counter reset period
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout", "file", "noop"
	Path        string `yaml:"path"`     // for the file exporter
	ServiceName string `yaml:"service_name"`
}

// defaultDataDir returns the persistent data directory under $HOME/.clawremote.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".clawremote")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:            "ws://127.0.0.1:8090",
			RequestTimeout: 5 * time.Second,
			DialTimeout:    10 * time.Second,
			BackoffFloor:   time.Second,
			BackoffCeiling: 30 * time.Second,
			DialRate:       1,
			DialBurst:      3,
		},
		Storage: StorageConfig{
			Path: defaultDataDir(),
		},
		Cache: CacheConfig{
			Debounce: 500 * time.Millisecond,
		},
		Questions: QuestionsConfig{
			DismissGrace: 10 * time.Second,
		},
		Logs: LogsConfig{
			PollInterval: 3 * time.Second,
			TailBytes:    64 * 1024,
		},
		SideChannel: SideChannelConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			ServiceName: "clawremote",
		},
	}
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err == nil {
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
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CLAWREMOTE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	cfg.fillDerived()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDerived sets fields whose defaults depend on other fields.
func (c *Config) fillDerived() {
	if c.Relay.HTTPURL == "" {
		c.Relay.HTTPURL = HTTPBase(c.Relay.URL)
	}
}

// HTTPBase converts a ws(s) relay URL into the matching http(s) base URL.
func HTTPBase(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	}
	return wsURL
}

// ApplyEnvOverrides maps CLAWREMOTE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWREMOTE_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("CLAWREMOTE_RELAY_HTTP_URL"); v != "" {
		cfg.Relay.HTTPURL = v
	}
	if v := os.Getenv("CLAWREMOTE_RELAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Relay.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLAWREMOTE_RELAY_SKIP_ENTITLEMENT_CHECK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Relay.SkipEntitlementCheck = b
		}
	}
	if v := os.Getenv("CLAWREMOTE_ACCESS_TOKEN"); v != "" {
		cfg.Auth.AccessToken = v
	}
	if v := os.Getenv("CLAWREMOTE_REFRESH_TOKEN"); v != "" {
		cfg.Auth.RefreshToken = v
	}
	if v := os.Getenv("CLAWREMOTE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("CLAWREMOTE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CLAWREMOTE_LOGS_TAIL_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Logs.TailBytes = n
		}
	}
	if v := os.Getenv("CLAWREMOTE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWREMOTE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWREMOTE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWREMOTE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." token values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"auth.access_token":  &cfg.Auth.AccessToken,
		"auth.refresh_token": &cfg.Auth.RefreshToken,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
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

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
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

// validatePermissions checks the config file has restrictive permissions.
// It may hold bearer tokens, so group/world write is rejected.
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
