package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Modes select the client transport.
const (
	ModeDebug      = "debug"
	ModeProduction = "production"
)

// Config captures the relay runtime parameters.
type Config struct {
	Mode                string        `mapstructure:"mode"`
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	TrustForwardedFor   bool          `mapstructure:"trust_forwarded_for"`
	TLS                 TLSConfig     `mapstructure:"tls"`
	Admin               AdminConfig   `mapstructure:"admin"`
	Session             SessionConfig `mapstructure:"session"`
	Store               StoreConfig   `mapstructure:"store"`
	Ban                 BanConfig     `mapstructure:"ban"`
}

// TLSConfig locates the production certificate pair.
type TLSConfig struct {
	Domain   string `mapstructure:"domain"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// AdminConfig describes the operational endpoints.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	GRPCAddress       string        `mapstructure:"grpc_address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// SessionConfig tunes the per-connection state machine.
type SessionConfig struct {
	IdentifyTimeout time.Duration `mapstructure:"identify_timeout"`
	InitialLives    int           `mapstructure:"initial_lives"`
	LifeInterval    time.Duration `mapstructure:"life_interval"`
	// MaxLives caps replenishment; zero leaves the counter unbounded.
	MaxLives        int           `mapstructure:"max_lives"`
	UpdateSignReply bool          `mapstructure:"update_sign_reply"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects and tunes the persistent store backend.
type StoreConfig struct {
	Backend           string        `mapstructure:"backend"`
	Path              string        `mapstructure:"path"`
	Bucket            string        `mapstructure:"bucket"`
	Region            string        `mapstructure:"region"`
	Prefix            string        `mapstructure:"prefix"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	SealKeyPath       string        `mapstructure:"seal_key_path"`
	SealPassphraseEnv string        `mapstructure:"seal_passphrase_env"`
}

// BanConfig lists static bans merged into the store snapshot at startup.
type BanConfig struct {
	IPs  []string `mapstructure:"ips"`
	UIDs []string `mapstructure:"uids"`
}

// Store backends.
const (
	BackendBolt   = "bolt"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

const (
	defaultMode                = ModeProduction
	defaultDebugAddress        = ":8080"
	defaultProductionAddress   = ":443"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultDomain              = "api.chattyapp.cf"
	defaultCertDir             = "/etc/letsencrypt/live"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultIdentifyTimeout     = 500 * time.Millisecond
	defaultInitialLives        = 10
	defaultLifeInterval        = 10 * time.Second
	defaultSendBuffer          = 32
	defaultReadLimit           = 1 << 20
	defaultWriteTimeout        = 10 * time.Second
	defaultBackend             = BackendBolt
	defaultStorePath           = "data/chatty.db"
	defaultStorePrefix         = "chats"
	defaultRetryAttempts       = 3
	defaultRetryBackoff        = 100 * time.Millisecond
	defaultSealPassphraseEnv   = "CHATTY_SEAL_PASSPHRASE"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHATTY_ and can override file values; the
// legacy `mode` and `DOMAIN` variables are honoured as well.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATTY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("mode", "CHATTY_MODE", "mode"); err != nil {
		return Config{}, fmt.Errorf("bind mode env: %w", err)
	}
	if err := v.BindEnv("tls.domain", "CHATTY_TLS_DOMAIN", "DOMAIN"); err != nil {
		return Config{}, fmt.Errorf("bind domain env: %w", err)
	}

	v.SetDefault("mode", defaultMode)
	v.SetDefault("listen_address", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("trust_forwarded_for", false)
	v.SetDefault("tls.domain", defaultDomain)
	v.SetDefault("tls.cert_path", "")
	v.SetDefault("tls.key_path", "")
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.grpc_address", "")
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("session.identify_timeout", defaultIdentifyTimeout.String())
	v.SetDefault("session.initial_lives", defaultInitialLives)
	v.SetDefault("session.life_interval", defaultLifeInterval.String())
	v.SetDefault("session.max_lives", 0)
	v.SetDefault("session.update_sign_reply", false)
	v.SetDefault("session.send_buffer", defaultSendBuffer)
	v.SetDefault("session.read_limit", defaultReadLimit)
	v.SetDefault("session.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("store.backend", defaultBackend)
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("store.bucket", "")
	v.SetDefault("store.region", "")
	v.SetDefault("store.prefix", defaultStorePrefix)
	v.SetDefault("store.retry_attempts", defaultRetryAttempts)
	v.SetDefault("store.retry_backoff", defaultRetryBackoff.String())
	v.SetDefault("store.seal_key_path", "")
	v.SetDefault("store.seal_passphrase_env", defaultSealPassphraseEnv)
	v.SetDefault("ban.ips", []string{})
	v.SetDefault("ban.uids", []string{})

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout},
		{"session.identify_timeout", &cfg.Session.IdentifyTimeout},
		{"session.life_interval", &cfg.Session.LifeInterval},
		{"session.write_timeout", &cfg.Session.WriteTimeout},
		{"store.retry_backoff", &cfg.Store.RetryBackoff},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeDebug, ModeProduction:
	case "":
		cfg.Mode = defaultMode
	default:
		return Config{}, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}

	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	switch cfg.Store.Backend {
	case BackendBolt, BackendS3, BackendMemory:
	default:
		return Config{}, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == BackendS3 && cfg.Store.Bucket == "" {
		return Config{}, fmt.Errorf("store.bucket required for s3 backend")
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultProductionAddress
		if cfg.Debug() {
			cfg.ListenAddress = defaultDebugAddress
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.TLS.Domain == "" {
		cfg.TLS.Domain = defaultDomain
	}
	if cfg.TLS.CertPath == "" {
		cfg.TLS.CertPath = path.Join(defaultCertDir, cfg.TLS.Domain, "fullchain.pem")
	}
	if cfg.TLS.KeyPath == "" {
		cfg.TLS.KeyPath = path.Join(defaultCertDir, cfg.TLS.Domain, "privkey.pem")
	}
	if cfg.Session.InitialLives <= 0 {
		cfg.Session.InitialLives = defaultInitialLives
	}
	if cfg.Session.MaxLives < 0 {
		cfg.Session.MaxLives = 0
	}
	if cfg.Session.SendBuffer <= 0 {
		cfg.Session.SendBuffer = defaultSendBuffer
	}
	if cfg.Session.ReadLimit <= 0 {
		cfg.Session.ReadLimit = defaultReadLimit
	}
	if cfg.Store.RetryAttempts <= 0 {
		cfg.Store.RetryAttempts = 1
	}
	if cfg.Store.SealPassphraseEnv == "" {
		cfg.Store.SealPassphraseEnv = defaultSealPassphraseEnv
	}

	return cfg, nil
}

// Debug reports whether the plaintext development transport is selected.
func (c Config) Debug() bool {
	return c.Mode == ModeDebug
}

// SealPassphrase fetches the mailbox sealing passphrase from the configured environment variable.
func (c Config) SealPassphrase() (string, error) {
	env := c.Store.SealPassphraseEnv
	if env == "" {
		env = defaultSealPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("seal passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
