package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the auth core. One struct covers
// the keystore, the token lifetimes, the identity store, the HTTP front,
// and the RPC broker, so a deployment is reproducible from a single file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Keystore   KeystoreConfig   `yaml:"keystore"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Identity   IdentityConfig   `yaml:"identity"`
	Downstream DownstreamConfig `yaml:"downstream"`
	RPC        RPCConfig        `yaml:"rpc"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	BaseURL         string     `yaml:"base_url"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	SecureCookies   bool       `yaml:"secure_cookies"`
	LoginRatePerMin int        `yaml:"login_rate_per_minute"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// KeystoreConfig controls the signing key material: where each side lives,
// how far each side's expiry horizon reaches, and how the file backends
// queue writes.
type KeystoreConfig struct {
	SecretPath             string `yaml:"secret_path"`
	PublicPath             string `yaml:"public_path"`
	ExpiredAfterDaysSecret int    `yaml:"expired_after_days_secret"`
	ExpiredAfterDaysPublic int    `yaml:"expired_after_days_public"`
	MaxExpiredAfterDays    int    `yaml:"max_expired_after_days"`
	FlushThreshold         int    `yaml:"flush_threshold"`
	Algorithm              string `yaml:"algorithm"`
	KeyBits                int    `yaml:"key_bits"`
	NumKeys                int    `yaml:"num_keys"`
	RotateEvery            string `yaml:"rotate_every"`
}

// TokenConfig controls JWT issuance.
type TokenConfig struct {
	Issuer         string `yaml:"issuer"`
	AccessTTL      string `yaml:"access_ttl"`
	RefreshTTLBase string `yaml:"refresh_ttl_base"`
	Leeway         string `yaml:"leeway"`
}

// IdentityConfig controls the identity store and the reserved role ids
// that mark privilege status.
type IdentityConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	DataDir         string `yaml:"data_dir"`
	SuperuserRoleID int64  `yaml:"superuser_role_id"`
	StaffRoleID     int64  `yaml:"staff_role_id"`
}

// DownstreamConfig carries what a resource service needs to verify access
// tokens: which audience code each served host answers for, and how long a
// fetched key set stays fresh before it is re-pulled.
type DownstreamConfig struct {
	AudienceOriginMap map[string]string `yaml:"audience_origin_map"`
	JWKSFetchTTL      string            `yaml:"jwks_fetch_ttl"`
}

// RPCConfig controls the message-bus profile resolver.
type RPCConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	Exchange     string `yaml:"exchange"`
	ReplyTimeout string `yaml:"reply_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing. The
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config pre-filled with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			ShutdownTimeout: "30s",
			SecureCookies:   true,
			LoginRatePerMin: 30,
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Keystore: KeystoreConfig{
			SecretPath:             "keys/secret.jwks",
			PublicPath:             "keys/public.jwks",
			ExpiredAfterDaysSecret: 7,
			ExpiredAfterDaysPublic: 30,
			MaxExpiredAfterDays:    60,
			FlushThreshold:         100,
			Algorithm:              "RS256",
			KeyBits:                2048,
			NumKeys:                5,
			RotateEvery:            "24h",
		},
		Tokens: TokenConfig{
			Issuer:         "authcore",
			AccessTTL:      "5m",
			RefreshTTLBase: "1h",
			Leeway:         "30s",
		},
		Identity: IdentityConfig{
			Driver:          "sqlite",
			SuperuserRoleID: 1,
			StaffRoleID:     2,
		},
		Downstream: DownstreamConfig{
			JWKSFetchTTL: "15m",
		},
		RPC: RPCConfig{
			Exchange:     "get_profile",
			ReplyTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks cross-field constraints that YAML parsing cannot.
func (c *Config) Validate() error {
	accessTTL, err := c.AccessTTL()
	if err != nil {
		return fmt.Errorf("tokens.access_ttl: %w", err)
	}
	refreshBase, err := c.RefreshTTLBase()
	if err != nil {
		return fmt.Errorf("tokens.refresh_ttl_base: %w", err)
	}
	if accessTTL <= 0 || refreshBase <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	// The exchange endpoint promises exp-iat <= access_ttl and that the
	// access window tiles the refresh window exactly.
	if refreshBase%accessTTL != 0 {
		return fmt.Errorf("tokens.access_ttl %s must divide tokens.refresh_ttl_base %s", accessTTL, refreshBase)
	}

	ks := c.Keystore
	if ks.SecretPath == "" || ks.PublicPath == "" {
		return fmt.Errorf("keystore paths must be set")
	}
	if ks.SecretPath == ks.PublicPath {
		return fmt.Errorf("keystore secret and public paths must differ")
	}
	if ks.ExpiredAfterDaysSecret > ks.MaxExpiredAfterDays || ks.ExpiredAfterDaysPublic > ks.MaxExpiredAfterDays {
		return fmt.Errorf("keystore expiry horizons exceed max_expired_after_days %d", ks.MaxExpiredAfterDays)
	}

	if fetchTTL, err := c.JWKSFetchTTL(); err != nil {
		return fmt.Errorf("downstream.jwks_fetch_ttl: %w", err)
	} else if fetchTTL <= 0 {
		return fmt.Errorf("downstream.jwks_fetch_ttl must be positive")
	}

	id := c.Identity
	if id.SuperuserRoleID == 0 || id.StaffRoleID == 0 {
		return fmt.Errorf("identity reserved role ids must be set")
	}
	if id.SuperuserRoleID == id.StaffRoleID {
		return fmt.Errorf("identity superuser and staff role ids must differ")
	}

	return nil
}

// AccessTTL parses the access-token lifetime.
func (c *Config) AccessTTL() (time.Duration, error) {
	return time.ParseDuration(c.Tokens.AccessTTL)
}

// RefreshTTLBase parses the base refresh-token lifetime.
func (c *Config) RefreshTTLBase() (time.Duration, error) {
	return time.ParseDuration(c.Tokens.RefreshTTLBase)
}

// Leeway parses the verification clock-skew allowance.
func (c *Config) Leeway() (time.Duration, error) {
	return time.ParseDuration(c.Tokens.Leeway)
}

// JWKSFetchTTL parses the key-set refresh interval for downstream
// verifiers.
func (c *Config) JWKSFetchTTL() (time.Duration, error) {
	return time.ParseDuration(c.Downstream.JWKSFetchTTL)
}

// ShutdownTimeout parses the HTTP drain window.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Server.ShutdownTimeout)
}

// RotateEvery parses the rotation scheduler period.
func (c *Config) RotateEvery() (time.Duration, error) {
	return time.ParseDuration(c.Keystore.RotateEvery)
}

// ReplyTimeout parses the RPC reply wait window.
func (c *Config) ReplyTimeout() (time.Duration, error) {
	return time.ParseDuration(c.RPC.ReplyTimeout)
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
