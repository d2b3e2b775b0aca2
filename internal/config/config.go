package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/meshgen/pkg/models"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MESHGEN_OUTPUT_DIR
	EnvPrefix = "MESHGEN"
	// APIKeyEnv is the environment variable the service's own tooling uses
	APIKeyEnv = "TRIPO_API_KEY"
	// APIKeyFile is read from the working directory when no other source has a key
	APIKeyFile = "api_key.txt"
	// APIKeyPrefix starts every key issued by the service
	APIKeyPrefix = "tsk_"

	DefaultBaseURL = "https://api.tripo3d.ai/v2/openapi"
)

var ErrNoAPIKey = errors.New("no API key configured: use --api-key, " + APIKeyEnv + ", the config file or " + APIKeyFile)

type StoreConfig struct {
	Type string `mapstructure:"type" json:"type" yaml:"type"` // sqlite, postgres or memory
	Path string `mapstructure:"path" json:"path" yaml:"path,omitempty"`
	DSN  string `mapstructure:"dsn" json:"dsn" yaml:"dsn,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" json:"json" yaml:"json"`
	File  bool   `mapstructure:"file" json:"file" yaml:"file"`
}

type ClientConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr" json:"addr" yaml:"addr"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval"`

	// AuthToken protects the daemon API when set; clients send it as a bearer token
	AuthToken string `mapstructure:"auth_token" json:"auth_token" yaml:"auth_token,omitempty"`
	TLSCert   string `mapstructure:"tls_cert" json:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey    string `mapstructure:"tls_key" json:"tls_key" yaml:"tls_key,omitempty"`
	// TLSAuto generates a self-signed pair at CertPaths() when missing
	TLSAuto bool `mapstructure:"tls_auto" json:"tls_auto" yaml:"tls_auto"`
	// CACert is trusted by CLI commands that talk to an https daemon
	CACert string `mapstructure:"ca_cert" json:"ca_cert" yaml:"ca_cert,omitempty"`
}

// TLSEnabled reports whether the daemon serves HTTPS
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSAuto || (c.TLSCert != "" && c.TLSKey != "")
}

// CertPaths returns TLSCert and TLSKey, falling back to $HOME/.meshgen/certs
func (c ServerConfig) CertPaths() (string, string) {
	cert, key := c.TLSCert, c.TLSKey
	if cert == "" {
		cert = filepath.Join(DefaultDir(), "certs", "daemon.crt")
	}
	if key == "" {
		key = filepath.Join(DefaultDir(), "certs", "daemon.key")
	}
	return cert, key
}

// Scheme is the URL scheme clients use to reach the daemon
func (c ServerConfig) Scheme() string {
	if c.TLSEnabled() {
		return "https"
	}
	return "http"
}

// MarshalYAML writes durations in their string form so the file stays editable
func (c ClientConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"timeout":          c.Timeout.String(),
		"rate_limit_rps":   c.RateLimitRPS,
		"rate_limit_burst": c.RateLimitBurst,
	}, nil
}

func (c ServerConfig) MarshalYAML() (interface{}, error) {
	out := map[string]interface{}{
		"addr":             c.Addr,
		"rate_limit_rps":   c.RateLimitRPS,
		"rate_limit_burst": c.RateLimitBurst,
		"sweep_interval":   c.SweepInterval.String(),
		"tls_auto":         c.TLSAuto,
	}
	for key, value := range map[string]string{
		"auth_token": c.AuthToken,
		"tls_cert":   c.TLSCert,
		"tls_key":    c.TLSKey,
		"ca_cert":    c.CACert,
	} {
		if value != "" {
			out[key] = value
		}
	}
	return out, nil
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
}

// Config is the resolved configuration of one meshgen process
type Config struct {
	APIKey       string `mapstructure:"api_key" json:"api_key" yaml:"api_key,omitempty"`
	BaseURL      string `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	ModelVersion string `mapstructure:"model_version" json:"model_version" yaml:"model_version"`
	OutputDir    string `mapstructure:"output_dir" json:"output_dir" yaml:"output_dir"`
	TempDir      string `mapstructure:"temp_dir" json:"temp_dir" yaml:"temp_dir,omitempty"`
	MinFreeMB    uint64 `mapstructure:"min_free_mb" json:"min_free_mb" yaml:"min_free_mb"`

	Store   StoreConfig   `mapstructure:"store" json:"store" yaml:"store"`
	Log     LogConfig     `mapstructure:"log" json:"log" yaml:"log"`
	Client  ClientConfig  `mapstructure:"client" json:"client" yaml:"client"`
	Server  ServerConfig  `mapstructure:"server" json:"server" yaml:"server"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing" yaml:"tracing"`

	// where APIKey came from: flag, environment, config file or key file
	APIKeySource string `mapstructure:"-" json:"-" yaml:"-"`
	// config file that was read, empty when none was found
	File string `mapstructure:"-" json:"-" yaml:"-"`
}

// Defaults returns the configuration used when nothing overrides it
func Defaults() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		ModelVersion: models.DefaultModelVersion,
		OutputDir:    "./meshgen-out",
		MinFreeMB:    256,
		Store:        StoreConfig{Type: "sqlite", Path: filepath.Join(DefaultDir(), "jobs.db")},
		Log:          LogConfig{Level: "info"},
		Client:       ClientConfig{Timeout: 30 * time.Second, RateLimitRPS: 5, RateLimitBurst: 10},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8088",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			SweepInterval:  6 * time.Hour,
		},
		Tracing:      TracingConfig{Endpoint: "localhost:4318"},
	}
}

// DefaultDir is $HOME/.meshgen, or .meshgen when there is no home directory
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshgen"
	}
	return filepath.Join(home, ".meshgen")
}

// DefaultPath is the config file read when --config is not given
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("model_version", d.ModelVersion)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("temp_dir", d.TempDir)
	v.SetDefault("min_free_mb", d.MinFreeMB)
	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("client.timeout", d.Client.Timeout)
	v.SetDefault("client.rate_limit_rps", d.Client.RateLimitRPS)
	v.SetDefault("client.rate_limit_burst", d.Client.RateLimitBurst)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)
	v.SetDefault("server.sweep_interval", d.Server.SweepInterval)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.tls_cert", d.Server.TLSCert)
	v.SetDefault("server.tls_key", d.Server.TLSKey)
	v.SetDefault("server.tls_auto", d.Server.TLSAuto)
	v.SetDefault("server.ca_cert", d.Server.CACert)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api_key", APIKeyEnv, EnvPrefix+"_API_KEY")
	return v
}

// Options are the command-line inputs to Load
type Options struct {
	ConfigFile string // --config; DefaultPath() when empty
	APIKey     string // --api-key
	WorkDir    string // searched for APIKeyFile; the current directory when empty
}

// Load reads the config file (a missing default file is not an error),
// applies environment overrides and resolves the API key. A missing key is
// not an error here; commands that talk to the service call RequireAPIKey.
func Load(v *viper.Viper, opts Options) (*Config, error) {
	path := opts.ConfigFile
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	file := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		file = v.ConfigFileUsed()
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file

	key, source, err := resolveAPIKey(v, opts)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	cfg.APIKeySource = source
	return &cfg, nil
}

// resolveAPIKey applies the order flag, environment, config file, key file
func resolveAPIKey(v *viper.Viper, opts Options) (string, string, error) {
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		return key, "flag", nil
	}
	for _, env := range []string{APIKeyEnv, EnvPrefix + "_API_KEY"} {
		if key := strings.TrimSpace(os.Getenv(env)); key != "" {
			return key, "environment", nil
		}
	}
	if key := strings.TrimSpace(v.GetString("api_key")); key != "" {
		return key, "config file", nil
	}

	dir := opts.WorkDir
	if dir == "" {
		dir = "."
	}
	data, err := os.ReadFile(filepath.Join(dir, APIKeyFile))
	switch {
	case err == nil:
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, "key file", nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", "", fmt.Errorf("failed to read %s: %w", APIKeyFile, err)
	}
	return "", "", nil
}

// RequireAPIKey returns ErrNoAPIKey when no source provided a key
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}

// APIKeyWarning describes a key that does not look like one the service
// issues. It returns "" for a plausible key.
func APIKeyWarning(key string) string {
	if key == "" || strings.HasPrefix(key, APIKeyPrefix) {
		return ""
	}
	return fmt.Sprintf("API key does not start with %q; requests will likely be rejected", APIKeyPrefix)
}

// MaskedAPIKey shows only the prefix and the last four characters
func (c *Config) MaskedAPIKey() string {
	if len(c.APIKey) <= 8 {
		return strings.Repeat("*", len(c.APIKey))
	}
	return c.APIKey[:4] + strings.Repeat("*", len(c.APIKey)-8) + c.APIKey[len(c.APIKey)-4:]
}

// MinFreeBytes converts MinFreeMB
func (c *Config) MinFreeBytes() uint64 {
	return c.MinFreeMB * 1024 * 1024
}

// WriteFile writes cfg as YAML with owner-only permissions
func WriteFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeBytes(path, data)
}

// SetValue updates one key in the YAML file at path, creating the file if
// needed. Dotted keys address nested sections, e.g. "server.auth_token".
// Other keys are preserved.
func SetValue(path, key string, value interface{}) error {
	doc := make(map[string]interface{})
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc == nil {
			doc = make(map[string]interface{})
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	parts := strings.Split(key, ".")
	section := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := section[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			section[part] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = value

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeBytes(path, out)
}

func writeBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
