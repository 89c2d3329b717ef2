// Package config provides the configuration schema and loader for the
// whisperd transcription server.
package config

import (
	"os"
	"path/filepath"
)

// LogLevel controls log verbosity for the whisperd server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Environment selects runtime presets such as the Content-Security-Policy
// header. It is read from the ENVIRONMENT variable, not the config file, so
// deployments can switch presets without editing YAML.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
)

// CurrentEnvironment returns the environment selected by the ENVIRONMENT
// variable. Anything other than "development" is treated as production.
func CurrentEnvironment() Environment {
	if os.Getenv("ENVIRONMENT") == string(EnvDevelopment) {
		return EnvDevelopment
	}
	return EnvProduction
}

// Config is the root configuration structure for whisperd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Engine EngineConfig `yaml:"engine"`
	Assets AssetsConfig `yaml:"assets"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the interface the TLS listener binds to. Empty means all
	// interfaces.
	Host string `yaml:"host"`

	// Port carries both the HTTPS API and the WSS endpoint. Default: 8443.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TLSConfig holds TLS certificate material for the single listener.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`

	// AutoGenerate mints a self-signed certificate at first start when the
	// cert or key file is missing. When false and the files are absent, the
	// server refuses to start.
	AutoGenerate bool `yaml:"auto_generate"`
}

// AuthConfig holds authentication storage settings.
type AuthConfig struct {
	// TokenStorePath is the JSON token store file. Relative paths are
	// resolved under the data directory (see [Config.ResolveData]).
	TokenStorePath string `yaml:"token_store_path"`
}

// EngineConfig holds transcription engine settings.
type EngineConfig struct {
	// ModelPath is the whisper.cpp model file (ggml format).
	ModelPath string `yaml:"model_path"`

	// Language is the default ISO language code. Empty means autodetect.
	Language string `yaml:"language"`

	// VAD enables the energy-based voice-activity pre-pass before final
	// transcription.
	VAD bool `yaml:"vad"`
}

// AssetsConfig holds the static SPA asset settings.
type AssetsConfig struct {
	// Root is the directory served at /. Empty disables static serving.
	Root string `yaml:"root"`
}

// DataDir returns the data root directory: the DATA_DIR variable when set,
// otherwise the directory containing the config file (or "." when the config
// was not read from a file).
func DataDir(configPath string) string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	if configPath != "" {
		return filepath.Dir(configPath)
	}
	return "."
}

// ResolveData resolves path under dataDir unless it is already absolute.
func ResolveData(dataDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

// applyDefaults fills zero values with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8443
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.TLS.CertFile == "" {
		cfg.TLS.CertFile = "cert.pem"
	}
	if cfg.TLS.KeyFile == "" {
		cfg.TLS.KeyFile = "key.pem"
	}
	if cfg.Auth.TokenStorePath == "" {
		cfg.Auth.TokenStorePath = "tokens.json"
	}
}
