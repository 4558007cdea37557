package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultHomeDirName = ".agsb"

type Config struct {
	// HomeDir holds every file argonode persists. It lives under the user's
	// home directory so no privileges are needed.
	HomeDir string

	ConfigFile       string
	ProxyPIDFile     string
	TunnelPIDFile    string
	ListFile         string
	SubscriptionFile string
	HostFile         string
	TunnelLogFile    string
	ProxyLogFile     string
	DebugLogFile     string
	ProxyConfigFile  string
	MetricsFile      string
	LockFile         string

	// ProxyStateFile and TunnelStateFile hold a fingerprint of the
	// invocation the recorded process was started with.
	ProxyStateFile  string
	TunnelStateFile string

	BinDir       string
	ProxyBinary  string
	TunnelBinary string

	LogLevel       string
	SingBoxVersion string

	// CAFile is an extra PEM bundle trusted for binary downloads.
	CAFile string

	// HostnameTimeout bounds how long install waits for the tunnel to
	// report its assigned hostname.
	HostnameTimeout time.Duration
	// StartGrace is how long a freshly spawned process must stay alive
	// before it is considered running.
	StartGrace time.Duration
	// StopTimeout is how long a stopped process gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration
}

// Load builds the Config from the environment. ARGONODE_HOME overrides the
// default ~/.agsb install directory.
func Load() (*Config, error) {
	home := getEnv("ARGONODE_HOME", "")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		home = filepath.Join(userHome, defaultHomeDirName)
	}

	cfg := New(home)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.SingBoxVersion = getEnv("SINGBOX_VERSION", cfg.SingBoxVersion)
	cfg.CAFile = getEnv("ARGONODE_CA_FILE", "")

	var err error
	if cfg.HostnameTimeout, err = getDuration("HOSTNAME_TIMEOUT", cfg.HostnameTimeout); err != nil {
		return nil, err
	}
	if cfg.StartGrace, err = getDuration("START_GRACE", cfg.StartGrace); err != nil {
		return nil, err
	}
	if cfg.StopTimeout, err = getDuration("STOP_TIMEOUT", cfg.StopTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

// New returns a Config rooted at home with every path derived from it and
// default timeouts.
func New(home string) *Config {
	binDir := filepath.Join(home, "bin")
	return &Config{
		HomeDir:          home,
		ConfigFile:       filepath.Join(home, "config.yaml"),
		ProxyPIDFile:     filepath.Join(home, "proxy.pid"),
		TunnelPIDFile:    filepath.Join(home, "tunnel.pid"),
		ListFile:         filepath.Join(home, "list.txt"),
		SubscriptionFile: filepath.Join(home, "sub.txt"),
		HostFile:         filepath.Join(home, "host.txt"),
		TunnelLogFile:    filepath.Join(home, "tunnel.log"),
		ProxyLogFile:     filepath.Join(home, "proxy.log"),
		DebugLogFile:     filepath.Join(home, "debug.log"),
		ProxyConfigFile:  filepath.Join(home, "sb.json"),
		MetricsFile:      filepath.Join(home, "metrics.prom"),
		LockFile:         filepath.Join(home, ".lock"),
		ProxyStateFile:   filepath.Join(home, "proxy.state"),
		TunnelStateFile:  filepath.Join(home, "tunnel.state"),
		BinDir:           binDir,
		ProxyBinary:      filepath.Join(binDir, "sing-box"),
		TunnelBinary:     filepath.Join(binDir, "cloudflared"),
		LogLevel:         "info",
		SingBoxVersion:   "1.11.4",
		HostnameTimeout:  30 * time.Second,
		StartGrace:       2 * time.Second,
		StopTimeout:      5 * time.Second,
	}
}

// Validate checks that the derived configuration is usable.
func (c *Config) Validate() error {
	var missing []string
	if c.HomeDir == "" {
		missing = append(missing, "ARGONODE_HOME")
	}
	if c.SingBoxVersion == "" {
		missing = append(missing, "SINGBOX_VERSION")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.HostnameTimeout <= 0 || c.StartGrace < 0 || c.StopTimeout <= 0 {
		return fmt.Errorf("HOSTNAME_TIMEOUT and STOP_TIMEOUT must be positive, START_GRACE must not be negative")
	}
	return nil
}

// EnsureHome creates the install directory if needed.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.HomeDir, 0o700); err != nil {
		return fmt.Errorf("create install directory %s: %w", c.HomeDir, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return d, nil
}
