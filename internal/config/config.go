package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix for environment variables. Every setting also falls back to its
// unprefixed name, so PORT works as well as TERMBRIDGE_PORT.
const Prefix = "TERMBRIDGE"

type Settings struct {
	Host           string   `envconfig:"HOST" default:""`
	Port           int      `envconfig:"PORT" default:"3000"`
	Dev            bool     `envconfig:"DEV" default:"false"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	RequireAuth    bool     `envconfig:"REQUIRE_AUTH" default:"false"`
	APIKey         string   `envconfig:"API_KEY" default:""`

	// TrustProxy honors X-Forwarded-For and X-Real-IP. Only enable it behind
	// a proxy that overwrites those headers.
	TrustProxy bool `envconfig:"TRUST_PROXY" default:"false"`

	// Terminal session settings
	Shell     string        `envconfig:"SHELL" default:""`
	Cwd       string        `envconfig:"CWD" default:""`
	KillGrace time.Duration `envconfig:"KILL_GRACE" default:"3s"`

	// Admission ceilings, per window
	ConnectRateLimit  int           `envconfig:"CONNECT_RATE_LIMIT" default:"100"`
	ConnectRateWindow time.Duration `envconfig:"CONNECT_RATE_WINDOW" default:"1m"`
	CreateRateLimit   int           `envconfig:"CREATE_RATE_LIMIT" default:"20"`
	CreateRateWindow  time.Duration `envconfig:"CREATE_RATE_WINDOW" default:"1m"`
	ExecRateLimit     int           `envconfig:"EXEC_RATE_LIMIT" default:"30"`
	ExecRateWindow    time.Duration `envconfig:"EXEC_RATE_WINDOW" default:"1m"`
	ScriptRateLimit   int           `envconfig:"SCRIPT_RATE_LIMIT" default:"10"`
	ScriptRateWindow  time.Duration `envconfig:"SCRIPT_RATE_WINDOW" default:"1m"`
	SweepSchedule     string        `envconfig:"SWEEP_SCHEDULE" default:"@every 5m"`

	// One-shot execution
	ExecTimeout         time.Duration `envconfig:"EXEC_TIMEOUT" default:"30s"`
	ScriptTimeout       time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"30s"`
	ExecAllowedCommands []string      `envconfig:"EXEC_ALLOWED_COMMANDS" default:"ls,pwd,git,npm,node,echo,cat,mkdir,rm,vercel"`
	ScriptDir           string        `envconfig:"SCRIPT_DIR" default:""`
	ScriptMaxAge        time.Duration `envconfig:"SCRIPT_MAX_AGE" default:"1h"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads settings from the environment and fills derived defaults
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return s, fmt.Errorf("failed to load config: %w", err)
	}

	if s.Shell == "" {
		s.Shell = defaultShell()
	}
	if s.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return s, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		s.Cwd = wd
	}
	if s.ScriptDir == "" {
		s.ScriptDir = filepath.Join(os.TempDir(), "termbridge-scripts")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// fallbackShells are tried in order when neither TERMBRIDGE_SHELL nor SHELL is set
var fallbackShells = []string{"/bin/bash", "/bin/sh"}

func defaultShell() string {
	for _, sh := range fallbackShells {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return fallbackShells[len(fallbackShells)-1]
}

// Validate rejects settings the server cannot run with
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	limits := []struct {
		name   string
		max    int
		window time.Duration
	}{
		{"connect", s.ConnectRateLimit, s.ConnectRateWindow},
		{"create", s.CreateRateLimit, s.CreateRateWindow},
		{"exec", s.ExecRateLimit, s.ExecRateWindow},
		{"script", s.ScriptRateLimit, s.ScriptRateWindow},
	}
	for _, l := range limits {
		if l.max <= 0 || l.window <= 0 {
			return fmt.Errorf("invalid %s rate limit %d per %s", l.name, l.max, l.window)
		}
	}
	return nil
}

// Addr is the listen address
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
