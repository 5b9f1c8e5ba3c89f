// Package settings loads the service's own configuration file: paths,
// debounce window, HTTP listener and optional database DSN. This is
// distinct from the rule document the reloader owns.
package settings

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings is the YAML service configuration.
type Settings struct {
	Rules RulesSettings `yaml:"rules"`
	HTTP  HTTPSettings  `yaml:"http"`
	DB    DBSettings    `yaml:"db"`
}

type RulesSettings struct {
	// Path to the rule configuration JSON document.
	Path string `yaml:"path"`
	// DebounceMS collapses file-event bursts; 0 selects the default 1000.
	DebounceMS int `yaml:"debounce_ms"`
	// Watch disables the file watcher when false; manual reloads via the
	// HTTP endpoint still work.
	Watch bool `yaml:"watch"`
}

type HTTPSettings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ReloadRatePerMin caps manual reload requests.
	ReloadRatePerMin int `yaml:"reload_rate_per_min"`
}

type DBSettings struct {
	// DSN enables decision-history persistence when non-empty. The
	// REGIMEFLOW_DB_DSN environment variable (optionally from .env)
	// overrides it so credentials stay out of the YAML file.
	DSN string `yaml:"dsn"`
}

// Defaults mirrors what an empty settings file selects.
func Defaults() Settings {
	return Settings{
		Rules: RulesSettings{Path: "rules.json", Watch: true},
		HTTP:  HTTPSettings{Host: "127.0.0.1", Port: 8093, ReloadRatePerMin: 12},
	}
}

// Load reads the YAML file, overlays environment variables (after a
// best-effort .env load), and validates. A missing file yields defaults.
func Load(path string) (Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults apply.
	case err != nil:
		return s, fmt.Errorf("reading settings %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parsing settings %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if dsn := os.Getenv("REGIMEFLOW_DB_DSN"); dsn != "" {
		s.DB.DSN = dsn
	}

	if err := s.validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.Rules.Path == "" {
		return fmt.Errorf("rules.path must be set")
	}
	if s.Rules.DebounceMS < 0 {
		return fmt.Errorf("rules.debounce_ms must be >= 0")
	}
	if s.HTTP.Port < 0 || s.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", s.HTTP.Port)
	}
	if s.HTTP.ReloadRatePerMin <= 0 {
		return fmt.Errorf("http.reload_rate_per_min must be > 0")
	}
	return nil
}

// Debounce converts the configured window.
func (s Settings) Debounce() time.Duration {
	return time.Duration(s.Rules.DebounceMS) * time.Millisecond
}
