package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/qforge-dev/qforge/internal/runner"
)

// Config is the simulation-environment configuration.
type Config struct {
	PWCommand   string         `yaml:"pw_command"`
	MPICommand  []string       `yaml:"mpi_command"`
	Procs       int            `yaml:"procs"`
	PseudoDir   string         `yaml:"pseudo_dir"`
	RunDir      string         `yaml:"run_dir"`
	OutDir      string         `yaml:"out_dir"`
	LedgerPath  string         `yaml:"ledger_path"`
	TimeoutSecs int            `yaml:"timeout_secs"`
	APIKey      string         `yaml:"api_key"`
	Markers     runner.Markers `yaml:"markers"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		PWCommand:  "pw.x",
		PseudoDir:  "pseudopotentials",
		RunDir:     "qe_runs",
		OutDir:     "out",
		LedgerPath: filepath.Join(home, ".local", "share", "qforge", "runs.db"),
		Markers:    runner.DefaultMarkers(),
	}
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "qforge", "config.yaml")
}

// Load reads YAML configuration from path. An empty path resolves
// $XDG_CONFIG_HOME/qforge/config.yaml (or ~/.config/qforge/config.yaml)
// and falls back to defaults when that file does not exist; an explicit
// path must exist. The Materials Project API key is merged from
// secrets.env and the MP_API_KEY environment variable, which both win
// over the YAML field.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		// Each list falls back on its own, so overriding one does not
		// silently clear the other.
		def := runner.DefaultMarkers()
		if len(cfg.Markers.Failure) == 0 {
			cfg.Markers.Failure = def.Failure
		}
		if len(cfg.Markers.Success) == 0 {
			cfg.Markers.Success = def.Success
		}
	case os.IsNotExist(err) && !explicit:
		// defaults
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("MP_API_KEY"); v != "" {
		secrets["MP_API_KEY"] = v
	}
	if k, ok := secrets["MP_API_KEY"]; ok && k != "" {
		cfg.APIKey = k
	}
	return cfg, nil
}

// Write saves the configuration to path, creating parent directories.
// Used by `qforge init`.
func Write(cfg Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
