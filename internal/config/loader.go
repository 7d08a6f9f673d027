package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory path is
// resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, interpolates ${VAR} references, applies
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $LARDER_CONFIG, ~/.config/larder/config.yaml,
// /etc/larder/config.yaml, ./config.yaml.
func Discover() (string, error) {
	candidates := make([]string, 0, 4)
	if p := os.Getenv("LARDER_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "larder", "config.yaml"))
	}
	candidates = append(candidates, "/etc/larder/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $LARDER_CONFIG, ~/.config/larder, /etc/larder, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected during validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyConfigDefaults fills zero values from Defaults(). Worker profiles are
// merged field by field so a config may override only a command or timeout.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.MaxConcurrentWorkers == 0 {
		cfg.Service.MaxConcurrentWorkers = defaults.Service.MaxConcurrentWorkers
	}
	if cfg.Service.JanitorSchedule == "" {
		cfg.Service.JanitorSchedule = defaults.Service.JanitorSchedule
	}
	if cfg.Service.UploadRetention == 0 {
		cfg.Service.UploadRetention = defaults.Service.UploadRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = filepath.Join(filepath.Dir(cfg.State.Path), "uploads")
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxUploadBytes == 0 {
		cfg.API.MaxUploadBytes = defaults.API.MaxUploadBytes
	}

	if cfg.Workers == nil {
		cfg.Workers = make(map[string]WorkerConfig)
	}
	for name, def := range defaults.Workers {
		cfg.Workers[name] = mergeWorkerDefaults(cfg.Workers[name], def)
	}
}

func mergeWorkerDefaults(w, def WorkerConfig) WorkerConfig {
	if w.Command == "" {
		w.Command = def.Command
		if len(w.Args) == 0 {
			w.Args = def.Args
		}
	}
	if w.Dir == "" {
		w.Dir = def.Dir
	}
	if w.Encoding == "" {
		w.Encoding = def.Encoding
	}
	if w.Timeout == 0 {
		w.Timeout = def.Timeout
	}
	if w.Grace == 0 {
		w.Grace = def.Grace
	}
	return w
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("service.max_concurrent_workers must not be negative")
	}
	if cfg.Service.UploadRetention < 0 {
		return fmt.Errorf("service.upload_retention must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.MaxUploadBytes < 0 {
			return fmt.Errorf("api.max_upload_bytes must not be negative")
		}
		seen := make(map[string]int, len(cfg.API.Tokens))
		for i, tok := range cfg.API.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if strings.TrimSpace(tok.Subject) == "" {
				return fmt.Errorf("api.tokens[%d].subject is required", i)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d].scopes must be non-empty", i)
			}
			if prev, dup := seen[tok.Token]; dup {
				return fmt.Errorf("api.tokens[%d].token duplicates api.tokens[%d]", i, prev)
			}
			seen[tok.Token] = i
		}
	}

	names := make([]string, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := cfg.Workers[name]
		if strings.TrimSpace(w.Command) == "" {
			return fmt.Errorf("workers.%s.command is required", name)
		}
		if err := checkUnresolved(fmt.Sprintf("workers.%s.command", name), w.Command); err != nil {
			return err
		}
		if w.Encoding != EncodingBytes && w.Encoding != EncodingJSON {
			return fmt.Errorf("workers.%s.encoding must be %q or %q (got %q)", name, EncodingBytes, EncodingJSON, w.Encoding)
		}
		if w.Timeout <= 0 {
			return fmt.Errorf("workers.%s.timeout must be positive", name)
		}
		if w.Grace < 0 {
			return fmt.Errorf("workers.%s.grace must not be negative", name)
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
