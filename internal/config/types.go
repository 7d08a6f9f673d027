package config

import "time"

// Profile names used by the dispatcher.
const (
	ProfileDetection      = "detection"
	ProfileRecommendation = "recommendation"
)

// Worker input encodings.
const (
	EncodingBytes = "bytes"
	EncodingJSON  = "json"
)

// Config represents the complete larder configuration.
type Config struct {
	Service ServiceConfig           `yaml:"service"`
	State   StateConfig             `yaml:"state"`
	API     APIConfig               `yaml:"api,omitempty"`
	Uploads UploadsConfig           `yaml:"uploads"`
	Workers map[string]WorkerConfig `yaml:"workers"`
	Tracing TracingConfig           `yaml:"tracing,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name                 string        `yaml:"name"`
	LogLevel             string        `yaml:"log_level"`
	MaxConcurrentWorkers int           `yaml:"max_concurrent_workers"`
	JanitorSchedule      string        `yaml:"janitor_schedule"`
	UploadRetention      time.Duration `yaml:"upload_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Listen         string     `yaml:"listen"`
	Tokens         []APIToken `yaml:"tokens,omitempty"`
	AllowedOrigins []string   `yaml:"allowed_origins,omitempty"`
	MaxUploadBytes int64      `yaml:"max_upload_bytes"`
}

// APIToken maps a bearer token to the user it authenticates and its scopes.
type APIToken struct {
	Token   string   `yaml:"token"`
	Subject string   `yaml:"subject"`
	Scopes  []string `yaml:"scopes"`
}

// UploadsConfig defines where submitted inputs are stored.
type UploadsConfig struct {
	Dir string `yaml:"dir"`
}

// WorkerConfig describes one worker profile: what to run, how to feed it, and
// how long to wait.
type WorkerConfig struct {
	Command  string        `yaml:"command"`
	Args     []string      `yaml:"args,omitempty"`
	Dir      string        `yaml:"dir,omitempty"`
	Encoding string        `yaml:"encoding"`
	Timeout  time.Duration `yaml:"timeout"`
	Grace    time.Duration `yaml:"grace,omitempty"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:                 "larder",
			LogLevel:             "info",
			MaxConcurrentWorkers: 4,
			JanitorSchedule:      "@every 10m",
			UploadRetention:      7 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/larder.db",
		},
		API: APIConfig{
			Enabled:        true,
			Listen:         "127.0.0.1:8080",
			MaxUploadBytes: 10 << 20,
		},
		Uploads: UploadsConfig{
			Dir: "./data/uploads",
		},
		Workers: DefaultWorkers(),
	}
}

// DefaultWorkers returns the two built-in worker profiles. Detection is short
// lived; recommendation loads models and gets minutes.
func DefaultWorkers() map[string]WorkerConfig {
	return map[string]WorkerConfig{
		ProfileDetection: {
			Command:  "python3",
			Args:     []string{"detectors/main.py"},
			Dir:      "./ai",
			Encoding: EncodingBytes,
			Timeout:  30 * time.Second,
			Grace:    5 * time.Second,
		},
		ProfileRecommendation: {
			Command:  "python3",
			Args:     []string{"recsys/main.py"},
			Dir:      "./ai",
			Encoding: EncodingJSON,
			Timeout:  3 * time.Minute,
			Grace:    5 * time.Second,
		},
	}
}

// MaxWorkerDeadline is the longest time any profile may keep a job in flight,
// including the termination grace period.
func (c *Config) MaxWorkerDeadline() time.Duration {
	var max time.Duration
	for _, w := range c.Workers {
		if d := w.Timeout + w.Grace; d > max {
			max = d
		}
	}
	return max
}
