// Package doctor checks a loaded larder configuration against the machine it
// will run on: worker commands, directories, token scopes, and schedules.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/larder/internal/auth"
	"github.com/mattjoyce/larder/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownScopes = map[string]bool{
	auth.ScopeAll:      true,
	auth.ScopeJobsRO:   true,
	auth.ScopeJobsRW:   true,
	auth.ScopeEventsRO: true,
}

// Doctor validates a configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateProfiles(r)
	d.validateWorkers(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateSchedule(r)
	d.warnTimeouts(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateProfiles checks that both job kinds have a worker.
func (d *Doctor) validateProfiles(r *Result) {
	for _, name := range []string{config.ProfileDetection, config.ProfileRecommendation} {
		if _, ok := d.cfg.Workers[name]; !ok {
			d.addError(r, "workers", "workers."+name, fmt.Sprintf("no worker profile %q", name))
		}
	}
}

// validateWorkers checks that each worker command can actually be spawned.
func (d *Doctor) validateWorkers(r *Result) {
	for _, name := range sortedWorkers(d.cfg.Workers) {
		w := d.cfg.Workers[name]
		field := "workers." + name

		if w.Dir != "" {
			info, err := os.Stat(w.Dir)
			switch {
			case err != nil:
				d.addError(r, "workers", field+".dir", fmt.Sprintf("working directory %q: %v", w.Dir, err))
			case !info.IsDir():
				d.addError(r, "workers", field+".dir", fmt.Sprintf("working directory %q is not a directory", w.Dir))
			}
		}

		cmd := w.Command
		if strings.ContainsRune(cmd, filepath.Separator) {
			if !filepath.IsAbs(cmd) && w.Dir != "" {
				cmd = filepath.Join(w.Dir, cmd)
			}
			info, err := os.Stat(cmd)
			if err != nil {
				d.addError(r, "workers", field+".command", fmt.Sprintf("command %q not found", w.Command))
				continue
			}
			if info.Mode()&0o111 == 0 {
				d.addError(r, "workers", field+".command", fmt.Sprintf("command %q is not executable", w.Command))
			}
			continue
		}
		if _, err := d.lookPath(cmd); err != nil {
			d.addError(r, "workers", field+".command", fmt.Sprintf("command %q not found in PATH", w.Command))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "API enabled but no tokens configured; every request will be rejected")
	}
	for _, origin := range d.cfg.API.AllowedOrigins {
		if origin == "*" {
			d.addWarning(r, "api", "api.allowed_origins", "wildcard origin lets any site open the job stream")
		}
	}
}

// validateTokenScopes rejects scopes no route checks for.
func (d *Doctor) validateTokenScopes(r *Result) {
	subjects := make(map[string]int)
	for i, token := range d.cfg.API.Tokens {
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of jobs:ro, jobs:rw, events:ro, *)", scope))
			}
		}
		if prev, ok := subjects[token.Subject]; ok {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.tokens[%d].subject", i),
				fmt.Sprintf("subject %q also used by api.tokens[%d]; both tokens see the same jobs", token.Subject, prev))
		}
		subjects[token.Subject] = i
	}
}

// validateSchedule checks the janitor schedule parses.
func (d *Doctor) validateSchedule(r *Result) {
	if _, err := cron.ParseStandard(d.cfg.Service.JanitorSchedule); err != nil {
		d.addError(r, "schedule", "service.janitor_schedule",
			fmt.Sprintf("invalid schedule %q: %v", d.cfg.Service.JanitorSchedule, err))
	}
}

// warnTimeouts flags timeouts that look like unit mistakes.
func (d *Doctor) warnTimeouts(r *Result) {
	for _, name := range sortedWorkers(d.cfg.Workers) {
		w := d.cfg.Workers[name]
		if w.Timeout.Hours() >= 1 {
			d.addWarning(r, "timeouts", "workers."+name+".timeout",
				fmt.Sprintf("timeout %v is very long; a hung worker holds a slot that long", w.Timeout))
		}
		if w.Grace == 0 {
			d.addWarning(r, "timeouts", "workers."+name+".grace",
				"no grace period; timed out workers are killed without SIGTERM cleanup time")
		}
	}
}

func sortedWorkers(workers map[string]config.WorkerConfig) []string {
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
