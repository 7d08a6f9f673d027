package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/larder/internal/catalog"
	"github.com/mattjoyce/larder/internal/dispatch"
	"github.com/mattjoyce/larder/internal/doctor"
	"github.com/mattjoyce/larder/internal/inspect"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/projector"
	"github.com/mattjoyce/larder/internal/storage"
	"github.com/mattjoyce/larder/internal/worker"
)

// splitPositional separates positional arguments from flags so flags may
// follow them, as in 'larder job inspect <id> --json'.
func splitPositional(args []string, boolFlags map[string]bool) (positional, flags []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if !strings.Contains(name, "=") && !boolFlags[name] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return positional, flags
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	positional, flags := splitPositional(args, map[string]bool{"json": true})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: larder job inspect <job_id> [--config PATH] [--json]\n")
		return 1
	}
	jobID := positional[0]

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	jobs := jobstore.New(db)
	resolver := projector.New(catalog.New(db))

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, jobs, resolver, jobID)
	} else {
		report, err = inspect.BuildReport(ctx, jobs, resolver, jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if jsonOut {
		fmt.Println()
	}
	return 0
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

// workerRunResult is printed by 'larder worker run'.
type workerRunResult struct {
	Profile   string          `json:"profile"`
	ElapsedMS int64           `json:"elapsed_ms"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
}

func runWorker(args []string) int {
	var configPath string
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")

	positional, flags := splitPositional(args, nil)
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: larder worker run <profile> <input-file> [--config PATH]\n")
		return 1
	}
	name, inputPath := positional[0], positional[1]

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	profile, ok := worker.Profiles(cfg)[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown worker profile: %s\n", name)
		return 1
	}
	payload, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read input: %v\n", err)
		return 1
	}

	out, err := worker.NewInvoker().Invoke(context.Background(), profile, payload)
	res := workerRunResult{Profile: name}
	switch {
	case err != nil:
		res.Error = dispatch.FailureMessage(err)
		var werr *worker.Error
		if errors.As(err, &werr) {
			res.Stderr = werr.Stderr
		}
	default:
		res.ElapsedMS = out.Elapsed.Milliseconds()
		res.Success = out.Response.Success
		res.Message = out.Response.Message
		res.Stderr = out.Stderr
		if out.Response.Success {
			res.Result, err = projector.Normalize(jobstore.Kind(name), out.Response)
			if err != nil {
				// Custom profiles have no projection; show the raw response.
				res.Result = out.Raw
			}
		}
	}

	data, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(data))
	if res.Error != "" || !res.Success {
		return 1
	}
	return 0
}
