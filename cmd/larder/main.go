package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "system":
		return runSystemNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "job":
		return runJobNoun(rest)
	case "worker":
		return runWorkerNoun(rest)
	case "version":
		fmt.Printf("larder version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `larder - asynchronous ingredient detection and recipe recommendation service

Usage:
  larder <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle
  config    Configuration checks
  job       Analysis jobs
  worker    AI worker profiles

System Commands:
  system start                      Start the service in the foreground

Config Commands:
  config check                      Validate configuration and worker setup

Job Commands:
  job inspect <id>                  Show a job's timeline, input, and result
  job watch                         Live view of your jobs from the event stream

Worker Commands:
  worker run <profile> <input-file> Run one worker invocation and print the result

General:
  version           Show version information
  help              Show this help message

Use 'larder <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: larder system start [--config PATH]")
			fmt.Println("Start the API, dispatcher, and janitor in the foreground.")
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: larder config check [--config PATH] [--strict] [--format human|json]")
			fmt.Println("Exit codes: 0 valid, 1 invalid, 2 warnings with --strict.")
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: larder job inspect <job_id> [--config PATH] [--json]")
			return 0
		}
		return runInspect(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: larder job watch [--config PATH] [--url URL] [--token TOKEN]")
			fmt.Println("Live view of your jobs. The token defaults to $LARDER_TOKEN and needs events:ro.")
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printWorkerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkerNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: larder worker run <profile> <input-file> [--config PATH]")
			fmt.Println("Runs the worker once with the file as input. Nothing is stored.")
			return 0
		}
		return runWorker(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: larder system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: larder config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: larder job <action>")
	fmt.Fprintln(w, "Actions: inspect, watch")
}

func printWorkerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: larder worker <action>")
	fmt.Fprintln(w, "Actions: run")
}
