package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/larder/internal/tui/watch"
)

func runWatch(args []string) int {
	var configPath, apiURL, token string
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&apiURL, "url", "", "API base URL (default: from api.listen)")
	fs.StringVar(&token, "token", os.Getenv("LARDER_TOKEN"), "Bearer token with events:ro")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "A token is required: pass --token or set LARDER_TOKEN")
		return 1
	}

	if apiURL == "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		apiURL = baseURL(cfg.API.Listen)
	}

	p := tea.NewProgram(watch.New(apiURL, token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

// baseURL turns a listen address into a URL a local client can dial.
func baseURL(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	} else if strings.HasPrefix(host, "0.0.0.0:") {
		host = "localhost" + strings.TrimPrefix(host, "0.0.0.0")
	}
	return "http://" + host
}
