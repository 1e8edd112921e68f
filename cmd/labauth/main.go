package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dgellow/labauth/internal"
	"github.com/dgellow/labauth/internal/config"
	"github.com/dgellow/labauth/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.SupportedVersion,
		"server": map[string]any{
			"addr":           ":8080",
			"baseURL":        "https://lab.yourcompany.com",
			"landingRoute":   config.DefaultLandingRoute,
			"authRoute":      config.DefaultAuthRoute,
			"allowedOrigins": []string{"https://lab.yourcompany.com"},
		},
		"api": map[string]any{
			"baseURL": map[string]string{"$env": "LAB_API_URL"},
			"timeout": "15s",
		},
		"flow": map[string]any{
			"ttl":             "10m",
			"cleanupInterval": "5m",
			"storage":         "memory",
		},
		"session": map[string]any{
			"cookieKey": map[string]string{"$env": "SESSION_COOKIE_KEY"},
			"ttl":       "24h",
		},
		"providers": []any{
			map[string]any{"id": "google", "displayName": "Google", "enabled": true},
			map[string]any{"id": "github", "displayName": "GitHub", "enabled": true},
			map[string]any{"id": "microsoft", "displayName": "Microsoft", "enabled": false},
			map[string]any{
				"id":            "orcid",
				"displayName":   "ORCID",
				"enabled":       true,
				"authorization": "direct",
				"clientId":      map[string]string{"$env": "ORCID_CLIENT_ID"},
				"scopes":        []string{"/authenticate"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func printIssues(w io.Writer, title string, issues []config.ValidationError) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d):\n", title, len(issues))
	for _, issue := range issues {
		if issue.Path == "" {
			fmt.Fprintf(w, "  - %s\n", issue.Message)
			continue
		}
		fmt.Fprintf(w, "  - %s: %s\n", issue.Path, issue.Message)
	}
}

// validateConfig prints a report for path. Warnings fail validation too.
func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)
	printIssues(w, "Errors", result.Errors)
	printIssues(w, "Warnings", result.Warnings)
	fmt.Fprintln(w)

	errs, warns := len(result.Errors), len(result.Warnings)
	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, "Result: PASS")
		return nil
	case errs == 0:
		fmt.Fprintln(w, "Result: FAIL (warnings present)")
	default:
		fmt.Fprintln(w, "Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", errs, warns)
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(os.Stdout, *conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting labauth", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.New(ctx, cfg, BuildVersion)
	if err != nil {
		log.LogError("Failed to build application: %v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.LogError("Server stopped: %v", err)
		os.Exit(1)
	}
}
