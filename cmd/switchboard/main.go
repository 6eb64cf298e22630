package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/doctor"
	"github.com/mattjoyce/switchboard/internal/inspect"
	"github.com/mattjoyce/switchboard/internal/storage"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

var version = "0.1.0"

func main() {
	// Secrets are usually referenced as ${VAR}; a local .env is optional.
	_ = godotenv.Load()
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
	case "integration":
		return runIntegrationNoun(rest)
	case "token":
		return runTokenNoun(rest)
	case "receipt":
		return runReceiptNoun(rest)
	case "start":
		return runStart(rest)
	case "version":
		fmt.Printf("switchboard version %s\n", version)
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

func printUsage(w io.Writer) {
	fmt.Fprint(w, `switchboard - Inbound SMS and voice webhook gateway

Usage:
  switchboard <noun> <action> [flags]

System Commands:
  system start               Run the gateway, pipeline and admin API in foreground
  system watch               Live dashboard of gateway activity [--api-url] [--api-key]

Config Commands:
  config check               Validate configuration [--strict] [--json]

Integration Commands:
  integration add            Connect a tenant to a provider
  integration disable <id>   Disconnect an integration
  integration list           List a tenant's integrations

Receipt Commands:
  receipt inspect <id>       Show ledger, event, attachments and jobs for a receipt

Token Commands:
  token new                  Print a fresh webhook token

General:
  version                    Show version information
  help                       Show this help message
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: switchboard system <start|watch> [flags]")
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: switchboard system <start|watch> [flags]")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: switchboard config check [--config PATH] [--strict] [--json]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: switchboard config check [--config PATH] [--strict] [--json]")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runTokenNoun(args []string) int {
	if len(args) < 1 || args[0] != "new" {
		fmt.Fprintln(os.Stderr, "Usage: switchboard token new")
		return 1
	}
	token, err := tenant.NewToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func runReceiptNoun(args []string) int {
	if len(args) < 1 || args[0] != "inspect" {
		fmt.Fprintln(os.Stderr, "Usage: switchboard receipt inspect <id> [--config PATH] [--json]")
		return 1
	}

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output report in JSON")

	// The receipt id may come before or after the flags.
	var id string
	var rest []string
	for _, arg := range args[1:] {
		if !strings.HasPrefix(arg, "-") && id == "" {
			id = arg
		} else {
			rest = append(rest, arg)
		}
	}
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: switchboard receipt inspect <id> [--config PATH] [--json]")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, db, id)
	} else {
		out, err = inspect.BuildReport(ctx, db, id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return 0
}

// loadConfig resolves --config (or the discovered default) and loads it.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var result *doctor.Result
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		result = doctor.LoadFailure(err)
	} else {
		result = doctor.New(cfg).Validate()
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}
