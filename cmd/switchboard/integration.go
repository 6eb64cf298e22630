package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/switchboard/internal/api"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/storage"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

func runIntegrationNoun(args []string) int {
	if len(args) < 1 {
		printIntegrationHelp(os.Stderr)
		return 1
	}
	switch args[0] {
	case "add":
		return runIntegrationAdd(args[1:])
	case "disable":
		return runIntegrationDisable(args[1:])
	case "list":
		return runIntegrationList(args[1:])
	case "help", "--help", "-h":
		printIntegrationHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown integration action: %s\n", args[0])
		return 1
	}
}

func printIntegrationHelp(w *os.File) {
	fmt.Fprint(w, `Usage:
  switchboard integration add --tenant ID --provider NAME [--token TOKEN] [credential flags]
  switchboard integration disable <id>
  switchboard integration list --tenant ID [--json]

Credential flags for add:
  --auth-token, --account-sid   twilio
  --public-key                  telnyx (base64 Ed25519)
  --webhook-secret              vapi, retell
  --api-key                     recording download
  --default-assistant, --transfer-number
`)
}

// openTenants opens the state database outside of system start.
func openTenants(ctx context.Context, cfg *config.Config) (*tenant.Store, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	sealer, err := tenant.NewSealer(cfg.Security.CredentialsKey)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return tenant.NewStore(db, sealer), func() { _ = db.Close() }, nil
}

func runIntegrationAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	tenantID := fs.String("tenant", "", "Tenant id")
	providerName := fs.String("provider", "", "Provider (twilio, telnyx, vapi, retell)")
	token := fs.String("token", "", "Webhook token already configured at the provider")
	var creds tenant.Credentials
	fs.StringVar(&creds.AuthToken, "auth-token", "", "Twilio auth token")
	fs.StringVar(&creds.AccountSID, "account-sid", "", "Twilio account SID")
	fs.StringVar(&creds.PublicKey, "public-key", "", "Telnyx public key (base64)")
	fs.StringVar(&creds.WebhookSecret, "webhook-secret", "", "Vapi or Retell webhook secret")
	fs.StringVar(&creds.APIKey, "api-key", "", "Provider API key for recording downloads")
	fs.StringVar(&creds.DefaultAssistantID, "default-assistant", "", "Assistant used when no agent matches")
	fs.StringVar(&creds.TransferNumber, "transfer-number", "", "Fallback transfer number")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "Error: --tenant is required")
		return 1
	}
	id, err := provider.Parse(*providerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openTenants(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	in, err := store.Create(ctx, tenant.NewIntegration{
		TenantID:     *tenantID,
		Provider:     id,
		Credentials:  creds,
		WebhookToken: *token,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("integration: %s\n", in.ID)
	fmt.Printf("token:       %s\n", in.WebhookToken)
	fmt.Printf("webhook url: %s\n", api.WebhookURL(cfg.Gateway.PublicBaseURL, provider.MustLookup(id), in.WebhookToken))
	return 0
}

func runIntegrationDisable(args []string) int {
	fs := flag.NewFlagSet("disable", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")

	var id string
	var rest []string
	for _, arg := range args {
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
		fmt.Fprintln(os.Stderr, "Usage: switchboard integration disable <id> [--config PATH]")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openTenants(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	if err := store.Deactivate(ctx, id); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: no active integration %s\n", id)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("integration %s disabled\n", id)
	return 0
}

func runIntegrationList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	tenantID := fs.String("tenant", "", "Tenant id")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "Error: --tenant is required")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openTenants(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	list, err := store.List(ctx, *tenantID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tACTIVE\tCREATED")
	for _, in := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", in.ID, in.Provider, in.Active, in.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}
