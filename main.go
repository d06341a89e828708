package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raysh454/kbcrawl/internal/app"
	"github.com/raysh454/kbcrawl/internal/cli"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	parsed, err := cli.ParseArgs(args)
	if err != nil {
		return err
	}

	var envFiles []string
	if parsed.EnvFile != "" {
		envFiles = append(envFiles, parsed.EnvFile)
	}
	if err := app.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	cfg, err := app.LoadConfig(parsed.ConfigPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(os.Stderr, cfg.LogLevel, "kbcrawl")
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch parsed.Command {
	case cli.CommandScrape:
		return scrape(ctx, a, parsed)
	case cli.CommandCredential:
		return storeCredential(ctx, a, parsed)
	default:
		return a.Serve(ctx)
	}
}

func scrape(ctx context.Context, a *app.Application, args *cli.CLIArgs) error {
	defer shutdown(a)
	if err := a.Start(ctx); err != nil {
		return err
	}

	res := a.ScrapeURL(ctx, args.TenantID, args.URL, args.Render)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Failed() {
		return fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
	}
	return nil
}

func storeCredential(ctx context.Context, a *app.Application, args *cli.CLIArgs) error {
	defer shutdown(a)

	raw, err := os.ReadFile(args.PayloadFile)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var payload model.CredentialPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	cred, err := a.Vault.Upsert(ctx, args.TenantID, args.Domain, args.AuthType, payload)
	if err != nil {
		return err
	}
	fmt.Printf("stored credential %s for %s/%s\n", cred.ID, cred.TenantID, cred.DomainKey)
	return nil
}

func shutdown(a *app.Application) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}
