package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/raysh454/kbcrawl/internal/model"
)

const (
	CommandServe      = "serve"
	CommandScrape     = "scrape"
	CommandCredential = "credential"
)

// CLIArgs are the parsed command-line arguments.
type CLIArgs struct {
	Command string

	// ConfigPath is an optional JSON config file; EnvFile an optional .env.
	ConfigPath string
	EnvFile    string

	// scrape and credential
	TenantID string

	// scrape
	URL    string
	Render bool

	// credential
	Domain      string
	AuthType    model.AuthType
	PayloadFile string

	// RawArgs is the original args slice (useful for debugging/tests).
	RawArgs []string
}

// ParseArgs parses a slice of args and returns CLIArgs. Use in tests by passing
// arbitrary slices. The function is deterministic and does not read os.Args.
//
//	kbcrawl [serve] [--config f]
//	kbcrawl scrape --tenant t --url u [--render]
//	kbcrawl credential --tenant t --domain d --auth-type form --payload-file p.json
func ParseArgs(args []string) (*CLIArgs, error) {
	out := &CLIArgs{Command: CommandServe, RawArgs: args}
	rest := args
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		out.Command = rest[0]
		rest = rest[1:]
	}

	fs := pflag.NewFlagSet("kbcrawl "+out.Command, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&out.ConfigPath, "config", "c", "", "Path to a JSON config file")
	fs.StringVar(&out.EnvFile, "env-file", "", "Path to a .env file (default .env.local and .env)")

	var authType string
	switch out.Command {
	case CommandServe:
	case CommandScrape:
		fs.StringVar(&out.TenantID, "tenant", "", "Tenant to scrape for (required)")
		fs.StringVar(&out.URL, "url", "", "URL to scrape (required)")
		fs.BoolVar(&out.Render, "render", false, "Render the page in a browser and wait for dynamic content")
	case CommandCredential:
		fs.StringVar(&out.TenantID, "tenant", "", "Tenant owning the credential (required)")
		fs.StringVar(&out.Domain, "domain", "", "Domain the credential applies to (required)")
		fs.StringVar(&authType, "auth-type", "", "basic|form|cookie|header|sso (required)")
		fs.StringVar(&out.PayloadFile, "payload-file", "", "JSON file with the secret payload (required)")
	default:
		return nil, fmt.Errorf("unknown command %q", out.Command)
	}

	if err := fs.Parse(rest); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	switch out.Command {
	case CommandScrape:
		if strings.TrimSpace(out.TenantID) == "" || strings.TrimSpace(out.URL) == "" {
			return nil, fmt.Errorf("scrape requires --tenant and --url")
		}
	case CommandCredential:
		if out.TenantID == "" || out.Domain == "" || out.PayloadFile == "" {
			return nil, fmt.Errorf("credential requires --tenant, --domain, --auth-type and --payload-file")
		}
		at, err := model.ParseAuthType(authType)
		if err != nil {
			return nil, err
		}
		out.AuthType = at
	}
	return out, nil
}
