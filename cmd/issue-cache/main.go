// Command issue-cache downloads newspaper issues into a local cache, keeps the
// newest issue current in the background and serves a small control API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/issue-cache/credentials"
	"github.com/wolfeidau/issue-cache/credentials/opprovider"
)

// Globals are the flags shared by every command.
type Globals struct {
	DataDir     string `help:"Data directory." default:"./issue-cache" type:"path" env:"ISSUE_CACHE_DATA_DIR"`
	APIURL      string `name:"api-url" help:"Base URL of the issue API." required:"" env:"ISSUE_CACHE_API_URL"`
	Token       string `help:"Bearer token for the issue API." env:"ISSUE_CACHE_TOKEN"`
	Credentials string `help:"Credentials template resolving api_token and auth_token." type:"path" env:"ISSUE_CACHE_CREDENTIALS"`
	OPBinary    string `name:"op-binary" help:"1Password CLI used by op references in the credentials template." default:"op"`
	Settings    string `help:"Preferences file (default: <data-dir>/settings.toml)." type:"path" env:"ISSUE_CACHE_SETTINGS"`
	MaxRetries  int    `help:"Connectivity probes per network call before giving up, -1 waits forever." default:"5"`
	Slots       int    `help:"Concurrent file downloads." default:"4"`
	LogLevel    string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"ISSUE_CACHE_LOG_LEVEL"`
	LogFormat   string `help:"Log format." enum:"text,json,tint" default:"text" env:"ISSUE_CACHE_LOG_FORMAT"`
	LogFile     string `help:"Write logs to a rotating file instead of stderr." type:"path" env:"ISSUE_CACHE_LOG_FILE"`
}

// CLI is the command line of issue-cache.
type CLI struct {
	Globals

	Download DownloadCmd `cmd:"" help:"Download an issue into the cache."`
	Delete   DeleteCmd   `cmd:"" help:"Delete the content or all data of an issue."`
	Status   StatusCmd   `cmd:"" help:"Show or watch the cache state of an issue."`
	List     ListCmd     `cmd:"" help:"List downloaded issues."`
	Prefs    PrefsCmd    `cmd:"" help:"Show or change preferences."`
	Daemon   DaemonCmd   `cmd:"" help:"Keep the newest issue downloaded and serve the control API."`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("issue-cache"),
		kong.Description("Offline cache for newspaper issues."),
		kong.UsageOnError(),
	)

	logger, closer, err := newLogger(cli.LogLevel, cli.LogFormat, cli.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveCredentials(ctx, &cli, logger); err != nil {
		return err
	}

	a, err := openApp(&cli.Globals, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing app", "error", err)
		}
	}()

	return kctx.Run(&cli.Globals, a, runContext{ctx})
}

// resolveCredentials fills tokens that were not given on the command line
// from the credentials template.
func resolveCredentials(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	if cli.Credentials == "" {
		return nil
	}
	r := credentials.NewResolver(
		credentials.WithLogger(logger),
		opprovider.WithOnePassword(cli.OPBinary),
	)
	creds, err := r.ResolveFile(ctx, cli.Credentials)
	if err != nil {
		return err
	}
	if cli.Token == "" {
		cli.Token = creds.APIToken
	}
	if cli.Daemon.AuthToken == "" {
		cli.Daemon.AuthToken = creds.AuthToken
	}
	return nil
}

// runContext carries the signal-aware context into command Run methods.
type runContext struct {
	context.Context
}
