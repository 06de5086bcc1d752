package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/nhardt/footnote-sub000/internal"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/vault"
	pkgconfig "github.com/nhardt/footnote-sub000/pkg/config"
)

var version = "dev"

// loadConfig reads --config over the defaults. A missing file is fine;
// --vault overrides vault.path.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if p := cmd.String("vault"); p != "" {
		cfg.Vault.Path = p
	}
	return cfg, nil
}

func openVault(cmd *cli.Command) (*internal.Config, *vault.Vault, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	v, err := vault.Open(cfg.Vault.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func openStatus(cfg *internal.Config) (*status.Store, error) {
	return status.Open(cfg.StatusDBPath())
}

// cliLogger logs to stderr so command output on stdout stays clean.
func cliLogger(cfg *internal.Config) *slog.Logger {
	return internal.NewLogger(os.Stderr, cfg.App.LogLevel)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "footnote",
		Usage:   "Peer-to-peer Markdown notes sync between your devices and trusted contacts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault directory (overrides vault.path)",
				Sources: cli.EnvVars("FOOTNOTE_VAULT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the sync listener, the push schedule and the optional status API",
				Action: serve,
			},
			initCommand(),
			resetCommand(),
			idCommand(),
			pairCommand(),
			joinCommand(),
			syncCommand(),
			statusCommand(),
			doctorCommand(),
			deviceCommand(),
			contactCommand(),
			noteCommand(),
			peerCommand(),
			mcpCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
