package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nhardt/footnote-sub000/internal"
	"github.com/nhardt/footnote-sub000/internal/mcpserver"
	"github.com/nhardt/footnote-sub000/internal/pairing"
	"github.com/nhardt/footnote-sub000/internal/service"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/transfer"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

// endpoint builds this device's transport endpoint, resolving peers from
// the config file first and the vault's address book second.
func endpoint(cfg *internal.Config, v *vault.Vault) (*transport.Endpoint, error) {
	key, _, err := v.DeviceKey()
	if err != nil {
		return nil, err
	}
	return transport.NewEndpoint(key, transport.Chain(transport.StaticResolver(cfg.Sync.Peers), v))
}

func pairCommand() *cli.Command {
	return &cli.Command{
		Name:  "pair",
		Usage: "Open a one-shot session that lets a new device join this identity",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":4921", Usage: "Address the pairing listener binds"},
			&cli.StringFlag{Name: "advertise", Usage: "host:port put in the join URL (defaults to the bound address)"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "Give up after this long"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			ep, err := endpoint(cfg, v)
			if err != nil {
				return err
			}
			s, err := pairing.Start(v, ep, cmd.String("listen"), cmd.String("advertise"), cliLogger(cfg))
			if err != nil {
				return err
			}
			defer s.Close()

			hint("On the new device run:")
			fmt.Fprintf(stdout, "\n  footnote join '%s' <device-name>\n\n", s.URL())

			ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			stop := startSpinner("Waiting for the new device...")
			d, err := s.Wait(ctx)
			stop()
			if err != nil {
				return err
			}
			success("Device %s joined (%s)", cmdName(d.Name), d.EndpointID)
			return nil
		},
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:      "join",
		Usage:     "Join an identity using the URL shown by footnote pair",
		ArgsUsage: "<url> <device-name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := needArgs(cmd, 2); err != nil {
				return err
			}
			cfg, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			stop := startSpinner("Contacting primary...")
			user, err := pairing.Join(ctx, v, cmd.Args().Get(0), cmd.Args().Get(1), cliLogger(cfg))
			stop()
			if err != nil {
				return err
			}
			success("Joined %s as %s", cmdName(user.Username), cmdName(cmd.Args().Get(1)))
			hint("Start syncing with %s", cmdName("footnote serve"))
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push once to every own device and contact, then exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			st, err := openStatus(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			ep, err := endpoint(cfg, v)
			if err != nil {
				return err
			}
			logger := cliLogger(cfg)
			syncer, err := transfer.NewSyncer(transfer.SyncerOptions{
				Vault: v, Endpoint: ep, Status: st, Logger: logger, Ignore: cfg.Sync.Ignore,
			})
			if err != nil {
				return err
			}
			svc, err := service.New(service.Options{Vault: v, Syncer: syncer, Endpoint: ep, Logger: logger})
			if err != nil {
				return err
			}
			stop := startSpinner("Syncing...")
			err = svc.SyncOnce(ctx)
			stop()
			if err != nil {
				warn("Some targets failed:")
				return err
			}
			success("Sync complete")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the latest sync outcome per peer and direction",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			st, err := openStatus(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			list, err := st.List()
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				hint("No sync attempts recorded yet")
				return nil
			}
			for _, s := range list {
				fmt.Fprintf(stdout, "%-24s %-8s %s\n", peerLabel(v, s.EndpointID), s.Direction, describe(s))
			}
			return nil
		},
	}
}

func peerLabel(v *vault.Vault, ep string) string {
	if name, err := v.OwnedDeviceEndpointToName(ep); err == nil {
		return name
	}
	if c, err := v.FindContactByEndpoint(ep); err == nil && c != nil {
		return c.Nickname
	}
	if len(ep) > 12 {
		return ep[:12]
	}
	return ep
}

func describe(s status.Summary) string {
	switch {
	case s.Current != nil:
		done := fmt.Sprintf("%d", s.Current.FilesTransferred)
		if s.Current.FilesTotal != nil {
			done += fmt.Sprintf("/%d", *s.Current.FilesTotal)
		}
		return "syncing " + done
	case s.LastSeen == nil:
		return "never"
	case s.LastSeen.State == status.Failure:
		return fmt.Sprintf("failed %s: %s", s.LastSeen.FinishedAt.Time().Local().Format(time.DateTime), s.LastSeen.Error)
	default:
		return fmt.Sprintf("ok %s (%d files)", s.LastSeen.FinishedAt.Time().Local().Format(time.DateTime), s.LastSeen.FilesTransferred)
	}
}

func contactCommand() *cli.Command {
	return &cli.Command{
		Name:  "contact",
		Usage: "Exchange and manage trusted contacts",
		Commands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Write this identity's signed record to stdout",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					return v.ContactExport(stdout)
				},
			},
			{
				Name:      "import",
				Usage:     "Trust the signed record in file under nickname",
				ArgsUsage: "<nickname> <file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 2); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					data, err := readInput(cmd.Args().Get(1))
					if err != nil {
						return err
					}
					c, err := v.ContactImport(cmd.Args().Get(0), data)
					if err != nil {
						return err
					}
					success("Imported %s (%s) with %d device(s)", cmdName(c.Nickname), c.Username, len(c.Devices))
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List contacts",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					contacts, err := v.ContactRead()
					if err != nil {
						return err
					}
					for _, c := range contacts {
						fmt.Fprintf(stdout, "%-16s %-16s %d device(s)\n", c.Nickname, c.Username, len(c.Devices))
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Stop trusting a contact",
				ArgsUsage: "<nickname>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 1); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					if err := v.ContactDelete(cmd.Args().First()); err != nil {
						return err
					}
					success("Deleted contact %s", cmd.Args().First())
					return nil
				},
			},
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve vault tools to an MCP client over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			st, err := openStatus(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			cliLogger(cfg).Info("mcp: serving on stdio", slog.String("vault", cfg.Vault.Path))
			if err := mcpserver.New(v, st, version).ServeStdio(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
