package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

func needArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return fmt.Errorf("%s: expected %d argument(s): %s", cmd.Name, n, cmd.ArgsUsage)
	}
	return nil
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Create a new identity with this vault as its primary device",
		ArgsUsage: "<username> <device-name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := needArgs(cmd, 2); err != nil {
				return err
			}
			_, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			if err := v.TransitionToPrimary(cmd.Args().Get(0), cmd.Args().Get(1)); err != nil {
				return err
			}
			ep, name, err := v.DeviceEndpoint()
			if err != nil {
				return err
			}
			success("Created identity %s on device %s", cmdName(cmd.Args().Get(0)), cmdName(name))
			hint("Endpoint id: %s", ep)
			hint("Add devices with %s", cmdName("footnote pair"))
			return nil
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Remove this primary's identity and device keys; notes are kept",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Usage: "Confirm removal of the identity"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.Bool("yes") {
				return fmt.Errorf("reset deletes the identity key; pass --yes to confirm")
			}
			_, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			if err := v.TransitionToStandalone(); err != nil {
				return err
			}
			success("Vault is now standalone")
			return nil
		},
	}
}

func idCommand() *cli.Command {
	return &cli.Command{
		Name:  "id",
		Usage: "Print this device's state, name and endpoint id",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			state, err := v.StateRead()
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "state:    %s\n", state)
			if ep, name, err := v.DeviceEndpoint(); err == nil {
				fmt.Fprintf(stdout, "device:   %s\nendpoint: %s\n", name, ep)
			}
			return nil
		},
	}
}

func doctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check notes for missing frontmatter and duplicate or nil uuids",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "fix", Usage: "Repair the problems found"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, v, err := openVault(cmd)
			if err != nil {
				return err
			}
			issues, err := v.Doctor(cmd.Bool("fix"))
			if err != nil {
				return err
			}
			if len(issues) == 0 {
				success("No issues found")
				return nil
			}
			for _, is := range issues {
				warn("%s: %s", is.Path, is.Problem)
			}
			if cmd.Bool("fix") {
				success("Fixed %d issue(s)", len(issues))
			} else {
				hint("Run %s to repair", cmdName("footnote doctor --fix"))
			}
			return nil
		},
	}
}

func deviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "Manage this identity's devices",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List devices",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					devices, err := v.DeviceRead()
					if err != nil {
						return err
					}
					self, _, _ := v.DeviceEndpoint()
					for _, d := range devices {
						marker := " "
						if d.EndpointID == self {
							marker = "*"
						}
						fmt.Fprintf(stdout, "%s %-16s %s\n", marker, d.Name, d.EndpointID)
					}
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a device from the identity (primary only)",
				ArgsUsage: "<endpoint-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 1); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					if err := v.DeviceDelete(cmd.Args().First()); err != nil {
						return err
					}
					success("Removed device %s", cmd.Args().First())
					return nil
				},
			},
			{
				Name:      "rename",
				Usage:     "Rename this device",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 1); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					if err := v.DeviceKeyUpdate(cmd.Args().First()); err != nil {
						return err
					}
					success("Device renamed to %s", cmdName(cmd.Args().First()))
					return nil
				},
			},
		},
	}
}

func peerCommand() *cli.Command {
	return &cli.Command{
		Name:  "peer",
		Usage: "Manage the address book used to reach devices",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Record the host:port of an endpoint",
				ArgsUsage: "<endpoint-id> <host:port>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 2); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					if err := v.PeerSet(strings.ToLower(cmd.Args().Get(0)), cmd.Args().Get(1)); err != nil {
						return err
					}
					success("Address recorded")
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "Show the address book",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					book, err := v.PeerAddresses()
					if err != nil {
						return err
					}
					for id, addr := range cfg.Sync.Peers {
						book[id] = addr + " (config)"
					}
					for id, addr := range book {
						fmt.Fprintf(stdout, "%s %s\n", id, addr)
					}
					return nil
				},
			},
		},
	}
}
