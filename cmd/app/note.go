package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func bodyFlag() cli.Flag {
	return &cli.StringFlag{Name: "body", Aliases: []string{"m"}, Usage: "Note body; read from stdin when set to -"}
}

func noteBody(cmd *cli.Command) (string, error) {
	b := cmd.String("body")
	if b != "-" {
		return b, nil
	}
	data, err := readInput("-")
	return string(data), err
}

func noteCommand() *cli.Command {
	return &cli.Command{
		Name:  "note",
		Usage: "Create, share and delete notes",
		Commands: []*cli.Command{
			{
				Name:      "new",
				Usage:     "Create a note with fresh frontmatter",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{bodyFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 1); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					body, err := noteBody(cmd)
					if err != nil {
						return err
					}
					n, err := v.NoteCreate(cmd.Args().First(), body)
					if err != nil {
						return err
					}
					success("Created %s (%s)", cmd.Args().First(), n.Frontmatter.UUID)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a note and record a tombstone so peers delete it too",
				ArgsUsage: "<path>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 1); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					if err := v.NoteDelete(cmd.Args().First()); err != nil {
						return err
					}
					success("Deleted %s", cmd.Args().First())
					return nil
				},
			},
			{
				Name:      "share",
				Usage:     "Add a contact to a note's share_with list",
				ArgsUsage: "<path> <nickname>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 2); err != nil {
						return err
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					if err := v.NoteShare(cmd.Args().Get(0), cmd.Args().Get(1)); err != nil {
						return err
					}
					success("Shared %s with %s", cmd.Args().Get(0), cmdName(cmd.Args().Get(1)))
					return nil
				},
			},
			{
				Name:      "reply",
				Usage:     "Write a reply to the note with the given uuid",
				ArgsUsage: "<uuid>",
				Flags:     []cli.Flag{bodyFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := needArgs(cmd, 1); err != nil {
						return err
					}
					to, err := uuid.Parse(cmd.Args().First())
					if err != nil {
						return fmt.Errorf("reply: %w", err)
					}
					_, v, err := openVault(cmd)
					if err != nil {
						return err
					}
					body, err := noteBody(cmd)
					if err != nil {
						return err
					}
					rel, err := v.ReplyCreate(to, body)
					if err != nil {
						return err
					}
					success("Reply written to %s", rel)
					return nil
				},
			},
		},
	}
}
