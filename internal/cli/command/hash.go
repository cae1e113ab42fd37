// Package command provides CLI command definitions for keymesh-cli.
package command

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/keymesh-go/pkg/client"
)

// HashCommand returns the hash subcommand group.
func HashCommand() *cli.Command {
	return &cli.Command{
		Name:  "hash",
		Usage: "Field map operations",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Set one field of a key",
				ArgsUsage: "KEY FIELD VALUE",
				Action:    hashSet,
			},
			{
				Name:      "get",
				Usage:     "Get one field of a key",
				ArgsUsage: "KEY FIELD",
				Action:    hashGet,
			},
			{
				Name:      "getall",
				Usage:     "Get every field of a key",
				ArgsUsage: "KEY",
				Action:    hashGetAll,
			},
		},
	}
}

func hashSet(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("usage: hash set KEY FIELD VALUE")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.HSet(c.Args().Get(0), c.Args().Get(1), []byte(c.Args().Get(2))); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "OK")
	return nil
}

func hashGet(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: hash get KEY FIELD")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	value, err := conn.HGet(c.Args().Get(0), c.Args().Get(1))
	if errors.Is(err, client.ErrNil) {
		fmt.Fprintln(c.App.Writer, "(nil)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(value))
	return nil
}

func hashGetAll(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: hash getall KEY")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	fields, err := conn.HGetAll(c.Args().First())
	if errors.Is(err, client.ErrNil) {
		fmt.Fprintln(c.App.Writer, "(nil)")
		return nil
	}
	if err != nil {
		return err
	}
	for field, value := range fields {
		fmt.Fprintf(c.App.Writer, "%s: %s\n", field, value)
	}
	return nil
}
