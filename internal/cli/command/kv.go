// Package command provides CLI command definitions for keymesh-cli.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/keymesh-go/pkg/client"
)

// KVCommand returns the key/value subcommand group.
func KVCommand() *cli.Command {
	return &cli.Command{
		Name:  "kv",
		Usage: "Scalar key operations",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Get the value of a key",
				ArgsUsage: "KEY",
				Action:    kvGet,
			},
			{
				Name:      "set",
				Usage:     "Set the value of a key",
				ArgsUsage: "KEY VALUE",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "expire",
						Aliases: []string{"x"},
						Usage:   "Expire the key after this duration (e.g. 30s, 5m)",
					},
				},
				Action: kvSet,
			},
			{
				Name:      "del",
				Usage:     "Delete keys",
				ArgsUsage: "KEY [KEY...]",
				Action:    kvDel,
			},
			{
				Name:      "exists",
				Usage:     "Count how many of the named keys exist",
				ArgsUsage: "KEY [KEY...]",
				Action:    kvExists,
			},
			{
				Name:      "ttl",
				Usage:     "Show the remaining lifetime of a key",
				ArgsUsage: "KEY",
				Action:    kvTTL,
			},
		},
	}
}

func kvGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: kv get KEY")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	value, err := conn.Get(c.Args().First())
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

func kvSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: kv set KEY VALUE")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	key, value := c.Args().Get(0), c.Args().Get(1)
	if expire := c.Duration("expire"); expire > 0 {
		err = conn.SetEx(key, []byte(value), expire)
	} else {
		err = conn.Set(key, []byte(value))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "OK")
	return nil
}

func kvDel(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("usage: kv del KEY [KEY...]")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	n, err := conn.Del(c.Args().Slice()...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d\n", n)
	return nil
}

func kvExists(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("usage: kv exists KEY [KEY...]")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	n, err := conn.Exists(c.Args().Slice()...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d\n", n)
	return nil
}

func kvTTL(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: kv ttl KEY")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	ttl, err := conn.TTL(c.Args().First())
	if err != nil {
		return err
	}
	switch ttl {
	case -2:
		fmt.Fprintln(c.App.Writer, "(no such key)")
	case -1:
		fmt.Fprintln(c.App.Writer, "(no expiry)")
	default:
		fmt.Fprintln(c.App.Writer, time.Duration(ttl)*time.Second)
	}
	return nil
}
