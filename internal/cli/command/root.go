// Package command provides CLI command definitions for keymesh-cli.
//
// It uses urfave/cli/v2 for command parsing. Every command opens one
// connection to the server, runs, and disconnects.
package command

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/keymesh-go/internal/infra/buildinfo"
	"github.com/yndnr/keymesh-go/pkg/client"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "keymesh-cli",
		Usage:   "KeyMesh command-line client",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			PingCommand(),
			KVCommand(),
			HashCommand(),
			PubSubCommand(),
		},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "KeyMesh server address",
			EnvVars: []string{"KEYMESH_SERVER"},
			Value:   "localhost:6379",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "Per-operation timeout",
			Value:   5 * time.Second,
		},
	}
}

// dial opens a connection using the global flags.
func dial(c *cli.Context) (*client.Client, error) {
	conn, err := client.DialTimeout(c.String("server"), c.Duration("timeout"))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.String("server"), err)
	}
	return conn, nil
}

// PingCommand returns the ping command.
func PingCommand() *cli.Command {
	return &cli.Command{
		Name:      "ping",
		Usage:     "Check server liveness",
		ArgsUsage: "[MESSAGE]",
		Action: func(c *cli.Context) error {
			conn, err := dial(c)
			if err != nil {
				return err
			}
			defer conn.Close()

			reply, err := conn.Ping(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, reply)
			return nil
		},
	}
}
