// Package command provides CLI command definitions for keymesh-cli.
package command

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

// PubSubCommand returns the pub/sub subcommand group.
func PubSubCommand() *cli.Command {
	return &cli.Command{
		Name:  "pubsub",
		Usage: "Publish/subscribe operations",
		Subcommands: []*cli.Command{
			{
				Name:      "publish",
				Aliases:   []string{"pub"},
				Usage:     "Publish a message to a channel",
				ArgsUsage: "CHANNEL MESSAGE",
				Action:    pubsubPublish,
			},
			{
				Name:      "subscribe",
				Aliases:   []string{"sub"},
				Usage:     "Subscribe to channels and print messages until interrupted",
				ArgsUsage: "CHANNEL [CHANNEL...]",
				Action:    pubsubSubscribe,
			},
		},
	}
}

func pubsubPublish(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: pubsub publish CHANNEL MESSAGE")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	n, err := conn.Publish(c.Args().Get(0), []byte(c.Args().Get(1)))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d\n", n)
	return nil
}

func pubsubSubscribe(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("usage: pubsub subscribe CHANNEL [CHANNEL...]")
	}
	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, err := conn.Subscribe(c.Args().Slice()...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "subscribed to %d channel(s), press Ctrl+C to stop\n", sub.Count())

	// Message waits should not hit the per-operation timeout.
	conn.Timeout = 0

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		// Unblock the pending read.
		conn.Timeout = time.Nanosecond
		_ = conn.Close()
	}()

	for {
		msg, err := sub.Next()
		if err != nil {
			var netErr net.Error
			if errors.Is(err, net.ErrClosed) || (errors.As(err, &netErr) && netErr.Timeout()) {
				return nil
			}
			return err
		}
		fmt.Fprintf(c.App.Writer, "[%s] %s\n", msg.Channel, msg.Payload)
	}
}
