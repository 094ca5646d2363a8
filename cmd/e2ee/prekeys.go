package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type preKeysCommand struct {
	Threshold int `long:"threshold" default:"20" description:"Replenish when the server holds fewer keys than this"`
	Batch     int `long:"batch" default:"100" description:"Number of keys to upload when replenishing"`
}

func (cmd *preKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	n, err := c.ReplenishPreKeys(ctx, cmd.Threshold, cmd.Batch)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Pre-key supply is sufficient.")
	} else {
		fmt.Printf("Uploaded %d fresh one-time pre-keys.\n", n)
	}
	return nil
}

type rotateCommand struct{}

func (cmd *rotateCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	if err := c.RotateSignedPreKey(ctx); err != nil {
		return err
	}
	fmt.Println("Signed pre-key rotated.")
	return nil
}

type resetCommand struct {
	Yes bool `short:"y" long:"yes" description:"Skip the confirmation prompt"`
}

func (cmd *resetCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if !cmd.Yes {
		fmt.Print("This discards all sessions and generates a new identity. Continue? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	c := openClient()
	defer c.Close()

	channels, err := c.ResetIdentity(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Identity regenerated and registered.")
	if len(channels) > 0 {
		fmt.Printf("Sender keys for %d channel(s) will be redistributed on next send.\n", len(channels))
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Printf("New fingerprint: %s\n", fp)
	return nil
}
