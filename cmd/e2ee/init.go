package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/veldtchat/e2ee-go"
)

type initCommand struct {
	Force bool `long:"force" description:"Overwrite an existing identity"`
}

// openClient constructs the engine from flags and config. Exits on a missing
// user ID since every command needs one.
func openClient() *client.Client {
	userID, copts := clientOpts()
	if userID == "" {
		fmt.Fprintln(os.Stderr, "Error: no user ID (use --user or set userid in the config file)")
		os.Exit(1)
	}
	c, err := client.New(userID, copts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

func (cmd *initCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	if !cmd.Force {
		ok, err := c.HasIdentity()
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("identity already exists (use --force to replace it)")
		}
	}

	if err := c.GenerateIdentity(ctx); err != nil {
		return err
	}

	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Println("Identity generated and registered.")
	fmt.Printf("Fingerprint: %s\n", fp)
	return nil
}
