package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type listenCommand struct{}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	fmt.Println("Listening for push events (Ctrl-C to stop)...")
	for ev, err := range c.Listen(ctx) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		switch {
		case ev.ChannelID != "":
			fmt.Printf("%s channel=%s\n", ev.Type, ev.ChannelID)
		case ev.UserID != "":
			fmt.Printf("%s user=%s\n", ev.Type, ev.UserID)
		default:
			fmt.Println(ev.Type)
		}
	}
	return nil
}
