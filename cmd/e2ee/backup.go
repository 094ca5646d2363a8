package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/term"
)

type backupCommand struct {
	Export   backupExportCommand   `command:"export" description:"Write a passphrase-encrypted identity backup to a file"`
	Import   backupImportCommand   `command:"import" description:"Restore the identity from a backup file"`
	Upload   backupUploadCommand   `command:"upload" description:"Store an encrypted backup on the relay"`
	Download backupDownloadCommand `command:"download" description:"Restore the identity from the relay-held backup"`
	Status   backupStatusCommand   `command:"status" description:"Check whether a relay-held backup exists"`
}

// readPassphrase prompts without echo. Falls back to a plain read when stdin
// is not a terminal (tests, pipes).
func readPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	var pass string
	if _, err := fmt.Scanln(&pass); err != nil {
		return "", err
	}
	return pass, nil
}

type backupExportCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"true" description:"Output path for the backup blob"`
	} `positional-args:"true" required:"true"`
}

func (cmd *backupExportCommand) Execute(args []string) error {
	c := openClient()
	defer c.Close()

	pass, err := readPassphrase("Backup passphrase: ")
	if err != nil {
		return err
	}
	blob, err := c.ExportBackup(pass)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cmd.Args.File, blob, 0o600); err != nil {
		return err
	}
	fmt.Printf("Backup written to %s (%d bytes)\n", cmd.Args.File, len(blob))
	return nil
}

type backupImportCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"true" description:"Backup blob to restore from"`
	} `positional-args:"true" required:"true"`
}

func (cmd *backupImportCommand) Execute(args []string) error {
	c := openClient()
	defer c.Close()

	blob, err := os.ReadFile(cmd.Args.File)
	if err != nil {
		return err
	}
	pass, err := readPassphrase("Backup passphrase: ")
	if err != nil {
		return err
	}
	if err := c.ImportBackup(blob, pass); err != nil {
		return err
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Println("Identity restored.")
	fmt.Printf("Fingerprint: %s\n", fp)
	return nil
}

type backupUploadCommand struct{}

func (cmd *backupUploadCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	pass, err := readPassphrase("Backup passphrase: ")
	if err != nil {
		return err
	}
	if err := c.UploadBackup(ctx, pass); err != nil {
		return err
	}
	fmt.Println("Encrypted backup uploaded.")
	return nil
}

type backupDownloadCommand struct{}

func (cmd *backupDownloadCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	pass, err := readPassphrase("Backup passphrase: ")
	if err != nil {
		return err
	}
	if err := c.DownloadBackup(ctx, pass); err != nil {
		return err
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Println("Identity restored from relay backup.")
	fmt.Printf("Fingerprint: %s\n", fp)
	return nil
}

type backupStatusCommand struct{}

func (cmd *backupStatusCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := openClient()
	defer c.Close()

	exists, err := c.HasServerBackup(ctx)
	if err != nil {
		return err
	}
	if exists {
		fmt.Println("A relay-held backup exists.")
	} else {
		fmt.Println("No relay-held backup.")
	}
	return nil
}
