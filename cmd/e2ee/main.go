// Command e2ee manages the local end-to-end encryption state for a Veldt
// chat account: identity generation, pre-key maintenance, fingerprint
// verification, and passphrase-protected key backups.
//
// Usage:
//
//	e2ee init                    Generate an identity and register with the relay
//	e2ee fingerprint             Show this device's identity fingerprint
//	e2ee prekeys                 Show and replenish one-time pre-keys
//	e2ee backup export <file>    Write a passphrase-encrypted identity backup
package main

import (
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/veldtchat/e2ee-go"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" description:"Path to config file directory"`
	User    string `short:"u" long:"user" description:"User ID of the account to operate on"`
	Scope   string `long:"scope" description:"Cryptographic scope (instance identity) to use"`
	DataDir string `long:"data-dir" description:"Directory holding key stores"`
	Relay   string `long:"relay" description:"Relay API base URL"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Init        initCommand        `command:"init" description:"Generate an identity and register it with the relay"`
	Fingerprint fingerprintCommand `command:"fingerprint" description:"Show the identity fingerprint for out-of-band verification"`
	PreKeys     preKeysCommand     `command:"prekeys" description:"Show one-time pre-key count and replenish if low"`
	Rotate      rotateCommand      `command:"rotate" description:"Rotate the signed pre-key"`
	Reset       resetCommand       `command:"reset" description:"Regenerate the identity from scratch (drops all sessions)"`
	Backup      backupCommand      `command:"backup" description:"Export, import, upload or download identity backups"`
	Listen      listenCommand      `command:"listen" description:"Print push events from the relay as they arrive"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// clientOpts merges the config file with command-line flags; flags win.
func clientOpts() (string, []client.Option) {
	cfg := loadConfig(opts.Config)

	userID := cfg.UserID
	if opts.User != "" {
		userID = opts.User
	}

	var copts []client.Option
	if relay := firstOf(opts.Relay, cfg.Relay.URL); relay != "" {
		copts = append(copts, client.WithRelayURL(relay))
	}
	if cfg.Relay.WSURL != "" {
		copts = append(copts, client.WithWSURL(cfg.Relay.WSURL))
	}
	if cfg.Relay.Token != "" {
		copts = append(copts, client.WithAuthToken(cfg.Relay.Token))
	}
	if dir := firstOf(opts.DataDir, cfg.DataDir); dir != "" {
		copts = append(copts, client.WithDataDir(dir))
	}
	if scope := firstOf(opts.Scope, cfg.Scope); scope != "" {
		copts = append(copts, client.WithScope(scope))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return userID, copts
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
