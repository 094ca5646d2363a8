package main

import (
	"fmt"
	"os"
	"strings"

	qrterminal "github.com/mdp/qrterminal/v3"
)

type fingerprintCommand struct {
	QR bool `long:"qr" description:"Also render the fingerprint as a QR code"`
}

func (cmd *fingerprintCommand) Execute(args []string) error {
	c := openClient()
	defer c.Close()

	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}

	fmt.Println("Compare this fingerprint with your contact over a trusted channel:")
	fmt.Println()
	fmt.Println(formatFingerprint(fp))

	if cmd.QR {
		fmt.Println()
		qrterminal.GenerateHalfBlock(fp, qrterminal.L, os.Stdout)
	}
	return nil
}

// formatFingerprint groups the hex digest for easier visual comparison.
func formatFingerprint(fp string) string {
	var groups []string
	for i := 0; i < len(fp); i += 8 {
		end := i + 8
		if end > len(fp) {
			end = len(fp)
		}
		groups = append(groups, fp[i:end])
	}
	var lines []string
	for i := 0; i < len(groups); i += 4 {
		end := i + 4
		if end > len(groups) {
			end = len(groups)
		}
		lines = append(lines, strings.Join(groups[i:end], " "))
	}
	return strings.Join(lines, "\n")
}
