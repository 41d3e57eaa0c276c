//go:build noptyhost

package main

import (
	"github.com/oxideterm/core/lib/session"
)

// Builds without a PTY host still serve every SSH, SFTP, and forwarding
// feature; only local terminals are unavailable.
func localTerminalFactory() session.TerminalFactory {
	return nil
}
