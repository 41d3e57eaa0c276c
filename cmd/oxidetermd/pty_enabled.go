//go:build !noptyhost

package main

import (
	"github.com/oxideterm/core/lib/ptyhost"
	"github.com/oxideterm/core/lib/session"
)

func localTerminalFactory() session.TerminalFactory {
	return func(cols, rows uint16) (session.Terminal, error) {
		return ptyhost.Start(ptyhost.Config{Cols: cols, Rows: rows})
	}
}
