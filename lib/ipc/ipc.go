// Package ipc is the typed command surface the UI drives the core through.
// Commands address user intent by nodeId; the dispatcher resolves nodeIds
// through the node router and never leaks raw connection or session ids
// except for the terminal-level commands that explicitly take them. The
// dispatcher itself is stateless between calls apart from registered node
// specs; all live state belongs to the components behind it.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/oxideterm/core/lib/forward"
	"github.com/oxideterm/core/lib/noderouter"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/reconnect"
	"github.com/oxideterm/core/lib/session"
	"github.com/oxideterm/core/lib/sftppool"
	"github.com/oxideterm/core/lib/sshreg"
	"github.com/oxideterm/core/lib/vault"
)

// Request is one UI command. ID, when set, is echoed on the Response so a
// pipelined client can correlate out-of-order completions.
type Request struct {
	ID      uint64          `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// ErrorPayload is the wire form of a failed command.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Response is the envelope every command returns.
type Response struct {
	ID     uint64        `json:"id,omitempty"`
	Result interface{}   `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// Handler services one command.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Config wires the dispatcher to every component it fronts.
type Config struct {
	Connections *sshreg.Registry
	Router      *noderouter.Router
	Sessions    *session.Registry
	Sftp        *sftppool.Pool
	Forwards    *forward.Manager
	Reconnect   *reconnect.Orchestrator
	Vault       *vault.Vault
	// HostKeys supplies the trust-on-first-use callback stamped onto every
	// registered node's connect spec.
	HostKeys *vault.HostKeyStore
	Log      *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Connections == nil || c.Router == nil || c.Sessions == nil {
		return trace.BadParameter("ipc: missing core components")
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "ipc")
	}
	return nil
}

// Dispatcher routes commands by name.
type Dispatcher struct {
	cfg      Config
	handlers map[string]Handler

	mu        sync.RWMutex
	nodeSpecs map[string]sshreg.ConnectSpec
}

// New constructs a Dispatcher with every command registered.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	d := &Dispatcher{
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		nodeSpecs: make(map[string]sshreg.ConnectSpec),
	}
	d.register()
	return d, nil
}

func (d *Dispatcher) register() {
	d.handlers["register_node"] = d.registerNode
	d.handlers["connect_node"] = d.connectNode
	d.handlers["disconnect_node"] = d.disconnectNode
	d.handlers["create_terminal"] = d.createTerminal
	d.handlers["close_terminal"] = d.closeTerminal
	d.handlers["resize_terminal"] = d.resizeTerminal
	d.handlers["recreate_terminal_pty"] = d.recreateTerminalPTY
	d.handlers["sftp_stat"] = d.sftpStat
	d.handlers["sftp_read_dir"] = d.sftpReadDir
	d.handlers["sftp_mkdir"] = d.sftpMkdir
	d.handlers["sftp_rmdir"] = d.sftpRmdir
	d.handlers["sftp_rename"] = d.sftpRename
	d.handlers["sftp_remove"] = d.sftpRemove
	d.handlers["sftp_chmod"] = d.sftpChmod
	d.handlers["sftp_symlink"] = d.sftpSymlink
	d.handlers["sftp_readlink"] = d.sftpReadlink
	d.handlers["forward_create"] = d.forwardCreate
	d.handlers["forward_close"] = d.forwardClose
	d.handlers["forward_status"] = d.forwardStatus
	d.handlers["cancel_reconnect"] = d.cancelReconnect
	d.handlers["network_status_changed"] = d.networkStatusChanged
	d.handlers["vault_list"] = d.vaultList
	d.handlers["vault_save"] = d.vaultSave
	d.handlers["vault_delete"] = d.vaultDelete
}

// Dispatch runs one command and wraps the outcome in a Response envelope.
// Errors always carry a stable machine-readable code.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	h, ok := d.handlers[req.Command]
	if !ok {
		return Response{ID: req.ID, Error: &ErrorPayload{Code: string(oxerr.NotFound), Reason: "unknown command " + req.Command}}
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		d.cfg.Log.WithError(err).WithField("command", req.Command).Debug("command failed")
		return Response{ID: req.ID, Error: errorPayload(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func errorPayload(err error) *ErrorPayload {
	var oe *oxerr.Error
	if errors.As(err, &oe) {
		return &ErrorPayload{Code: string(oe.Kind), Reason: oe.Reason}
	}
	switch {
	case trace.IsNotFound(err):
		return &ErrorPayload{Code: string(oxerr.NotFound), Reason: trace.UserMessage(err)}
	case trace.IsBadParameter(err):
		return &ErrorPayload{Code: string(oxerr.SpecInvalid), Reason: trace.UserMessage(err)}
	case trace.IsAccessDenied(err):
		return &ErrorPayload{Code: string(oxerr.Policy), Reason: trace.UserMessage(err)}
	default:
		// Unknown errors surface opaque; details stay in the logs.
		return &ErrorPayload{Code: string(oxerr.Internal), Reason: "internal error"}
	}
}

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return oxerr.New(oxerr.SpecInvalid, err, "malformed command parameters")
	}
	return nil
}
