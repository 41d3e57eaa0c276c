package ipc

import (
	"context"
	"encoding/json"
	"os"

	"github.com/gravitational/trace"

	"github.com/oxideterm/core/lib/forward"
	"github.com/oxideterm/core/lib/noderouter"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/sshreg"
	"github.com/oxideterm/core/lib/vault"
)

// registerNode declares a user intent: a stable nodeId plus the connection
// spec it should resolve through. Issued once per intent; re-registration of
// a live nodeId is a no-op on the router side.
func (d *Dispatcher) registerNode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeID      string `json:"nodeId"`
		DisplayName string `json:"displayName"`
		ParentID    string `json:"parentId"`
		Depth       int    `json:"depth"`

		Host        string `json:"host"`
		Port        int    `json:"port"`
		Username    string `json:"username"`
		AuthClass   string `json:"authClass"`
		KeyOrCredID string `json:"keyOrCredId"`
		Via         string `json:"via"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.NodeID == "" || p.Host == "" || p.Username == "" {
		return nil, oxerr.New(oxerr.SpecInvalid, nil, "nodeId, host, and username are required")
	}
	if p.Port == 0 {
		p.Port = 22
	}

	d.cfg.Router.RegisterNode(p.NodeID, p.DisplayName, p.ParentID, p.Depth)
	spec := sshreg.ConnectSpec{
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
		AuthClass:   sshreg.AuthClass(p.AuthClass),
		KeyOrCredID: p.KeyOrCredID,
		Via:         p.Via,
	}
	if d.cfg.HostKeys != nil {
		spec.HostKeyCallback = d.cfg.HostKeys.Callback()
	}
	d.mu.Lock()
	d.nodeSpecs[p.NodeID] = spec
	d.mu.Unlock()
	return map[string]string{"nodeId": p.NodeID}, nil
}

// connectNode establishes (or reuses) the physical connection behind a node
// and opens its first terminal. The reference Connect takes here belongs to
// the node binding itself — an explicit keep-alive holder, distinct from the
// per-terminal reference the session takes — so the connection outlives its
// last terminal until disconnect_node releases it.
func (d *Dispatcher) connectNode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeID string `json:"nodeId"`
		Cols   uint16 `json:"cols"`
		Rows   uint16 `json:"rows"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	d.mu.RLock()
	spec, ok := d.nodeSpecs[p.NodeID]
	d.mu.RUnlock()
	if !ok {
		return nil, oxerr.New(oxerr.NotFound, nil, "node %s is not registered", p.NodeID)
	}

	connID, err := d.cfg.Connections.Connect(ctx, spec)
	if err != nil {
		d.cfg.Router.SetReadiness(p.NodeID, noderouter.ReadinessError)
		return nil, trace.Wrap(err)
	}
	if err := d.cfg.Router.BindNode(p.NodeID, connID); err != nil {
		return nil, trace.Wrap(err)
	}

	desc, err := d.cfg.Sessions.Create(ctx, connID, p.NodeID, p.Cols, p.Rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.cfg.Router.AttachSession(p.NodeID, desc.SessionID)
	// The interactive channel opening successfully is the capability check.
	d.cfg.Router.SetReadiness(p.NodeID, noderouter.ReadinessReady)
	return desc, nil
}

func (d *Dispatcher) disconnectNode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	binding, err := d.cfg.Router.Resolve(p.NodeID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if binding.SessionID != "" {
		if err := d.cfg.Sessions.Close(binding.SessionID); err != nil {
			d.cfg.Log.WithError(err).Debug("session close on disconnect")
		}
		d.cfg.Router.DetachSession(p.NodeID)
	}
	if err := d.cfg.Connections.Disconnect(binding.ConnectionID); err != nil {
		return nil, trace.Wrap(err)
	}
	d.cfg.Router.SetReadiness(p.NodeID, noderouter.ReadinessIdle)
	return nil, nil
}

func (d *Dispatcher) createTerminal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ConnectionID string `json:"connectionId"`
		NodeID       string `json:"nodeId"`
		Cols         uint16 `json:"cols"`
		Rows         uint16 `json:"rows"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	snap, err := d.cfg.Connections.Snapshot(p.ConnectionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if snap.State != sshreg.StateActive {
		return nil, oxerr.New(oxerr.NotReady, nil, "connection %s is %s, not active", p.ConnectionID, snap.State)
	}
	desc, err := d.cfg.Sessions.Create(ctx, p.ConnectionID, p.NodeID, p.Cols, p.Rows)
	return desc, trace.Wrap(err)
}

func (d *Dispatcher) closeTerminal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sessions.Close(p.SessionID))
}

func (d *Dispatcher) resizeTerminal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Cols      uint16 `json:"cols"`
		Rows      uint16 `json:"rows"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sessions.Resize(p.SessionID, p.Cols, p.Rows))
}

func (d *Dispatcher) recreateTerminalPTY(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	desc, err := d.cfg.Sessions.RecreatePTY(p.SessionID)
	return desc, trace.Wrap(err)
}

// resolveReady maps a nodeId to its connection, requiring Ready so SFTP
// commands fail fast with a NotReady code instead of hanging on a dead link.
func (d *Dispatcher) resolveReady(nodeID string) (string, error) {
	binding, err := d.cfg.Router.Resolve(nodeID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if binding.Readiness != noderouter.ReadinessReady {
		return "", oxerr.New(oxerr.NotReady, nil, "node %s is not ready", nodeID)
	}
	return binding.ConnectionID, nil
}

type sftpPathParams struct {
	NodeID string `json:"nodeId"`
	Path   string `json:"path"`
}

func (d *Dispatcher) sftpStat(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sftpPathParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	fi, err := d.cfg.Sftp.Stat(ctx, connID, p.Path)
	return fi, trace.Wrap(err)
}

func (d *Dispatcher) sftpReadDir(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sftpPathParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	fis, err := d.cfg.Sftp.ReadDir(ctx, connID, p.Path)
	return fis, trace.Wrap(err)
}

func (d *Dispatcher) sftpMkdir(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sftpPathParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sftp.Mkdir(ctx, connID, p.Path))
}

func (d *Dispatcher) sftpRmdir(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		sftpPathParams
		Recursive bool `json:"recursive"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sftp.Rmdir(ctx, connID, p.Path, p.Recursive))
}

func (d *Dispatcher) sftpRename(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeID  string `json:"nodeId"`
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sftp.Rename(ctx, connID, p.OldPath, p.NewPath))
}

func (d *Dispatcher) sftpRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sftpPathParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sftp.Remove(ctx, connID, p.Path))
}

func (d *Dispatcher) sftpChmod(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		sftpPathParams
		Mode uint32 `json:"mode"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sftp.Chmod(ctx, connID, p.Path, os.FileMode(p.Mode)))
}

func (d *Dispatcher) sftpSymlink(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeID   string `json:"nodeId"`
		Target   string `json:"target"`
		LinkPath string `json:"linkPath"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Sftp.Symlink(ctx, connID, p.Target, p.LinkPath))
}

func (d *Dispatcher) sftpReadlink(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sftpPathParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	connID, err := d.resolveReady(p.NodeID)
	if err != nil {
		return nil, err
	}
	target, err := d.cfg.Sftp.Readlink(ctx, connID, p.Path)
	return map[string]string{"target": target}, trace.Wrap(err)
}

func (d *Dispatcher) forwardCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeID string       `json:"nodeId"`
		Spec   forward.Spec `json:"spec"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	binding, err := d.cfg.Router.Resolve(p.NodeID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := d.cfg.Forwards.Create(ctx, binding.ConnectionID, p.Spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"forwardId": id}, nil
}

func (d *Dispatcher) forwardClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ForwardID string `json:"forwardId"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Forwards.Close(p.ForwardID))
}

func (d *Dispatcher) forwardStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ForwardID string `json:"forwardId"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.ForwardID == "" {
		return d.cfg.Forwards.All(), nil
	}
	st, err := d.cfg.Forwards.Status(p.ForwardID)
	return st, trace.Wrap(err)
}

func (d *Dispatcher) cancelReconnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if d.cfg.Reconnect != nil {
		d.cfg.Reconnect.Cancel(p.ConnectionID)
	}
	return nil, nil
}

// networkStatusChanged is the OS-level online/offline hint from the UI. Going
// offline is advisory (the health tracker detects the loss on its own); the
// log line helps correlate the two in support bundles.
func (d *Dispatcher) networkStatusChanged(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Online bool `json:"online"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	d.cfg.Log.WithField("online", p.Online).Info("network status changed")
	return nil, nil
}

func (d *Dispatcher) vaultList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if d.cfg.Vault == nil {
		return nil, oxerr.New(oxerr.NotFound, nil, "vault is not configured")
	}
	presets, err := d.cfg.Vault.List()
	return presets, trace.Wrap(err)
}

func (d *Dispatcher) vaultSave(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if d.cfg.Vault == nil {
		return nil, oxerr.New(oxerr.NotFound, nil, "vault is not configured")
	}
	var p vault.Preset
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	saved, err := d.cfg.Vault.Save(p)
	return saved, trace.Wrap(err)
}

func (d *Dispatcher) vaultDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if d.cfg.Vault == nil {
		return nil, oxerr.New(oxerr.NotFound, nil, "vault is not configured")
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, trace.Wrap(d.cfg.Vault.Delete(p.ID))
}
