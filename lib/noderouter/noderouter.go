// Package noderouter maps stable nodeIds to live connection and session ids.
// A nodeId names a user intent and survives reconnects; the physical ids
// underneath it rotate. Every binding change bumps a strictly monotone
// per-node generation so event consumers can discard stale updates.
package noderouter

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/oxerr"
)

// Readiness is a node's user-visible availability.
type Readiness string

const (
	ReadinessIdle       Readiness = "idle"
	ReadinessConnecting Readiness = "connecting"
	ReadinessReady      Readiness = "ready"
	ReadinessLinkDown   Readiness = "link_down"
	ReadinessError      Readiness = "error"
)

// Binding is the current resolution of a nodeId.
type Binding struct {
	ConnectionID string
	SessionID    string // empty when no terminal is attached
	Generation   uint64
	Readiness    Readiness
}

// ErrUnresolved is returned by Resolve for a nodeId with no binding.
var ErrUnresolved = oxerr.New(oxerr.NotFound, nil, "node is unresolved")

type node struct {
	id           string
	displayName  string
	parentID     string
	depth        int
	connectionID string
	sessionID    string
	generation   uint64
	readiness    Readiness
}

// Config configures a Router.
type Config struct {
	Bus   *events.Bus
	Clock clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Router resolves stable nodeIds to live connection/session bindings.
type Router struct {
	cfg   Config
	mu    sync.RWMutex
	nodes map[string]*node
}

// New constructs a Router.
func New(cfg Config) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Router{cfg: cfg, nodes: make(map[string]*node)}, nil
}

// RegisterNode issues a brand-new nodeId binding. A nodeId is issued once per
// user intent and is never reissued.
func (r *Router) RegisterNode(nodeID, displayName, parentID string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[nodeID]; exists {
		return
	}
	r.nodes[nodeID] = &node{
		id:          nodeID,
		displayName: displayName,
		parentID:    parentID,
		depth:       depth,
		readiness:   ReadinessIdle,
	}
}

// BindNode implements bind_node(nodeId, connection-id): attach a node to a
// live connection, bumping its generation.
func (r *Router) BindNode(nodeID, connectionID string) error {
	return r.mutate(nodeID, func(n *node) {
		n.connectionID = connectionID
		n.readiness = ReadinessConnecting
	})
}

// RotateConnection implements rotate_connection(nodeId, new-connection-id),
// called by the Reconnect Orchestrator. It atomically swaps connection-id
// and bumps generation while preserving the node's session association, so
// a terminal queued for restoration under phase 4 stays addressable by the
// same nodeId.
func (r *Router) RotateConnection(nodeID, newConnectionID string) error {
	return r.mutate(nodeID, func(n *node) {
		n.connectionID = newConnectionID
	})
}

// AttachSession implements attach_session(nodeId, session-id).
func (r *Router) AttachSession(nodeID, sessionID string) error {
	return r.mutate(nodeID, func(n *node) { n.sessionID = sessionID })
}

// DetachSession implements detach_session(nodeId).
func (r *Router) DetachSession(nodeID string) error {
	return r.mutate(nodeID, func(n *node) { n.sessionID = "" })
}

// SetReadiness updates a node's readiness. Readiness is derived status, not
// part of the id mapping, so it does not bump the generation — only binding
// changes do. Ready means the bound connection is Active AND at least one
// capability has been verified; callers (the reconnect pipeline, the IPC
// connect_node handler) only pass ReadinessReady once that verification has happened,
// and a NodeReady event is published at the node's current generation.
func (r *Router) SetReadiness(nodeID string, readiness Readiness) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return oxerr.New(oxerr.NotFound, nil, "node %s not registered", nodeID)
	}
	n.readiness = readiness
	connectionID := n.connectionID
	generation := n.generation
	r.mu.Unlock()

	if readiness == ReadinessReady {
		r.cfg.Bus.Publish(events.NodeReady{
			NodeID:       nodeID,
			ConnectionID: connectionID,
			Generation:   generation,
			At:           r.cfg.Clock.Now(),
		})
	}
	return nil
}

// NodesFor returns the nodeIds currently bound to a connection, for
// link-down fan-out.
func (r *Router) NodesFor(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, n := range r.nodes {
		if n.connectionID == connectionID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) mutate(nodeID string, fn func(*node)) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return oxerr.New(oxerr.NotFound, nil, "node %s not registered", nodeID)
	}
	fn(n)
	n.generation++
	binding := Binding{
		ConnectionID: n.connectionID,
		SessionID:    n.sessionID,
		Generation:   n.generation,
		Readiness:    n.readiness,
	}
	r.mu.Unlock()

	if binding.Readiness == ReadinessReady {
		r.cfg.Bus.Publish(events.NodeReady{
			NodeID:       nodeID,
			ConnectionID: binding.ConnectionID,
			Generation:   binding.Generation,
			At:           r.cfg.Clock.Now(),
		})
	}
	return nil
}

// Resolve implements router.resolve(nodeId): returns the current binding or
// ErrUnresolved.
func (r *Router) Resolve(nodeID string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok || n.connectionID == "" {
		return Binding{}, ErrUnresolved
	}
	return Binding{
		ConnectionID: n.connectionID,
		SessionID:    n.sessionID,
		Generation:   n.generation,
		Readiness:    n.readiness,
	}, nil
}

// Unregister removes a node entirely, e.g. once the UI closes its last tab
// for that intent.
func (r *Router) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Children returns the nodeIds whose ParentID is nodeID (jump-host children),
// used to populate ConnectionStatusChanged.AffectedChildren.
func (r *Router) Children(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, n := range r.nodes {
		if n.parentID == nodeID {
			out = append(out, id)
		}
	}
	return out
}

// GenerationTracker helps event consumers keep per-node event streams
// monotone: events whose generation is at or below the last one seen for
// that node must be dropped.
type GenerationTracker struct {
	mu   sync.Mutex
	seen map[string]uint64
}

// NewGenerationTracker constructs an empty tracker.
func NewGenerationTracker() *GenerationTracker {
	return &GenerationTracker{seen: make(map[string]uint64)}
}

// Accept reports whether an event for nodeID at the given generation should
// be applied (true) or dropped as stale (false), and records the generation
// on accept.
func (g *GenerationTracker) Accept(nodeID string, generation uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.seen[nodeID]
	if ok && generation <= last {
		return false
	}
	g.seen[nodeID] = generation
	return true
}
