package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// StatusPublisher receives a status snapshot whenever a connection changes
// state. Implementations must not block.
type StatusPublisher interface {
	PublishServerStatus(status ServerStatus)
}

type registryEntry struct {
	// dialMu serializes Connect calls for one server ID so concurrent
	// callers cannot race two dials against each other. It is never held
	// by readers.
	dialMu sync.Mutex

	// mu guards the fields below and is only held for short copies, never
	// across a dial.
	mu        sync.Mutex
	identity  ServerIdentity
	conn      *Conn
	dialState State
}

func (e *registryEntry) setDialState(s State) {
	e.mu.Lock()
	if e.conn == nil {
		e.dialState = s
	}
	e.mu.Unlock()
}

// Registry owns every live Conn, keyed by server ID. Connect is idempotent
// per ID, Disconnect works even mid-handshake, and status changes fan out
// through the StatusPublisher. Status reads never wait on an in-flight dial
// for any server.
type Registry struct {
	opts      DialOptions
	publisher StatusPublisher
	dial      func(ctx context.Context, identity ServerIdentity, opts DialOptions) (*Conn, error)

	mu      sync.Mutex
	entries map[string]*registryEntry
	dialing map[string]context.CancelFunc
}

func NewRegistry(opts DialOptions, publisher StatusPublisher) *Registry {
	return &Registry{
		opts:      opts,
		publisher: publisher,
		dial:      Dial,
		entries:   make(map[string]*registryEntry),
		dialing:   make(map[string]context.CancelFunc),
	}
}

func (r *Registry) entry(identity ServerIdentity) *registryEntry {
	r.mu.Lock()
	e, ok := r.entries[identity.ID]
	if !ok {
		e = &registryEntry{identity: identity}
		r.entries[identity.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.identity = identity
	e.mu.Unlock()
	return e
}

// Connect returns the existing Ready Conn for the identity or dials a new
// one. A stale Conn left over from an earlier disconnect is replaced.
func (r *Registry) Connect(ctx context.Context, identity ServerIdentity) (*Conn, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	e := r.entry(identity)
	e.dialMu.Lock()
	defer e.dialMu.Unlock()

	e.mu.Lock()
	if e.conn != nil && e.conn.State() == StateReady {
		conn := e.conn
		e.mu.Unlock()
		return conn, nil
	}
	stale := e.conn
	e.conn = nil
	e.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}

	// Stash a cancel so Disconnect can abort a handshake in flight.
	dialCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.dialing[identity.ID] = cancel
	r.mu.Unlock()

	opts := r.opts
	opts.OnState = func(s State) {
		e.setDialState(s)
		r.publishState(identity, s)
	}

	conn, err := r.dial(dialCtx, identity, opts)

	r.mu.Lock()
	delete(r.dialing, identity.ID)
	r.mu.Unlock()

	// A Disconnect racing the tail of a successful dial must still win.
	if err == nil && dialCtx.Err() != nil {
		_ = conn.Close()
		err = dialCtx.Err()
	}
	cancel()

	e.mu.Lock()
	e.dialState = StateDisconnected
	if err == nil {
		e.conn = conn
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect tears down the server's connection if one exists. Calling it
// for an unknown or already-disconnected server is a no-op.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	cancelDial := r.dialing[id]
	e := r.entries[id]
	r.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if e == nil {
		return nil
	}

	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	slog.Info("server disconnected", "server", id)
	return err
}

// Get returns the Ready Conn for the ID, or ServerUnavailableError when the
// server is unknown or not currently Ready.
func (r *Registry) Get(id string) (*Conn, error) {
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e == nil {
		return nil, &ServerUnavailableError{Server: id}
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil || conn.State() != StateReady {
		return nil, &ServerUnavailableError{Server: id}
	}
	return conn, nil
}

// Ready returns a snapshot of every Ready Conn, sorted by server ID.
func (r *Registry) Ready() []*Conn {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	conns := make([]*Conn, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil && conn.State() == StateReady {
			conns = append(conns, conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].identity.ID < conns[j].identity.ID
	})
	return conns
}

// Statuses reports one ServerStatus per known server, sorted by ID. A server
// mid-dial shows its in-flight state.
func (r *Registry) Statuses() []ServerStatus {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	statuses := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		identity := e.identity
		conn := e.conn
		dialState := e.dialState
		e.mu.Unlock()

		status := ServerStatus{
			ID:        identity.ID,
			Name:      identity.Name,
			Transport: identity.Transport,
			State:     StateDisconnected,
		}
		switch {
		case conn != nil:
			status.State = conn.State()
			status.ToolCount = conn.cachedToolCount()
			if info := conn.ServerInfo(); info.Name != "" {
				status.Name = info.Name
			}
		default:
			status.State = dialState
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// CloseAll disconnects every server. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Disconnect(id)
	}
}

func (r *Registry) publishState(identity ServerIdentity, s State) {
	if r.publisher == nil {
		return
	}
	r.publisher.PublishServerStatus(ServerStatus{
		ID:        identity.ID,
		Name:      identity.Name,
		Transport: identity.Transport,
		State:     s,
	})
}
