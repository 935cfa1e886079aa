// Package heartbeat tracks which connections are currently considered alive.
// Transports register connections, hold them for the duration of an open
// poll, and refresh them on every outgoing batch; a sweep loop detects
// silent disconnects past a configurable threshold.
package heartbeat

import (
    "context"
    "sync"
    "time"

    "go.uber.org/zap"

    "ttpush/pkg/transport"
)

// DisconnectFunc is invoked (outside the registry lock) for every connection
// the sweep declares dead.
type DisconnectFunc func(id transport.ConnectionID)

// Options configure a Registry.
type Options struct {
    // DisconnectThreshold is how long a connection may stay silent, with no
    // request held open, before the sweep removes it. Default 5s.
    DisconnectThreshold time.Duration
    // SweepInterval is how often the sweep runs. Default 1s.
    SweepInterval time.Duration
    // OnDisconnect, when set, observes sweep-detected disconnects.
    OnDisconnect DisconnectFunc
}

func (o Options) withDefaults() Options {
    if o.DisconnectThreshold <= 0 {
        o.DisconnectThreshold = 5 * time.Second
    }
    if o.SweepInterval <= 0 {
        o.SweepInterval = time.Second
    }
    return o
}

type connState struct {
    lastActive time.Time
    // holds counts requests currently held open for this connection. The
    // sweep never touches a held connection; idle time runs between polls,
    // not across them.
    holds int
}

// Registry is the liveness registry. It owns only last-active bookkeeping;
// transports call Register/Hold/Release/MarkActive/Remove and never cache
// its state.
type Registry struct {
    opts  Options
    mu    sync.Mutex
    conns map[transport.ConnectionID]*connState

    nowFn func() time.Time
}

// New constructs a Registry. Run must be started for sweeps to happen.
func New(opts Options) *Registry {
    return &Registry{
        opts:  opts.withDefaults(),
        conns: make(map[transport.ConnectionID]*connState),
        nowFn: time.Now,
    }
}

// Register adds the connection if it is new and refreshes it otherwise.
// It reports true only the first time an id is seen for its session, i.e.
// until Remove (or the sweep) forgets it.
func (r *Registry) Register(id transport.ConnectionID) bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    c, known := r.conns[id]
    if !known {
        c = &connState{}
        r.conns[id] = c
        zap.L().Debug("heartbeat register", zap.String("conn", string(id)))
    }
    c.lastActive = r.nowFn()
    return !known
}

// Hold marks the start of a held request; the connection is exempt from
// the sweep until the matching Release. Unknown ids are ignored.
func (r *Registry) Hold(id transport.ConnectionID) {
    r.mu.Lock()
    if c, ok := r.conns[id]; ok {
        c.holds++
    }
    r.mu.Unlock()
}

// Release ends a held request and restarts the idle clock.
func (r *Registry) Release(id transport.ConnectionID) {
    r.mu.Lock()
    if c, ok := r.conns[id]; ok {
        if c.holds > 0 {
            c.holds--
        }
        c.lastActive = r.nowFn()
    }
    r.mu.Unlock()
}

// MarkActive refreshes the connection's last-active timestamp. Unknown ids
// are ignored.
func (r *Registry) MarkActive(id transport.ConnectionID) {
    r.mu.Lock()
    if c, ok := r.conns[id]; ok {
        c.lastActive = r.nowFn()
    }
    r.mu.Unlock()
}

// Remove forgets the connection.
func (r *Registry) Remove(id transport.ConnectionID) {
    r.mu.Lock()
    delete(r.conns, id)
    r.mu.Unlock()
}

// Len reports the number of tracked connections.
func (r *Registry) Len() int {
    r.mu.Lock()
    defer r.mu.Unlock()
    return len(r.conns)
}

// Run sweeps until ctx is done. Connections idle past the disconnect
// threshold, with no request held open, are removed and reported through
// OnDisconnect.
func (r *Registry) Run(ctx context.Context) error {
    t := time.NewTicker(r.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-t.C:
            r.sweep()
        }
    }
}

func (r *Registry) sweep() {
    cutoff := r.nowFn().Add(-r.opts.DisconnectThreshold)

    var dead []transport.ConnectionID
    r.mu.Lock()
    for id, c := range r.conns {
        if c.holds == 0 && c.lastActive.Before(cutoff) {
            dead = append(dead, id)
            delete(r.conns, id)
        }
    }
    r.mu.Unlock()

    for _, id := range dead {
        zap.L().Info("heartbeat disconnect", zap.String("conn", string(id)))
        if r.opts.OnDisconnect != nil {
            r.opts.OnDisconnect(id)
        }
    }
}
