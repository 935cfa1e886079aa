// Package broker implements the per-connection message store behind a ttpush
// node: a mailbox per connection holding a bounded backlog of published
// messages, with cancellable waits for the next batch.
package broker

import (
    "context"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "ttpush/pkg/protocol"
    "ttpush/pkg/transport"
)

// Options configure a Broker.
type Options struct {
    // BacklogSize is the number of messages retained per connection.
    // When the ring is full the oldest entries are evicted. Default 5000.
    BacklogSize int
    // AbortLinger is how long an aborted mailbox with no pending receive is
    // retained so a late poll still observes the disconnect notification.
    // After the linger the mailbox is dropped unconditionally. Default 30s.
    AbortLinger time.Duration
}

func (o Options) withDefaults() Options {
    if o.BacklogSize <= 0 {
        o.BacklogSize = 5000
    }
    if o.AbortLinger <= 0 {
        o.AbortLinger = 30 * time.Second
    }
    return o
}

// Broker routes published messages into per-connection mailboxes and serves
// receive waits. Safe for concurrent use across connections; polls for one
// connection are expected to be sequential.
type Broker struct {
    opts  Options
    mu    sync.RWMutex
    boxes map[transport.ConnectionID]*mailbox

    mPublished atomic.Uint64
    mDelivered atomic.Uint64
    mEvicted   atomic.Uint64
    mAborts    atomic.Uint64
}

type mailbox struct {
    mu      sync.Mutex
    msgs    []protocol.Message // ascending ids; evicted from the front
    nextID  uint64
    notify  chan struct{} // closed and replaced on every publish/abort
    aborted bool
    waiters int // receives currently blocked on this mailbox
}

// New constructs a Broker.
func New(opts Options) *Broker {
    return &Broker{
        opts:  opts.withDefaults(),
        boxes: make(map[transport.ConnectionID]*mailbox),
    }
}

func (b *Broker) ensure(id transport.ConnectionID) *mailbox {
    b.mu.RLock()
    mb := b.boxes[id]
    b.mu.RUnlock()
    if mb != nil {
        return mb
    }
    b.mu.Lock()
    defer b.mu.Unlock()
    if mb = b.boxes[id]; mb == nil {
        mb = &mailbox{notify: make(chan struct{})}
        b.boxes[id] = mb
    }
    return mb
}

func (b *Broker) drop(id transport.ConnectionID) {
    b.mu.Lock()
    delete(b.boxes, id)
    b.mu.Unlock()
}

// dropIf removes the mapping only when it still points at mb, so a linger
// timer can never tear down a newer mailbox reusing the same id.
func (b *Broker) dropIf(id transport.ConnectionID, mb *mailbox) {
    b.mu.Lock()
    if b.boxes[id] == mb {
        delete(b.boxes, id)
    }
    b.mu.Unlock()
}

func (b *Broker) lingerDrop(id transport.ConnectionID, mb *mailbox) {
    time.AfterFunc(b.opts.AbortLinger, func() { b.dropIf(id, mb) })
}

// Publish appends data to the connection's backlog and wakes any pending
// receive. The payload is copied. Returns the assigned message id.
func (b *Broker) Publish(id transport.ConnectionID, data []byte) (uint64, error) {
    mb := b.ensure(id)

    mb.mu.Lock()
    if mb.aborted {
        mb.mu.Unlock()
        return 0, transport.ErrUnknownConnection
    }
    mb.nextID++
    msg := protocol.Message{ID: mb.nextID, Data: append([]byte(nil), data...)}
    mb.msgs = append(mb.msgs, msg)
    if n := len(mb.msgs) - b.opts.BacklogSize; n > 0 {
        mb.msgs = append(mb.msgs[:0], mb.msgs[n:]...)
        b.mEvicted.Add(uint64(n))
    }
    mb.wakeLocked()
    mb.mu.Unlock()

    b.mPublished.Add(1)
    zap.L().Debug("broker publish", zap.String("conn", string(id)), zap.Uint64("id", msg.ID))
    return msg.ID, nil
}

// Abort marks the connection cleanly disconnected and wakes any pending
// receive; the first receive to observe it gets Aborted=true, after which
// the mailbox is dropped. With no receive pending the aborted mailbox is
// kept only for the linger window, then dropped, so connections that never
// poll again do not accumulate. Aborting an unknown connection is a no-op.
func (b *Broker) Abort(_ context.Context, id transport.ConnectionID) error {
    b.mu.RLock()
    mb := b.boxes[id]
    b.mu.RUnlock()
    if mb == nil {
        return nil
    }
    mb.mu.Lock()
    mb.aborted = true
    mb.wakeLocked()
    orphaned := mb.waiters == 0
    mb.mu.Unlock()
    if orphaned {
        b.lingerDrop(id, mb)
    }
    b.mAborts.Add(1)
    zap.L().Debug("broker abort", zap.String("conn", string(id)))
    return nil
}

// ReceiveAsync begins a wait for the next batch past since. The waiter is
// registered before ReceiveAsync returns, so a message published immediately
// after the call (for example by a connect hook running concurrently) is
// never missed. init marks a first-time Connect and reads from the start of
// the retained backlog. The result channel is buffered; the internal
// goroutine never blocks on it.
func (b *Broker) ReceiveAsync(ctx context.Context, id transport.ConnectionID, since uint64, init bool, max int) <-chan transport.Result {
    ch := make(chan transport.Result, 1)
    mb := b.ensure(id)

    cursor := since
    if init {
        cursor = 0
    }

    mb.mu.Lock()
    if resp, ok := mb.takeLocked(cursor, max); ok {
        mb.mu.Unlock()
        b.finish(id, resp)
        ch <- transport.Result{Response: resp}
        return ch
    }
    ready := mb.notify
    mb.waiters++
    mb.mu.Unlock()

    go func() {
        for {
            select {
            case <-ctx.Done():
                mb.mu.Lock()
                mb.waiters--
                orphaned := mb.aborted && mb.waiters == 0
                mb.mu.Unlock()
                if orphaned {
                    b.lingerDrop(id, mb)
                }
                ch <- transport.Result{Err: ctx.Err()}
                return
            case <-ready:
            }
            mb.mu.Lock()
            resp, ok := mb.takeLocked(cursor, max)
            ready = mb.notify
            if ok {
                mb.waiters--
            }
            mb.mu.Unlock()
            if ok {
                b.finish(id, resp)
                ch <- transport.Result{Response: resp}
                return
            }
        }
    }()
    return ch
}

// Receive is the blocking form of ReceiveAsync.
func (b *Broker) Receive(ctx context.Context, id transport.ConnectionID, since uint64, init bool, max int) (*protocol.Response, error) {
    res := <-b.ReceiveAsync(ctx, id, since, init, max)
    return res.Response, res.Err
}

func (b *Broker) finish(id transport.ConnectionID, resp *protocol.Response) {
    if resp.Aborted {
        b.drop(id)
        return
    }
    b.mDelivered.Add(uint64(len(resp.Messages)))
}

// takeLocked builds a batch past cursor, capped at max, or reports that
// nothing is ready. An aborted mailbox yields an empty Aborted batch.
func (mb *mailbox) takeLocked(cursor uint64, max int) (*protocol.Response, bool) {
    if mb.aborted {
        return &protocol.Response{LastID: cursor, Aborted: true}, true
    }
    i := 0
    for i < len(mb.msgs) && mb.msgs[i].ID <= cursor {
        i++
    }
    if i == len(mb.msgs) {
        return nil, false
    }
    batch := mb.msgs[i:]
    if max > 0 && len(batch) > max {
        batch = batch[:max]
    }
    out := append([]protocol.Message(nil), batch...)
    return &protocol.Response{Messages: out, LastID: out[len(out)-1].ID}, true
}

func (mb *mailbox) wakeLocked() {
    close(mb.notify)
    mb.notify = make(chan struct{})
}

// Stats is a snapshot of broker counters.
type Stats struct {
    Connections uint64
    Published   uint64
    Delivered   uint64
    Evicted     uint64
    Aborts      uint64
}

// Metrics returns an instantaneous counter snapshot.
func (b *Broker) Metrics() Stats {
    b.mu.RLock()
    conns := uint64(len(b.boxes))
    b.mu.RUnlock()
    return Stats{
        Connections: conns,
        Published:   b.mPublished.Load(),
        Delivered:   b.mDelivered.Load(),
        Evicted:     b.mEvicted.Load(),
        Aborts:      b.mAborts.Load(),
    }
}
