// Package longpoll implements the HTTP long-polling half-duplex transport:
// the server holds each poll open until a message batch is available (or an
// inactivity cutoff elapses), answers exactly once, and expects the client
// to re-poll.
package longpoll

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/http"
    "strconv"
    "strings"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "ttpush/pkg/config"
    "ttpush/pkg/protocol"
    "ttpush/pkg/protocol/codec"
    "ttpush/pkg/transport"
)

const (
    jsonContentType  = "application/json; charset=UTF-8"
    jsonpContentType = "application/javascript; charset=UTF-8"
)

// kind classifies one incoming request. Classification is a pure function
// of the URL suffix, the abort flag, and the messageId query parameter.
type kind int

const (
    kindNone kind = iota
    kindSend
    kindAbort
    kindConnect
    kindReconnect
    kindPoll
)

func (k kind) String() string {
    switch k {
    case kindSend:
        return "send"
    case kindAbort:
        return "abort"
    case kindConnect:
        return "connect"
    case kindReconnect:
        return "reconnect"
    case kindPoll:
        return "poll"
    default:
        return "none"
    }
}

func classify(c *transport.Conn) kind {
    p := c.R.URL.Path
    switch {
    case strings.HasSuffix(p, "/send"):
        return kindSend
    case c.Aborting:
        return kindAbort
    case strings.HasSuffix(p, "/connect"):
        return kindConnect
    case strings.HasSuffix(p, "/reconnect"):
        return kindReconnect
    case c.R.URL.Query().Has("messageId"):
        return kindPoll
    default:
        return kindNone
    }
}

// jsonpCallback returns the requested JSONP wrapper, or "" for plain JSON.
// Only identifier-like callbacks are honored; anything else is served as
// plain JSON so the parameter cannot inject script into the response body.
func jsonpCallback(r *http.Request) string {
    cb := r.URL.Query().Get("callback")
    if !validCallback(cb) {
        return ""
    }
    return cb
}

// validCallback accepts letters, digits, '_', '$' and '.' (for namespaced
// callbacks like ns.fn).
func validCallback(cb string) bool {
    if cb == "" {
        return false
    }
    for i := 0; i < len(cb); i++ {
        switch c := cb[i]; {
        case c >= 'a' && c <= 'z':
        case c >= 'A' && c <= 'Z':
        case c >= '0' && c <= '9':
        case c == '_' || c == '$' || c == '.':
        default:
            return false
        }
    }
    return true
}

// Config holds per-instance transport settings. Instances do not share
// state, so tests can run with distinct values side by side.
type Config struct {
    // PollTimeout is the inactivity cutoff for a held poll; on expiry the
    // client receives an empty batch with TimedOut set. Default 110s.
    PollTimeout time.Duration
    // PollDelay, when > 0, is attached to every outgoing batch as the
    // LongPollDelay hint. Default 0 (client re-polls immediately).
    PollDelay time.Duration
    // MaxBuffered bounds one batch; when more messages are pending the wait
    // returns early with exactly this many. Default 5000.
    MaxBuffered int
}

func (c Config) withDefaults() Config {
    if c.PollTimeout <= 0 {
        c.PollTimeout = 110 * time.Second
    }
    if c.MaxBuffered <= 0 {
        c.MaxBuffered = 5000
    }
    return c
}

// FromConfig converts the application configuration section.
func FromConfig(c config.TransportConfig) Config {
    return Config{
        PollTimeout: time.Duration(c.PollTimeoutMS) * time.Millisecond,
        PollDelay:   time.Duration(c.PollDelayMS) * time.Millisecond,
        MaxBuffered: c.MaxBufferedMessages,
    }
}

// Option configures a Transport.
type Option func(*Transport)

// WithCodec replaces the wire codec (JSON by default).
func WithCodec(c codec.Codec) Option { return func(t *Transport) { t.enc = c } }

// WithLogger replaces the logger (zap.L() by default).
func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

// Transport is the long-polling transport. It holds no per-connection state
// of its own; the store and the registry are shared, externally-synchronized
// collaborators.
type Transport struct {
    store transport.MessageStore
    beat  transport.Registry
    cfg   Config
    enc   codec.Codec
    log   *zap.Logger
}

// New constructs a Transport.
func New(store transport.MessageStore, beat transport.Registry, cfg Config, opts ...Option) *Transport {
    t := &Transport{
        store: store,
        beat:  beat,
        cfg:   cfg.withDefaults(),
        enc:   codec.JSON(),
        log:   zap.L(),
    }
    for _, opt := range opts {
        opt(t)
    }
    return t
}

// ProcessRequest classifies and serves one request. It returns
// transport.ErrNotHandled for requests that match no known kind; everything
// else either completes the response or returns a fatal error for the host
// to translate.
func (t *Transport) ProcessRequest(ctx context.Context, c *transport.Conn) error {
    k := classify(c)
    t.log.Debug("longpoll request", zap.String("conn", string(c.ID)), zap.Stringer("kind", k))

    var err error
    switch k {
    case kindSend:
        err = t.processSend(ctx, c)
    case kindAbort:
        err = t.store.Abort(ctx, c.ID)
    case kindConnect, kindReconnect, kindPoll:
        err = t.processReceive(ctx, c, k)
    default:
        return transport.ErrNotHandled
    }
    if err != nil && c.Hooks.Error != nil && !errors.Is(err, context.Canceled) {
        c.Hooks.Error(err)
    }
    return err
}

// processSend extracts the client payload (query string for JSONP, form body
// otherwise, key "data") and forwards it to the Received hook. This path
// never enters the receive loop and never holds the request open.
func (t *Transport) processSend(ctx context.Context, c *transport.Conn) error {
    var data string
    if jsonpCallback(c.R) != "" {
        data = c.R.URL.Query().Get("data")
    } else {
        if err := c.R.ParseForm(); err != nil {
            return fmt.Errorf("longpoll: parse send form: %w", err)
        }
        data = c.R.PostFormValue("data")
    }
    if c.Hooks.Received == nil {
        return nil
    }
    return c.Hooks.Received(ctx, data)
}

// processReceive runs one receive operation: liveness registration, the
// bounded cancellable wait, the optional lifecycle hook, and the single
// response write.
func (t *Transport) processReceive(ctx context.Context, c *transport.Conn, k kind) error {
    init := k == kindConnect

    var lifecycle func(context.Context) error
    switch k {
    case kindConnect:
        // Registration precedes the first receive; the connected hook fires
        // only for a genuinely new session.
        if t.beat.Register(c.ID) {
            lifecycle = c.Hooks.Connected
        }
    case kindReconnect:
        t.beat.Register(c.ID)
        lifecycle = c.Hooks.Reconnected
    default:
        t.beat.Register(c.ID)
    }

    since, err := sinceID(c.R)
    if err != nil {
        return err
    }

    // The connection is held for the lifetime of the wait so the liveness
    // sweep does not count the open poll as idle time.
    t.beat.Hold(c.ID)
    defer t.beat.Release(c.ID)

    waitCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
    defer cancel()

    // The waiter is registered synchronously here, before any lifecycle hook
    // is invoked, so a message published from inside the hook cannot fall
    // into the gap between registration and the start of the wait.
    wait := t.store.ReceiveAsync(waitCtx, c.ID, since, init, t.cfg.MaxBuffered)

    if init && c.Hooks.TransportConnected != nil {
        hook := c.Hooks.TransportConnected
        go func() {
            if err := hook(context.WithoutCancel(ctx)); err != nil {
                t.log.Warn("transport connected hook failed",
                    zap.String("conn", string(c.ID)), zap.Error(err))
            }
        }()
    }

    if lifecycle == nil {
        // Connect/Reconnect without a hook degrades to a plain poll.
        return t.finishReceive(c, since, <-wait)
    }

    // The hook and the wait run concurrently; the body is written as soon
    // as the wait resolves, but the request completes only once both have
    // finished, so hook failures stay observable.
    g := new(errgroup.Group)
    g.Go(func() error { return t.finishReceive(c, since, <-wait) })
    g.Go(func() error { return lifecycle(ctx) })
    return g.Wait()
}

// finishReceive maps the wait outcome onto the response: a real batch, an
// empty TimedOut batch on the inactivity cutoff, or no write at all when
// the request was cancelled before anything resolved.
func (t *Transport) finishReceive(c *transport.Conn, since uint64, res transport.Result) error {
    if res.Err != nil {
        if errors.Is(res.Err, context.DeadlineExceeded) {
            return t.respond(c, &protocol.Response{LastID: since, TimedOut: true})
        }
        if errors.Is(res.Err, context.Canceled) {
            return nil
        }
        return res.Err
    }
    return t.respond(c, res.Response)
}

// respond refreshes liveness, attaches transport metadata, and writes the
// batch. An Aborted batch instead fires the disconnect notification; the
// store guarantees it is observed at most once.
func (t *Transport) respond(c *transport.Conn, resp *protocol.Response) error {
    if resp.Aborted {
        t.beat.Remove(c.ID)
        t.log.Info("longpoll disconnect", zap.String("conn", string(c.ID)))
    } else {
        t.beat.MarkActive(c.ID)
    }
    if d := t.cfg.PollDelay; d > 0 {
        resp.SetTransportValue(protocol.KeyLongPollDelay, int64(d/time.Millisecond))
    }
    return t.Send(c, resp)
}

// Send serializes a batch or an arbitrary value to the response body exactly
// once and finalizes it. With a callback query parameter the payload is
// wrapped as `<callback>(payload);` with the JavaScript MIME type; plain
// JSON otherwise. Encoding failures are fatal for the request.
func (t *Transport) Send(c *transport.Conn, v any) error {
    payload, err := t.enc.Marshal(v)
    if err != nil {
        return fmt.Errorf("longpoll: encode response: %w", err)
    }

    w := c.W
    if cb := jsonpCallback(c.R); cb != "" {
        w.Header().Set("Content-Type", jsonpContentType)
        if _, err := io.WriteString(w, cb+"("); err != nil {
            return fmt.Errorf("longpoll: write response: %w", err)
        }
        if _, err := w.Write(payload); err != nil {
            return fmt.Errorf("longpoll: write response: %w", err)
        }
        if _, err := io.WriteString(w, ");"); err != nil {
            return fmt.Errorf("longpoll: write response: %w", err)
        }
    } else {
        w.Header().Set("Content-Type", jsonContentType)
        if _, err := w.Write(payload); err != nil {
            return fmt.Errorf("longpoll: write response: %w", err)
        }
    }
    if f, ok := w.(http.Flusher); ok {
        f.Flush()
    }
    return nil
}

// sinceID parses the client cursor. A poll without messageId reads from 0.
func sinceID(r *http.Request) (uint64, error) {
    raw := r.URL.Query().Get("messageId")
    if raw == "" {
        return 0, nil
    }
    id, err := strconv.ParseUint(raw, 10, 64)
    if err != nil {
        return 0, fmt.Errorf("longpoll: bad messageId %q: %w", raw, err)
    }
    return id, nil
}
