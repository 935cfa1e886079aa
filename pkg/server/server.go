// Package server hosts the ttpush HTTP endpoints: connection negotiation,
// the long-polling push routes, and the admin surface used by ttpush-ctl.
// The host owns request plumbing only; transport semantics live in
// pkg/transport/longpoll.
package server

import (
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "strings"

    "github.com/gofrs/uuid/v5"
    "go.uber.org/zap"

    "ttpush/pkg/broker"
    "ttpush/pkg/config"
    "ttpush/pkg/session"
    "ttpush/pkg/transport"
)

// Option configures a Server.
type Option func(*Server)

// HooksFactory builds the lifecycle hooks for one connection. The returned
// closures are free to capture the id.
type HooksFactory func(id transport.ConnectionID) transport.Hooks

// WithHooks attaches the application's hook factory, consulted once per
// push request.
func WithHooks(f HooksFactory) Option { return func(s *Server) { s.hooksFor = f } }

// WithLogger replaces the logger (zap.L() by default).
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithSessions enables token validation: push routes reject connection
// tokens that were not issued by negotiate or have gone stale.
func WithSessions(st *session.Store) Option { return func(s *Server) { s.sessions = st } }

// Server routes HTTP requests into a transport handler and the broker.
type Server struct {
    base     string
    tr       transport.Handler
    bk       *broker.Broker
    hooksFor HooksFactory
    sessions *session.Store
    log      *zap.Logger

    pollTimeoutMS int
    pollDelayMS   int
}

// New constructs a Server. The base path and negotiate hints come from cfg.
func New(tr transport.Handler, bk *broker.Broker, cfg *config.Config, opts ...Option) *Server {
    s := &Server{
        base:          strings.TrimRight(cfg.Server.BasePath, "/"),
        tr:            tr,
        bk:            bk,
        log:           zap.L(),
        pollTimeoutMS: cfg.Transport.PollTimeoutMS,
        pollDelayMS:   cfg.Transport.PollDelayMS,
    }
    for _, opt := range opts {
        opt(s)
    }
    return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
    p := r.URL.Path
    switch {
    case p == s.base+"/negotiate":
        s.handleNegotiate(w, r)
    case p == "/admin/publish":
        s.handlePublish(w, r)
    case p == "/admin/abort":
        s.handleAbort(w, r)
    case strings.HasPrefix(p, s.base+"/"):
        s.handlePush(w, r)
    default:
        http.NotFound(w, r)
    }
}

// handleNegotiate issues a fresh connection token and the polling hints the
// client needs before its first connect.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
    id, err := uuid.NewV4()
    if err != nil {
        http.Error(w, "token generation failed", http.StatusInternalServerError)
        return
    }
    if s.sessions != nil && !s.sessions.Issue(id.String()) {
        http.Error(w, "session limit reached", http.StatusServiceUnavailable)
        return
    }
    noCache(w)
    w.Header().Set("Content-Type", "application/json; charset=UTF-8")
    _ = json.NewEncoder(w).Encode(map[string]any{
        "connectionId":  id.String(),
        "pollTimeoutMs": s.pollTimeoutMS,
        "pollDelayMs":   s.pollDelayMS,
    })
}

// handlePush resolves the connection token and hands the request to the
// transport. `{base}/{token}/abort` marks the abort signal for the
// classifier; everything else is classified by the transport itself.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, s.base+"/")
    token, _, _ := strings.Cut(rest, "/")
    if token == "" {
        http.NotFound(w, r)
        return
    }
    if s.sessions != nil && !s.sessions.Touch(token) {
        http.Error(w, "unknown connection token", http.StatusNotFound)
        return
    }
    noCache(w)

    id := transport.ConnectionID(token)
    var hooks transport.Hooks
    if s.hooksFor != nil {
        hooks = s.hooksFor(id)
    }

    tw := &trackingWriter{ResponseWriter: w}
    c := &transport.Conn{
        ID:       id,
        W:        tw,
        R:        r,
        Hooks:    hooks,
        Aborting: strings.HasSuffix(r.URL.Path, "/abort"),
    }

    err := s.tr.ProcessRequest(r.Context(), c)
    switch {
    case err == nil:
        if c.Aborting && s.sessions != nil {
            s.sessions.Remove(token)
        }
    case errors.Is(err, transport.ErrNotHandled):
        if !tw.wrote {
            http.NotFound(w, r)
        }
    default:
        s.log.Error("push request failed",
            zap.String("conn", token), zap.String("path", r.URL.Path), zap.Error(err))
        if !tw.wrote {
            http.Error(w, "internal error", http.StatusInternalServerError)
        }
    }
}

// handlePublish injects a message into a connection's backlog. The request
// body is the raw payload.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    id := r.URL.Query().Get("connection")
    if id == "" {
        http.Error(w, "missing connection parameter", http.StatusBadRequest)
        return
    }
    body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
    if err != nil {
        http.Error(w, "read body failed", http.StatusBadRequest)
        return
    }
    msgID, err := s.bk.Publish(transport.ConnectionID(id), body)
    if err != nil {
        http.Error(w, err.Error(), http.StatusConflict)
        return
    }
    w.Header().Set("Content-Type", "application/json; charset=UTF-8")
    _ = json.NewEncoder(w).Encode(map[string]any{"id": msgID})
}

// handleAbort tears a connection down through the store.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    id := r.URL.Query().Get("connection")
    if id == "" {
        http.Error(w, "missing connection parameter", http.StatusBadRequest)
        return
    }
    if err := s.bk.Abort(r.Context(), transport.ConnectionID(id)); err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }
    if s.sessions != nil {
        s.sessions.Remove(id)
    }
    w.WriteHeader(http.StatusNoContent)
}

// noCache disables intermediary caching on polling responses.
func noCache(w http.ResponseWriter) {
    h := w.Header()
    h.Set("Cache-Control", "no-cache, no-store, must-revalidate") // HTTP 1.1
    h.Set("Pragma", "no-cache")                                   // HTTP 1.0
    h.Set("Expires", "0")                                         // proxies
}

// trackingWriter records whether a body write started, so error mapping
// never commits a second, conflicting response.
type trackingWriter struct {
    http.ResponseWriter
    wrote bool
}

func (t *trackingWriter) Write(b []byte) (int, error) {
    t.wrote = true
    return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) WriteHeader(code int) {
    t.wrote = true
    t.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer when supported.
func (t *trackingWriter) Flush() {
    if f, ok := t.ResponseWriter.(http.Flusher); ok {
        f.Flush()
    }
}
