package transport

import (
    "context"
    "errors"
    "net/http"

    "ttpush/pkg/protocol"
)

// ErrNotHandled is returned by a Handler when a request matches none of the
// kinds the transport understands. The host decides the HTTP outcome.
var ErrNotHandled = errors.New("transport: request not handled")

// ErrUnknownConnection is returned by collaborators for an id they have no
// state for.
var ErrUnknownConnection = errors.New("transport: unknown connection")

// ConnectionID is an opaque string naming a logical client connection.
// It stays stable across the polls of one session.
type ConnectionID string

// Hooks are the optional application callbacks attached to a connection's
// requests. Every field may be nil; a connection with no hooks still
// participates in Send/Poll.
type Hooks struct {
    // Connected fires once per session, on the first-time Connect request.
    Connected func(ctx context.Context) error
    // Reconnected fires on Reconnect requests.
    Reconnected func(ctx context.Context) error
    // Received observes client-submitted payloads from Send requests.
    Received func(ctx context.Context, data string) error
    // TransportConnected is fire-and-forget; errors are swallowed (logged).
    TransportConnected func(ctx context.Context) error
    // Error observes request-path failures.
    Error func(err error)
}

// Conn is the per-request context: the HTTP pair, the connection identity,
// and the hook attachment point. It is scoped to one request and must not
// be retained past its completion.
type Conn struct {
    ID    ConnectionID
    W     http.ResponseWriter
    R     *http.Request
    Hooks Hooks

    // Aborting is set by the host when a previously-established abort
    // signal is present for this connection.
    Aborting bool
}

// Result is the outcome of an asynchronous receive: exactly one of the
// fields is meaningful.
type Result struct {
    Response *protocol.Response
    Err      error
}

// MessageStore is the transport's view of the connection message store.
// Implementations must be safe for concurrent use across connections; for a
// single connection polls are sequential, never concurrent.
type MessageStore interface {
    // ReceiveAsync begins a wait for the next batch past the given cursor.
    // init marks a first-time Connect, which reads from the beginning of the
    // connection's retained backlog. Waiter registration happens
    // synchronously, before ReceiveAsync returns; the result arrives on the
    // returned channel when at least one message is available, the buffered
    // bound (max) is reached, the connection is aborted, or ctx is done.
    ReceiveAsync(ctx context.Context, id ConnectionID, since uint64, init bool, max int) <-chan Result

    // Abort tears the connection down cleanly; a pending or subsequent
    // receive observes Aborted exactly once.
    Abort(ctx context.Context, id ConnectionID) error
}

// Registry is the transport's view of the liveness registry.
type Registry interface {
    // Register adds the connection if it is new and refreshes it otherwise.
    // It reports true only the first time an id is seen for its session.
    Register(id ConnectionID) bool
    // Hold marks the start of a held request; a held connection is never
    // declared idle. Balanced by Release when the request completes.
    Hold(id ConnectionID)
    // Release ends a held request and restarts the idle clock.
    Release(id ConnectionID)
    // MarkActive refreshes the connection's last-active timestamp.
    MarkActive(id ConnectionID)
    // Remove forgets the connection (clean disconnect).
    Remove(id ConnectionID)
}

// Handler processes one HTTP request for a connection.
type Handler interface {
    ProcessRequest(ctx context.Context, c *Conn) error
}
