// Package transport defines the canonical server-push transport interfaces
// for ttpush and the request context a host hands to a transport.
//
// Key concepts:
// - Conn: one HTTP request/response pair bound to a connection identity,
//   plus the optional application lifecycle hooks
// - MessageStore: the per-connection message backlog a transport drains
// - Registry: the liveness/heartbeat bookkeeping a transport reports into
// - Handler: anything that can process one request (e.g. longpoll.Transport)
package transport
