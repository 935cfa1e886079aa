// Package protocol defines the wire-level types exchanged between a ttpush
// server and its polling clients: individual messages and the per-receive
// batch (Response) that a transport serializes back to the client.
package protocol

import (
    "encoding/json"
    "strconv"
)

// Transport metadata keys. TransportData is an open mapping: any transport
// may attach hints under its own keys before the batch is encoded.
const (
    // KeyLongPollDelay tells a long-polling client how many milliseconds to
    // wait before issuing its next poll.
    KeyLongPollDelay = "LongPollDelay"
)

// Message is one unit of server-push data addressed to a single connection.
// IDs are assigned by the message store, are scoped to the connection, and
// strictly increase in publish order.
type Message struct {
    ID   uint64          `json:"id"`
    Data json.RawMessage `json:"data"`
}

// Response is the batch produced by one receive operation: the ordered
// messages past the client's cursor, the new cursor, and status flags.
// It is created per receive and discarded after encoding.
type Response struct {
    // Messages holds the payloads in publish order. Only the payloads are
    // serialized; the batch cursor is carried by LastID.
    Messages []Message `json:"-"`

    // LastID is the id of the newest message in the batch, or the cursor the
    // client should re-poll with when the batch is empty.
    LastID uint64 `json:"-"`

    // Aborted marks a clean client-initiated disconnect detected by the store.
    Aborted bool `json:"-"`

    // TimedOut marks a batch returned by an inactivity cutoff rather than by
    // real messages; the client should reconnect immediately without back-off.
    TimedOut bool `json:"-"`

    // TransportData carries transport-specific hints (see Key* constants).
    // Nil until a transport attaches something.
    TransportData map[string]any `json:"-"`
}

// wireResponse is the JSON form of Response. LastID travels as a decimal
// string so clients can treat cursors as opaque.
type wireResponse struct {
    Messages      []json.RawMessage `json:"messages"`
    LastID        string            `json:"lastId"`
    Aborted       bool              `json:"aborted,omitempty"`
    TimedOut      bool              `json:"timedOut,omitempty"`
    TransportData map[string]any    `json:"transportData,omitempty"`
}

// SetTransportValue attaches a transport hint, creating the mapping if absent.
func (r *Response) SetTransportValue(key string, v any) {
    if r.TransportData == nil {
        r.TransportData = make(map[string]any, 1)
    }
    r.TransportData[key] = v
}

// MarshalJSON implements json.Marshaler.
func (r *Response) MarshalJSON() ([]byte, error) {
    w := wireResponse{
        Messages:      make([]json.RawMessage, 0, len(r.Messages)),
        LastID:        strconv.FormatUint(r.LastID, 10),
        Aborted:       r.Aborted,
        TimedOut:      r.TimedOut,
        TransportData: r.TransportData,
    }
    for _, m := range r.Messages {
        w.Messages = append(w.Messages, m.Data)
    }
    return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Message ids are not carried on
// the wire, so decoded messages keep only their payloads; LastID restores
// the batch cursor.
func (r *Response) UnmarshalJSON(data []byte) error {
    var w wireResponse
    if err := json.Unmarshal(data, &w); err != nil {
        return err
    }
    last, err := strconv.ParseUint(w.LastID, 10, 64)
    if err != nil {
        return err
    }
    r.Messages = r.Messages[:0]
    for _, m := range w.Messages {
        r.Messages = append(r.Messages, Message{Data: m})
    }
    r.LastID = last
    r.Aborted = w.Aborted
    r.TimedOut = w.TimedOut
    r.TransportData = w.TransportData
    return nil
}
