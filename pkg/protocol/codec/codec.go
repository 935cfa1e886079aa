// Package codec provides the payload codecs a ttpush node can speak. The
// HTTP long-polling transport serializes batches with JSON; CBOR and
// Protobuf are available for embedders that carry batches over their own
// links.
package codec

import "strings"

// Codec marshals typed values for cross-node exchange. Implementations must
// be deterministic and safe for concurrent use.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the codecs that need no
// initialization: JSON and Protobuf. CBOR is added via Register.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    r.Register(Proto())
    return r
}

// Register adds a codec, replacing any previous codec of the same type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns the codec for a content type, or nil. Media type parameters
// are ignored, so "application/json; charset=UTF-8" resolves the JSON codec.
func (r *Registry) Get(contentType string) Codec {
    if i := strings.IndexByte(contentType, ';'); i >= 0 {
        contentType = contentType[:i]
    }
    return r.byType[strings.TrimSpace(strings.ToLower(contentType))]
}
