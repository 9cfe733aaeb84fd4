package codec

import (
	"context"
	"encoding/json"

	"github.com/nacosd/nacosd/pkg/apierr"
)

// ConnContext is the subset of connection state a handler needs: who is
// calling and at what authorization level. Defined here (rather than
// importing the connection manager) so component A has no dependency on
// component B — the connection manager depends on the codec, not the
// reverse.
type ConnContext interface {
	ConnectionID() string
	ClientIP() string
	AuthLevel() AuthLevel
}

// HandlerFunc processes one decoded request body and returns the response
// body to wrap, or an *apierr.Error on failure. ctx carries the dispatch
// span and is cancelled if the connection closes mid-handle.
type HandlerFunc func(ctx context.Context, conn ConnContext, body json.RawMessage) (json.RawMessage, error)

// Handler is a registered request-type handler: its type string, the
// authorization level required to call it, a resource descriptor used for
// logging/policy, and the function itself.
type Handler struct {
	RequestType string
	AuthLevel   AuthLevel
	Resource    string // sign-type/resource-type, e.g. "config", "naming", "lock"
	Func        HandlerFunc
}

// Registry maps request-type strings to handlers. Built once at startup via
// Register, then read concurrently by every connection's dispatch loop —
// there is no mutation after startup, so no lock is needed.
type Registry struct {
	handlers map[string]*Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds h to the registry, keyed by its RequestType. Registering
// the same type twice overwrites the previous handler — callers are
// expected to register each type exactly once at startup.
func (r *Registry) Register(h *Handler) {
	r.handlers[h.RequestType] = h
}

// Lookup returns the handler for requestType, or false if none is
// registered.
func (r *Registry) Lookup(requestType string) (*Handler, bool) {
	h, ok := r.handlers[requestType]
	return h, ok
}

// authDenied reports whether conn's level falls short of required.
func authDenied(conn ConnContext, required AuthLevel) bool {
	return conn.AuthLevel() < required
}

var errAuthDenied = apierr.New(apierr.KindForbidden, "insufficient authorization level")
