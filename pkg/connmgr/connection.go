// Package connmgr implements component B: the bidirectional RPC session
// registry. It owns every live connection's identity and bounded push
// queue, and cascades cleanup into the config subscriber manager, naming
// registry, and lock service on teardown (I3).
package connmgr

import (
	"sync"
	"time"

	"github.com/nacosd/nacosd/pkg/codec"
)

// Labels holds the connection's declared source and app_* tags from its
// handshake envelope.
type Labels struct {
	Source string // "sdk" or "cluster"
	App    map[string]string
}

// Connection is one live bidirectional session. Identity fields are
// immutable after Register; LastActiveAt and the push queue's blocked
// tracking are the only mutable state, both guarded by mu.
type Connection struct {
	ID            string
	RemotePort    int
	AppName       string
	Namespace     string
	ClientVersion string
	Labels        Labels
	CreatedAt     time.Time

	clientIP string

	mu           sync.Mutex
	lastActiveAt time.Time
	blockedSince time.Time // zero when the push queue isn't currently blocked

	pushQueue chan codec.Response
}

// ConnectionID satisfies codec.ConnContext.
func (c *Connection) ConnectionID() string { return c.ID }

// ClientIP satisfies codec.ConnContext.
func (c *Connection) ClientIP() string { return c.clientIP }

// AuthLevel satisfies codec.ConnContext. Connections carry no credential
// model in the core (spec's Non-goals: "does not define authentication
// policy") — callers that need gating wrap Connection with their own
// AuthLevel source; the core default grants Write, matching an
// already-authenticated transport layer.
func (c *Connection) AuthLevel() codec.AuthLevel { return codec.AuthWrite }

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActiveAt = now
	c.mu.Unlock()
}

func (c *Connection) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActiveAt
}
