/*
Package api implements the nacosd connection listener: a single
bidirectional gRPC stream per client multiplexing request/response
dispatch and asynchronous server push, mirroring the shape of Nacos's own
gRPC remoting without requiring a generated .proto/.pb.go pair.

# Architecture

	┌──────────────── CLIENT (SDK / cluster peer) ───────────────┐
	│  one BiStream per connection, carrying every request type  │
	└─────────────────────┬────────────────────────────────────┘
	                      │ gRPC (mTLS optional)
	┌─────────────────────▼──────────── NODE ────────────────────┐
	│  pkg/api.Server                                             │
	│   - registers the connection with connmgr (component B)    │
	│   - decodes each frame into a codec.Envelope (component A)  │
	│   - dispatches through the shared codec.Registry            │
	│   - drains the connection's push queue onto the same stream │
	│                     │                                        │
	│   handlers.go routes each request type into:                │
	│     - configsvc.Manager   (component C: publish/subscribe)   │
	│     - naming.Registry     (component D: instances, watches)  │
	│     - lockservice.Manager (component E: distributed locks)   │
	│     - consensus.Node      (component F: Raft apply path)     │
	└──────────────────────────────────────────────────────────┘

# Wire codec

nacosd never generates protobuf stubs: frameCodec registers a
grpc/encoding.Codec that marshals codec.Envelope and codec.Response as
JSON, and a hand-built grpc.ServiceDesc/StreamDesc exposes the single
BiStream method. This keeps google.golang.org/grpc as the real transport
(TLS, flow control, connection lifecycle) while the payload shape stays a
plain Go struct with json tags.

# Request types

Every request is dispatched by its Type string (see handlers.go for the
full table): HealthCheckRequest, ConfigPublishRequest/ConfigRemoveRequest/
ConfigQueryRequest/ConfigBatchListenRequest, InstanceRequest/
BatchInstanceRequest/ServiceQueryRequest/SubscribeServiceRequest/
FuzzyWatchRequest, and LockAcquireRequest/LockReleaseRequest/
LockRenewRequest/LockForceReleaseRequest/LockQueryRequest. A handful of
Distro-protocol peer-gossip types are registered as inert acknowledgements
(see distro.go) — nacosd replicates everything through Raft and has no
second AP-mode channel for them to drive.

# Leader forwarding

Every replicated write (config publish/remove, persistent instance
register/deregister, and the lock handlers) proposes through
consensus.Node.Apply, which itself rejects non-leader nodes; handlers never
special-case leadership beyond translating that rejection into
apierr.KindNotLeader so a client can retry against the address in
LeaderAddr(). Ephemeral instance registration and heartbeats write
straight to the local naming registry and do not go through Raft.

# Authentication

Connections carry no credential model in the core — see connmgr's
AuthLevel comment. mTLS, when configured via ServerTLSConfig, authenticates
the transport; it does not yet gate individual RPCs by client identity.

# Health and metrics

HealthServer (health.go) serves /health, /ready, and /metrics on a
separate plain-HTTP listener, independent of the gRPC connection port, so
an orchestrator can probe liveness without a gRPC client.
*/
package api
