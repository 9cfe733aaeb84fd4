package api

import (
	"context"
	"encoding/json"

	"github.com/nacosd/nacosd/pkg/codec"
)

// registerDistroStubs registers the cluster-internal peer-gossip request
// types (the original implementation's Distro protocol, used to replicate
// ephemeral naming state outside the Raft log for low-latency AP-mode
// reads). nacosd routes every mutation through Raft instead (spec's
// consistency model is CP-only), so there is no second replication channel
// for these to drive. Registered at AuthWrite — the level every admitted
// connection carries, see connmgr.Connection.AuthLevel — so a cluster
// peer's handshake gets an empty acknowledgement instead of a
// no-handler-registered failure, rather than actually driving replication.
func registerDistroStubs(reg *codec.Registry) {
	for _, reqType := range []string{
		"DistroDataSyncRequest",
		"DistroDataSnapshotRequest",
		"DistroDataVerifyRequest",
	} {
		reg.Register(&codec.Handler{
			RequestType: reqType,
			AuthLevel:   codec.AuthWrite,
			Resource:    "distro",
			Func:        handleDistroAck,
		})
	}
}

func handleDistroAck(ctx context.Context, conn codec.ConnContext, body json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]bool{"success": true})
}
