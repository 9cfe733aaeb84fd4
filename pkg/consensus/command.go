// Package consensus implements component F: the Raft-replicated state
// machine that linearizes every persistent mutation (config, namespace,
// user/role/permission, persistent instances, locks) across the cluster.
package consensus

import "encoding/json"

// Op names every Raft command, per spec 4.F's condensed command taxonomy.
type Op string

const (
	OpConfigPublish       Op = "ConfigPublish"
	OpConfigRemove        Op = "ConfigRemove"
	OpConfigHistoryInsert Op = "ConfigHistoryInsert"
	OpConfigTagsUpdate    Op = "ConfigTagsUpdate"
	OpConfigTagsDelete    Op = "ConfigTagsDelete"

	OpNamespaceCreate Op = "NamespaceCreate"
	OpNamespaceUpdate Op = "NamespaceUpdate"
	OpNamespaceDelete Op = "NamespaceDelete"

	OpUserCreate Op = "UserCreate"
	OpUserUpdate Op = "UserUpdate"
	OpUserDelete Op = "UserDelete"

	OpRoleCreate Op = "RoleCreate"
	OpRoleDelete Op = "RoleDelete"

	OpPermissionGrant  Op = "PermissionGrant"
	OpPermissionRevoke Op = "PermissionRevoke"

	OpPersistentInstanceRegister   Op = "PersistentInstanceRegister"
	OpPersistentInstanceDeregister Op = "PersistentInstanceDeregister"
	OpPersistentInstanceUpdate     Op = "PersistentInstanceUpdate"

	OpLockAcquire      Op = "LockAcquire"
	OpLockRelease      Op = "LockRelease"
	OpLockRenew        Op = "LockRenew"
	OpLockForceRelease Op = "LockForceRelease"
	OpLockExpire       Op = "LockExpire"

	OpNoop Op = "Noop"
)

// Command is the tagged-union envelope appended to the Raft log. Op selects
// the variant; Data carries exactly the payload needed to reproduce the
// mutation deterministically. No clock reads or RNG are permitted once Data
// is decoded inside Apply — any such value must already be on the command.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Response is the tagged-union result produced by applying a Command,
// sufficient to answer the client that proposed it.
type Response struct {
	Op      Op          `json:"op"`
	Success bool        `json:"success"`
	Error   string       `json:"error,omitempty"`
	Code    int          `json:"code,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

func ok(op Op, result interface{}) Response {
	return Response{Op: op, Success: true, Result: result}
}

func fail(op Op, code int, msg string) Response {
	return Response{Op: op, Success: false, Code: code, Error: msg}
}
