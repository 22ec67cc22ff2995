// Package wire defines the message envelopes exchanged between a client
// replicant and the Replicator over the transport binding. These types are
// the serializable contract: every field here round-trips through JSON
// exactly as named, so renaming one is a breaking wire change.
package wire

import "github.com/nodecg-tmp/nodecg-tmp/op"

// Event names used as the RPC/broadcast "event" field on the transport.
const (
	EventDeclare           = "replicant:declare"
	EventProposeOperations = "replicant:proposeOperations"
	EventRead              = "replicant:read"
	EventOperations        = "replicant:operations"
)

// Reject reasons. These are reconciliation signals, not errors: the
// rejected side is expected to adopt the accompanying authoritative
// snapshot and move on.
const (
	RejectSchemaMismatch   = "schema-mismatch"
	RejectRevisionMismatch = "revision-mismatch"
	// RejectValueInvalid is used only on replicant:declare, when opts carry
	// a defaultValue that fails schema validation.
	RejectValueInvalid = "value-invalid"
)

// DeclareOptions accompanies replicant:declare and replicant:proposeOperations.
// SchemaPath is never sent by a client — it is a server-local bundle-manifest
// lookup — so it has no wire representation here.
type DeclareOptions struct {
	DefaultValue        any     `json:"defaultValue,omitempty"`
	Persistent          bool    `json:"persistent,omitempty"`
	PersistenceInterval float64 `json:"persistenceInterval,omitempty"`
}

// DeclareRequest is the payload of a replicant:declare RPC.
type DeclareRequest struct {
	Name      string         `json:"name"`
	Namespace string         `json:"namespace"`
	Opts      DeclareOptions `json:"opts"`
}

// DeclareReply is the reply to a successful replicant:declare. Schema and
// SchemaSum are omitted for a schema-less replicant.
type DeclareReply struct {
	Value        any    `json:"value"`
	Revision     uint64 `json:"revision"`
	Schema       any    `json:"schema,omitempty"`
	SchemaSum    string `json:"schemaSum,omitempty"`
	RejectReason string `json:"rejectReason,omitempty"`
}

// ProposeOperationsRequest is the payload of a replicant:proposeOperations RPC.
type ProposeOperationsRequest struct {
	Name       string         `json:"name"`
	Namespace  string         `json:"namespace"`
	Operations []op.Operation `json:"operations"`
	Opts       DeclareOptions `json:"opts"`
	Revision   uint64         `json:"revision"`
	SchemaSum  string         `json:"schemaSum,omitempty"`
}

// ProposeOperationsReply is the reply to replicant:proposeOperations. On
// acceptance RejectReason is empty and Value/Revision reflect the new
// server state; on rejection RejectReason is one of the Reject* constants
// and Value/Revision/Schema/SchemaSum carry the authoritative snapshot the
// proposer must adopt.
type ProposeOperationsReply struct {
	Value        any    `json:"value"`
	Revision     uint64 `json:"revision"`
	Schema       any    `json:"schema,omitempty"`
	SchemaSum    string `json:"schemaSum,omitempty"`
	RejectReason string `json:"rejectReason,omitempty"`
}

// ReadRequest is the payload of a replicant:read RPC. It establishes no
// subscription — it is a one-shot reconciliation read.
type ReadRequest struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// OperationsBroadcast is the payload of a replicant:operations broadcast,
// sent to every connection in room "replicant:<namespace>", including the
// one whose proposal produced it; the server does not exclude the sender,
// and the proposing client discards that echo itself.
type OperationsBroadcast struct {
	Name       string         `json:"name"`
	Namespace  string         `json:"namespace"`
	Revision   uint64         `json:"revision"`
	Operations []op.Operation `json:"operations"`
}

// Room returns the transport room name a namespace's declare/operations
// traffic is scoped to.
func Room(namespace string) string {
	return "replicant:" + namespace
}
