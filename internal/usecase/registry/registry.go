// Package registry maps structured worker keys to worker handles. Two
// interchangeable backends exist: an in-process map and a NATS-replicated
// clustered registry. Clustered lookups are advisory: they converge after
// membership changes rather than being immediately consistent.
package registry

import (
	"fmt"

	"sagents/internal/domain"
)

// Kind tags a registry key variant.
type Kind string

const (
	KindAgentWorker        Kind = "agent_worker"
	KindAgentSupervisor    Kind = "agent_supervisor"
	KindSubAgentSupervisor Kind = "subagent_supervisor"
	KindFilesystemWorker   Kind = "filesystem_worker"
)

// Key is a tagged tuple identifying one worker. Unique-key semantics: at
// most one live worker per key.
type Key struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Kind, k.ID) }

// AgentWorker keys the per-agent worker.
func AgentWorker(id string) Key { return Key{Kind: KindAgentWorker, ID: id} }

// AgentSupervisor keys the per-agent supervisor.
func AgentSupervisor(id string) Key { return Key{Kind: KindAgentSupervisor, ID: id} }

// SubAgentSupervisor keys the sub-agent supervisor under one agent.
func SubAgentSupervisor(id string) Key { return Key{Kind: KindSubAgentSupervisor, ID: id} }

// FilesystemWorker keys the serialized filesystem worker for one scope.
func FilesystemWorker(scope string) Key { return Key{Kind: KindFilesystemWorker, ID: scope} }

// Pattern selects keys by kind and/or ID prefix. Zero values match
// everything.
type Pattern struct {
	Kind     Kind
	IDPrefix string
}

// Matches reports whether the pattern selects the key.
func (p Pattern) Matches(k Key) bool {
	if p.Kind != "" && p.Kind != k.Kind {
		return false
	}
	return p.IDPrefix == "" || len(k.ID) >= len(p.IDPrefix) && k.ID[:len(p.IDPrefix)] == p.IDPrefix
}

// Match is one Select result.
type Match struct {
	Key    Key
	Handle any
	Node   string
}

// RemoteHandle stands in for a worker owned by another cluster member.
// Callers treat it as advisory.
type RemoteHandle struct {
	Node string
	Key  Key
}

// Registry is the pluggable name service.
type Registry interface {
	// Register claims a key for a handle. domain.ErrDuplicate when the key
	// is already live.
	Register(key Key, handle any) error
	// Deregister releases a key. Unknown keys are ignored.
	Deregister(key Key)
	// Via resolves a key to its handle. domain.ErrNotFound when nobody
	// owns it.
	Via(key Key) (any, error)
	// Lookup returns all handles for a key (zero or one under unique-key
	// semantics, transiently more during cluster convergence).
	Lookup(key Key) []any
	// Keys returns every key registered to the given handle.
	Keys(handle any) []Key
	// Count returns the number of registered keys.
	Count() int
	// Select returns all matches for a pattern.
	Select(p Pattern) []Match
	// MemberSet lists the known cluster members (the local node only for
	// the in-process backend).
	MemberSet() []string
}

// ErrNotFound re-exports the domain sentinel for callers that only import
// this package.
var ErrNotFound = domain.ErrNotFound
