package model

// MemoryType selects the update strategy applied when a new chunk collides
// with existing knowledge. It is immutable after creation.
type MemoryType string

const (
	MemoryTypeFact    MemoryType = "fact"
	MemoryTypeState   MemoryType = "state"
	MemoryTypeEpisode MemoryType = "episode"
	MemoryTypePolicy  MemoryType = "policy"
)

// ValidMemoryType reports whether t is a known memory type.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryTypeFact, MemoryTypeState, MemoryTypeEpisode, MemoryTypePolicy:
		return true
	}
	return false
}

// Supersedable returns true for types that form a lineage chain with a
// single current node. Episodes are append-only and never supersede.
func (t MemoryType) Supersedable() bool {
	return t == MemoryTypeFact || t == MemoryTypeState || t == MemoryTypePolicy
}

// Scope is the visibility boundary of a memory.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeAgent  Scope = "agent"
)

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	return s == ScopeGlobal || s == ScopeAgent
}

// InputChannel records how a memory entered the system.
type InputChannel string

const (
	ChannelChat   InputChannel = "chat"
	ChannelManual InputChannel = "manual"
	ChannelAPI    InputChannel = "api"
	ChannelImport InputChannel = "import"
)

// ValidInputChannel reports whether c is a known input channel.
func ValidInputChannel(c InputChannel) bool {
	switch c {
	case ChannelChat, ChannelManual, ChannelAPI, ChannelImport:
		return true
	}
	return false
}

// AuditAction identifies the state transition recorded by an audit row.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditRetire  AuditAction = "retire"
	AuditDelete  AuditAction = "delete"
	AuditRestore AuditAction = "restore"
	AuditConfirm AuditAction = "confirm"
	AuditReject  AuditAction = "reject"
)

// ActorType identifies who caused an audited transition.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
	ActorAdmin  ActorType = "admin"
)

// JobStatus is the ingest job lifecycle state.
type JobStatus string

const (
	JobAccepted JobStatus = "accepted"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}
