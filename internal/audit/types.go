// Package audit implements the append-only Audit Log (spec §4.7): an
// async buffered writer plus query/count/getById/getStats/cleanup reads.
package audit

import "time"

// Status is the terminal outcome recorded for a dispatched tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// Decision mirrors the policy decision that governed the call (spec §3).
type Decision struct {
	Action         string
	RuleID         string
	RedactedFields []string
	Reason         string
}

// Entry is one append-only audit record (spec §3 AuditEntry). No in-place
// mutation: a row is written once, at decision/completion time.
type Entry struct {
	ID            string
	Timestamp     time.Time
	AgentName     string
	AgentVersion  string
	PluginID      string
	ToolName      string
	InputArgs     map[string]any
	Decision      Decision
	Status        Status
	ErrorMessage  string
	ExecutionTimeMs int64
	DataSummary   string
	Metadata      map[string]any
}

// Filter narrows a Query call; zero-valued fields are ignored.
type Filter struct {
	PluginID  string
	AgentName string
	Status    Status
	Action    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Stats aggregates counts by action, status, plugin, and agent over a
// window (spec §4.7: "Stats aggregate counts by action, status, plugin,
// and agent over a (possibly bounded) window").
type Stats struct {
	Total       int
	ByAction    map[string]int
	ByStatus    map[string]int
	ByPlugin    map[string]int
	ByAgent     map[string]int
}
