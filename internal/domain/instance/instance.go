// Package instance defines the debug-instance domain entity.
package instance

import "time"

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusDraining     Status = "draining"
	StatusTerminated   Status = "terminated"
)

// BranchPrefix is prepended to the correlation id to form the ephemeral
// branch name.
const BranchPrefix = "debug/"

// BranchName derives the ephemeral branch for a correlation id. It is a pure
// function of the id, so repeated setups never create a second branch.
func BranchName(correlationID string) string {
	return BranchPrefix + correlationID
}

// Instance is one ephemeral debugging environment: a commit-pinned working
// copy, a supervised agent process, an allocated port, and a registry entry.
type Instance struct {
	CorrelationID   string    `json:"correlation_id"`
	SourceCommit    string    `json:"source_commit"`
	ReferenceCommit string    `json:"reference_commit"`
	WorkingCopyPath string    `json:"working_copy_path"`
	Branch          string    `json:"branch"`
	Port            int       `json:"port"`
	PID             int       `json:"pid"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Descriptor is the read-only projection of an Instance returned to callers.
type Descriptor struct {
	CorrelationID   string    `json:"correlation_id"`
	SourceCommit    string    `json:"source_commit"`
	ReferenceCommit string    `json:"reference_commit"`
	Branch          string    `json:"branch"`
	Port            int       `json:"port"`
	PID             int       `json:"pid"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Describe returns the caller-facing projection of the instance.
func (i *Instance) Describe() Descriptor {
	return Descriptor{
		CorrelationID:   i.CorrelationID,
		SourceCommit:    i.SourceCommit,
		ReferenceCommit: i.ReferenceCommit,
		Branch:          i.Branch,
		Port:            i.Port,
		PID:             i.PID,
		Status:          i.Status,
		CreatedAt:       i.CreatedAt,
	}
}

// SetupRequest holds the fields accepted by the setup endpoint. An empty
// CorrelationID is auto-generated; an empty SourceCommit pins the instance
// to the resolved reference commit.
type SetupRequest struct {
	CorrelationID string `json:"correlation_id"`
	SourceCommit  string `json:"source_commit,omitempty"`
}

// SetupResponse is returned by a successful setup.
type SetupResponse struct {
	CorrelationID    string    `json:"correlation_id"`
	Port             int       `json:"port"`
	WorkingCopyPath  string    `json:"working_copy_path"`
	Branch           string    `json:"branch"`
	SourceCommit     string    `json:"source_commit"`
	ReferenceCommit  string    `json:"reference_commit"`
	CompareAdvice    string    `json:"compare_advice"`
	MatchesReference bool      `json:"matches_reference"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}
