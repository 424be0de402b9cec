// Package cacheop runs cache operations: downloads and deletions of issue
// metadata and content, keyed by a download tag.
//
// A Registry holds at most one active operation per tag and multicasts the
// cache state updates operations emit. Prepare either joins the active
// operation for a tag or registers a new one; Execute runs it once and hands
// every caller the same result.
package cacheop

import "fmt"

// Kind names the concrete operation type.
type Kind string

const (
	KindMetadataDownload Kind = "metadata_download"
	KindContentDownload  Kind = "content_download"
	KindContentDeletion  Kind = "content_deletion"
	KindIssueDeletion    Kind = "issue_deletion"
	KindWrappedDownload  Kind = "wrapped_download"
)

// Priority is a scheduling hint for file fetches. It never preempts running work.
type Priority int32

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int32(p))
}

// ParsePriority parses the String form of a Priority.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// CacheState is the coarse presence of an entity on local storage.
type CacheState string

const (
	StateAbsent  CacheState = "absent"
	StatePresent CacheState = "present"
	StateLoading CacheState = "loading"
)

// UpdateType tells a snapshot (Initial) from a change (Update).
type UpdateType string

const (
	UpdateInitial UpdateType = "initial"
	UpdateChange  UpdateType = "update"
)

// CacheStateUpdate is a point-in-time report for a tag.
type CacheStateUpdate struct {
	Type       UpdateType
	State      CacheState
	BytesDone  int64
	BytesTotal int64
	Err        error
}

// Status is a CacheStateUpdate published for a tag.
type Status struct {
	Tag    string
	Update CacheStateUpdate
}

// State is the lifecycle state of an operation.
type State string

const (
	Queued  State = "queued"
	Loading State = "loading"
	Success State = "success"
	Failed  State = "failed"
)

// Trigger records whether an operation was started by the user or by
// background work.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// TriggerFor maps an isAutomatic flag to a Trigger.
func TriggerFor(isAutomatic bool) Trigger {
	if isAutomatic {
		return TriggerAuto
	}
	return TriggerManual
}

// terminalStates returns the cache state published when an operation of kind
// succeeds or fails.
func terminalStates(kind Kind) (onSuccess, onFailure CacheState) {
	switch kind {
	case KindContentDeletion, KindIssueDeletion:
		return StateAbsent, StatePresent
	case KindMetadataDownload:
		return StateAbsent, StateAbsent
	default:
		return StatePresent, StateAbsent
	}
}
