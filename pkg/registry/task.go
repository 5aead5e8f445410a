package registry

import "time"

// TaskState is the locally cached state of a ticket-backed task.
//
// The authoritative state lives in the external ticketing system; the local
// state only ever moves forward through the machine below and is safe to
// re-derive from stale or out-of-order external observations:
//
//	PENDING -> OPEN -> IN_PROGRESS -> RESOLVED | FAILED
//	              \------------------^
//
// RESOLVED and FAILED are terminal: once reached, further observations leave
// the state unchanged.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskOpen       TaskState = "open"
	TaskInProgress TaskState = "in_progress"
	TaskResolved   TaskState = "resolved"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskState) Terminal() bool {
	return s == TaskResolved || s == TaskFailed
}

// rank orders states along the machine. Transitions never decrease rank.
func (s TaskState) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskOpen:
		return 1
	case TaskInProgress:
		return 2
	case TaskResolved, TaskFailed:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a legal forward
// step. Re-observing the current state is always legal (idempotent refresh),
// and terminal states admit nothing else.
func (s TaskState) CanTransition(next TaskState) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TaskKind is the operation a ticket-backed task represents.
type TaskKind string

const (
	// TaskConversion asks the external team to convert a file into a
	// cloud-friendly format (the one operation the broker cannot do inline).
	TaskConversion TaskKind = "conversion"
)

// TaskPayload carries the operation-specific parameters of a task.
// Immutable after creation.
type TaskPayload struct {
	// FSPName is the file share path name the operation targets.
	FSPName string `json:"fsp_name"`

	// Path is the target path relative to the share mount point.
	Path string `json:"path"`

	// Username is the requesting user.
	Username string `json:"username"`
}

// TicketTask is the local record of an operation handed off to the external
// ticketing system.
//
// ExternalTicketID is set exactly once, when the external ticket has been
// created, and never changes afterward. Tasks are never physically deleted;
// terminal tasks are retained for audit.
type TicketTask struct {
	// ID is the local task identifier.
	ID string `json:"id"`

	// ExternalTicketID is the ticket key in the external system (e.g. "FT-123").
	ExternalTicketID string `json:"external_ticket_id"`

	// Kind is the operation type.
	Kind TaskKind `json:"kind"`

	// State is the locally cached state. Moves monotonically forward.
	State TaskState `json:"state"`

	// Payload holds the operation parameters. Immutable after creation.
	Payload TaskPayload `json:"payload"`

	// FetchFailures counts consecutive failed status fetches since the last
	// successful one. Crossing the engine's retry budget fails the task.
	FetchFailures int `json:"fetch_failures,omitempty"`

	// Version is the optimistic concurrency counter. Starts at 1.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *TicketTask) Clone() *TicketTask {
	cp := *t
	return &cp
}

// TaskFilter narrows ListTasks results. Zero value matches everything.
type TaskFilter struct {
	// ActiveOnly restricts results to non-terminal tasks.
	ActiveOnly bool

	// Kind restricts results to one operation type when non-empty.
	Kind TaskKind
}

// Matches reports whether task passes the filter.
func (f TaskFilter) Matches(task *TicketTask) bool {
	if f.ActiveOnly && task.State.Terminal() {
		return false
	}
	if f.Kind != "" && task.Kind != f.Kind {
		return false
	}
	return true
}
