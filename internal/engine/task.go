package engine

import (
	"fmt"

	"github.com/coursepull/coursepull/internal/media"
)

// Status is the lifecycle of one download task.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one unit of download work. Owned by the engine from Submit until
// a terminal status is reported.
type Task struct {
	CourseID  int64
	LectureID int64
	Title     string
	Dest      string
	Plan      media.Plan
	Attempts  int
	Status    Status
}

// EventType tags status events emitted to the reporting collaborator.
type EventType int

const (
	EventQueued EventType = iota
	EventInProgress
	EventCompleted
	EventFailed
	EventSkipped
)

func (t EventType) String() string {
	switch t {
	case EventQueued:
		return "queued"
	case EventInProgress:
		return "in_progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Event is one per-task status transition.
type Event struct {
	Type   EventType
	Task   *Task
	Reason string
	Err    error
	Bytes  int64
}

// DownloadError wraps the final cause after retries are exhausted.
type DownloadError struct {
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed after %d attempts: %s", e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
