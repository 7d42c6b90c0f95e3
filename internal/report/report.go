// Package report is the reporting collaborator: it consumes the engine's
// status events, tallies per-lecture outcomes, persists them to the ledger,
// and renders the run-end summary. It never touches the network path.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coursepull/coursepull/internal/engine"
	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/notifier"
	"github.com/coursepull/coursepull/internal/storage"
	"github.com/coursepull/coursepull/internal/telemetry"
)

// Terminal statuses as they appear in the summary and the ledger.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Outcome is one lecture's (or extra's) final state.
type Outcome struct {
	CourseID  int64  `json:"course_id"`
	LectureID int64  `json:"lecture_id"`
	Title     string `json:"title"`
	Path      string `json:"path,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
}

// Progress is a point-in-time snapshot served by the status endpoint.
type Progress struct {
	Queued     int       `json:"queued"`
	InProgress int       `json:"in_progress"`
	Completed  int       `json:"completed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Aborted    int       `json:"aborted"`
	StartedAt  time.Time `json:"started_at"`
}

type Reporter struct {
	mu       sync.Mutex
	order    []string
	outcomes map[string]*Outcome
	progress Progress

	started  map[string]time.Time
	ledger   storage.LedgerWriter
	notif    notifier.Notifier
	tel      *telemetry.Telemetry
}

// New builds a reporter. ledger, notif and tel may each be nil.
func New(ledger storage.LedgerWriter, notif notifier.Notifier, tel *telemetry.Telemetry) *Reporter {
	return &Reporter{
		outcomes: make(map[string]*Outcome),
		started:  make(map[string]time.Time),
		progress: Progress{StartedAt: time.Now()},
		ledger:   ledger,
		notif:    notif,
		tel:      tel,
	}
}

// RecordResolution records a lecture the resolver kept away from the worker
// pool (Excluded or Unsupported). Informational, not an error.
func (r *Reporter) RecordResolution(ctx context.Context, courseID, lectureID int64, title, reason string) {
	logctx.LoggerFromContext(ctx).Info("lecture skipped",
		"lecture_id", lectureID, "title", title, "reason", reason)

	r.record(ctx, fmt.Sprintf("lecture:%d", lectureID), &Outcome{
		CourseID:  courseID,
		LectureID: lectureID,
		Title:     title,
		Status:    StatusSkipped,
		Reason:    reason,
	}, 0)
}

// RecordArticle records an article lecture written locally, outside the
// engine's network path.
func (r *Reporter) RecordArticle(ctx context.Context, courseID, lectureID int64, title, path string) {
	r.record(ctx, path, &Outcome{
		CourseID:  courseID,
		LectureID: lectureID,
		Title:     title,
		Path:      path,
		Status:    StatusCompleted,
	}, 0)
}

// Consume drains the engine's event stream until it is closed.
func (r *Reporter) Consume(ctx context.Context, events <-chan engine.Event) {
	logger := logctx.LoggerFromContext(ctx)

	for ev := range events {
		task := ev.Task

		switch ev.Type {
		case engine.EventQueued:
			r.bump(func(p *Progress) { p.Queued++ })
		case engine.EventInProgress:
			logger.Debug("download started", "dest", task.Dest)
			r.markStarted(task.Dest)
			r.bump(func(p *Progress) { p.Queued--; p.InProgress++ })

			if r.tel != nil {
				r.tel.TaskStarted(ctx)
			}
		case engine.EventCompleted:
			logger.Info("download completed", "dest", task.Dest, "attempts", task.Attempts)
			r.finishTask(ctx, ev, StatusCompleted, "")
		case engine.EventSkipped:
			logger.Debug("download skipped", "dest", task.Dest, "reason", ev.Reason)
			r.bump(func(p *Progress) { p.Queued-- })
			r.record(ctx, task.Dest, &Outcome{
				CourseID:  task.CourseID,
				LectureID: task.LectureID,
				Title:     task.Title,
				Path:      task.Dest,
				Status:    StatusSkipped,
				Reason:    ev.Reason,
			}, task.Attempts)
		case engine.EventFailed:
			logger.Error("download failed", "dest", task.Dest, "attempts", task.Attempts, "err", ev.Err)
			r.finishTask(ctx, ev, StatusFailed, ev.Reason)

			if r.notif != nil {
				notifyErr := r.notif.Notify(notifier.Event{
					Kind:     notifier.KindDownloadFailed,
					Title:    task.Title,
					Dest:     task.Dest,
					Attempts: task.Attempts,
					Reason:   ev.Reason,
				})
				if notifyErr != nil {
					logger.Error("failed to send notification", "err", notifyErr)
				}
			}
		}
	}

	// The stream also closes on cancellation; whatever never reached a
	// terminal event was abandoned mid-run, and the snapshot must not keep
	// showing it as pending.
	r.mu.Lock()
	r.progress.Aborted += r.progress.Queued + r.progress.InProgress
	r.progress.Queued, r.progress.InProgress = 0, 0
	r.mu.Unlock()
}

func (r *Reporter) finishTask(ctx context.Context, ev engine.Event, status, reason string) {
	task := ev.Task

	r.bump(func(p *Progress) { p.InProgress-- })
	r.record(ctx, task.Dest, &Outcome{
		CourseID:  task.CourseID,
		LectureID: task.LectureID,
		Title:     task.Title,
		Path:      task.Dest,
		Status:    status,
		Reason:    reason,
		Bytes:     ev.Bytes,
	}, task.Attempts)

	if r.tel != nil {
		r.tel.TaskFinished(ctx, status, ev.Bytes, r.elapsed(task.Dest).Seconds())
	}
}

func (r *Reporter) record(ctx context.Context, key string, outcome *Outcome, attempts int) {
	r.mu.Lock()

	if _, seen := r.outcomes[key]; !seen {
		r.order = append(r.order, key)
	}

	r.outcomes[key] = outcome

	switch outcome.Status {
	case StatusCompleted:
		r.progress.Completed++
	case StatusSkipped:
		r.progress.Skipped++
	case StatusFailed:
		r.progress.Failed++
	}

	r.mu.Unlock()

	if r.ledger != nil {
		err := r.ledger.RecordOutcome(storage.LectureRecord{
			CourseID:  outcome.CourseID,
			LectureID: outcome.LectureID,
			Path:      outcome.Path,
			Status:    outcome.Status,
			Reason:    outcome.Reason,
			Attempts:  attempts,
		})
		if err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to record outcome", "err", err)
		}
	}
}

func (r *Reporter) bump(f func(p *Progress)) {
	r.mu.Lock()
	f(&r.progress)
	r.mu.Unlock()
}

func (r *Reporter) markStarted(key string) {
	r.mu.Lock()
	r.started[key] = time.Now()
	r.mu.Unlock()
}

func (r *Reporter) elapsed(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if at, ok := r.started[key]; ok {
		return time.Since(at)
	}

	return 0
}

// Snapshot returns the current progress counters.
func (r *Reporter) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.progress
}

// Summary returns all recorded outcomes in recording order, which follows
// structural position because submission does.
func (r *Reporter) Summary() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Outcome, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.outcomes[key])
	}

	return out
}

// LogSummary renders the run-end summary and pushes the webhook note.
func (r *Reporter) LogSummary(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)
	progress := r.Snapshot()

	logger.Info("run summary",
		"completed", progress.Completed,
		"skipped", progress.Skipped,
		"failed", progress.Failed,
		"aborted", progress.Aborted,
	)

	for _, outcome := range r.Summary() {
		if outcome.Status == StatusCompleted {
			continue
		}

		logger.Info("lecture outcome",
			"title", outcome.Title,
			"status", outcome.Status,
			"reason", outcome.Reason,
		)
	}

	if r.notif != nil {
		err := r.notif.Notify(notifier.Event{
			Kind:      notifier.KindRunFinished,
			Completed: progress.Completed,
			Skipped:   progress.Skipped,
			Failed:    progress.Failed,
		})
		if err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}
}
