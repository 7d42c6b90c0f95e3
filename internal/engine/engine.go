// Package engine executes fetch plans with a bounded worker pool: streaming
// single files with resume support, reassembling segmented streams, and
// applying the central retry policy. One bad lecture never aborts the rest
// of the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coursepull/coursepull/internal/layout"
	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/media"
	"github.com/coursepull/coursepull/internal/retry"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	queueDepth     = 64
	copyBufferSize = 128 * 1024
)

// ErrIntegrityMismatch marks a finished body whose size does not match the
// declared size. Treated as an attempt failure, never as success.
var ErrIntegrityMismatch = errors.New("output size does not match declared size")

type Engine struct {
	hc          *http.Client
	layout      *layout.Layout
	fs          afero.Fs
	maxParallel int
	policy      retry.Policy

	queue chan *Task

	// Events carries per-task status transitions to the reporting
	// collaborator. Closed when Run returns.
	Events chan Event

	// emitMu guards the closed flag: cancellation can end Run while a
	// submitter is still emitting, and a send on the closed channel would
	// turn a clean interrupt into a panic.
	emitMu       sync.Mutex
	eventsClosed bool
}

func New(hc *http.Client, l *layout.Layout, maxParallel, maxAttempts int) *Engine {
	if maxParallel <= 0 {
		maxParallel = 4
	}

	return &Engine{
		hc:          hc,
		layout:      l,
		fs:          l.Fs(),
		maxParallel: maxParallel,
		policy:      retry.DownloadPolicy(maxAttempts),
		queue:       make(chan *Task, queueDepth),
		Events:      make(chan Event, queueDepth),
	}
}

// Submit enqueues a task. Excluded and Unsupported plans never reach the
// engine; rejecting them here keeps the invariant visible.
func (e *Engine) Submit(ctx context.Context, task *Task) error {
	if !media.Fetchable(task.Plan) {
		return fmt.Errorf("plan for %q is not fetchable", task.Title)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	task.Status = StatusPending
	e.emit(Event{Type: EventQueued, Task: task})

	select {
	case e.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no further tasks will be submitted. Run drains the
// queue and returns.
func (e *Engine) Close() {
	close(e.queue)
}

// Run consumes the queue with maxParallel workers until the queue is closed
// and drained, or the context is cancelled. In-flight tasks abort promptly
// on cancellation and leave only temporary files behind.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeEvents()

	var wg errgroup.Group

	for range e.maxParallel {
		wg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task, ok := <-e.queue:
					if !ok {
						return nil
					}

					e.execute(ctx, task)
				}
			}
		})
	}

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (e *Engine) execute(ctx context.Context, task *Task) {
	logger := logctx.LoggerFromContext(ctx).With("dest", task.Dest, "lecture_id", task.LectureID)
	ctx = logctx.WithLogger(ctx, logger)

	if e.layout.IsComplete(task.Dest, expectedSize(task.Plan)) {
		logger.Debug("destination already complete, skipping")
		task.Status = StatusCompleted
		e.emit(Event{Type: EventSkipped, Task: task, Reason: "already downloaded"})

		return
	}

	task.Status = StatusInProgress
	e.emit(Event{Type: EventInProgress, Task: task})

	var written int64

	err := retry.Do(ctx, e.policy, "download", func(ctx context.Context) error {
		task.Attempts++

		var attemptErr error

		switch plan := task.Plan.(type) {
		case media.SingleFile:
			written, attemptErr = e.downloadSingle(ctx, task, plan)
		case media.SegmentedStream:
			written, attemptErr = e.downloadSegmented(ctx, task, plan)
		default:
			attemptErr = retry.Permanent(fmt.Errorf("unexpected plan type %T", plan))
		}

		return attemptErr
	})

	switch {
	case err == nil:
		task.Status = StatusCompleted
		e.emit(Event{Type: EventCompleted, Task: task, Bytes: written})
	case ctx.Err() != nil:
		// Cooperative shutdown is not a task failure; the temporary file
		// stays behind for the next run.
		task.Status = StatusFailed
	default:
		task.Status = StatusFailed
		e.emit(Event{
			Type:   EventFailed,
			Task:   task,
			Err:    &DownloadError{Attempts: task.Attempts, Err: err},
			Reason: err.Error(),
		})
	}
}

func (e *Engine) emit(ev Event) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	if e.eventsClosed {
		return
	}

	e.Events <- ev
}

func (e *Engine) closeEvents() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.eventsClosed = true
	close(e.Events)
}

func expectedSize(p media.Plan) int64 {
	if sf, ok := p.(media.SingleFile); ok {
		return sf.Size
	}

	return -1
}

// classifyStatus turns terminal HTTP statuses into permanent errors so the
// retry policy does not hammer them.
func classifyStatus(code int, url string) error {
	if code == http.StatusOK || code == http.StatusPartialContent {
		return nil
	}

	err := fmt.Errorf("unexpected status %d from %s", code, url)
	if code == http.StatusTooManyRequests || code >= 500 {
		return err
	}

	return retry.Permanent(err)
}
