package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/media"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// segmentParallelism bounds concurrent segment fetches within one task, on
// top of the task-level worker bound.
const segmentParallelism = 4

// downloadSegmented fetches every segment of an adaptive-stream variant and
// appends them to the container strictly in manifest order, regardless of
// fetch completion order. The container is finalized and renamed only after
// the last segment is written.
func (e *Engine) downloadSegmented(ctx context.Context, task *Task, plan media.SegmentedStream) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("downloading segmented stream", "segments", len(plan.SegmentURLs))

	tmp := e.layout.TempPath(task.Dest)
	if err := e.layout.EnsureDir(tmp); err != nil {
		return 0, err
	}

	segments := make([][]byte, len(plan.SegmentURLs))

	wg, fetchCtx := errgroup.WithContext(ctx)
	wg.SetLimit(segmentParallelism)

	for i, segURL := range plan.SegmentURLs {
		wg.Go(func() error {
			body, err := e.fetchSegment(fetchCtx, segURL)
			if err != nil {
				return fmt.Errorf("segment %d: %w", i+1, err)
			}

			segments[i] = body

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return 0, err
	}

	out, err := e.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open temporary container: %w", err)
	}

	var written int64

	for i, segment := range segments {
		select {
		case <-ctx.Done():
			out.Close()
			e.discard(tmp)

			return written, ctx.Err()
		default:
		}

		n, err := out.Write(segment)
		written += int64(n)

		if err != nil {
			out.Close()
			e.discard(tmp)

			return written, fmt.Errorf("failed to write segment %d: %w", i+1, err)
		}
	}

	if err := out.Close(); err != nil {
		e.discard(tmp)

		return written, fmt.Errorf("failed to close container: %w", err)
	}

	if err := finalizeContainer(plan.Container); err != nil {
		e.discard(tmp)

		return written, err
	}

	logger.Info("assembled stream container", "size", humanize.Bytes(uint64(written)))

	return written, e.finalize(tmp, task.Dest, -1)
}

func (e *Engine) fetchSegment(ctx context.Context, segURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, segURL); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment body: %w", err)
	}

	return body, nil
}

// discard drops a temporary container. Segment offsets are not resumable,
// so a failed assembly starts over.
func (e *Engine) discard(tmp string) {
	_ = e.fs.Remove(tmp)
}

// finalizeContainer is the post-assembly hook. Plain concatenation is a
// valid container for the transport-stream and fragmented targets the
// platform serves, so no remux step is needed yet.
func finalizeContainer(container string) error {
	switch container {
	case "", "mp4", "ts":
		return nil
	default:
		return fmt.Errorf("unsupported target container %q", container)
	}
}
