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
)

const progressInterval = 32 * 1024 * 1024 // 32MB between progress log lines

// downloadSingle streams a single file to the temporary name, resuming from
// an existing partial file when the server honors range requests, verifies
// the final size, and renames atomically.
func (e *Engine) downloadSingle(ctx context.Context, task *Task, plan media.SingleFile) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	tmp := e.layout.TempPath(task.Dest)
	if err := e.layout.EnsureDir(tmp); err != nil {
		return 0, err
	}

	var offset int64
	if info, err := e.fs.Stat(tmp); err == nil {
		offset = info.Size()
	}

	if plan.Size >= 0 && offset > plan.Size {
		// Leftover from a different source; start over.
		if err := e.fs.Remove(tmp); err != nil {
			return 0, fmt.Errorf("failed to remove stale partial file: %w", err)
		}

		offset = 0
	}

	if plan.Size >= 0 && offset == plan.Size && offset > 0 {
		return 0, e.finalize(tmp, task.Dest, plan.Size)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, plan.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// A range past the end means the partial file already holds the whole
	// body; verification decides whether it is usable.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		return 0, e.finalize(tmp, task.Dest, plan.Size)
	}

	if err := classifyStatus(resp.StatusCode, plan.URL); err != nil {
		return 0, err
	}

	resuming := offset > 0 && resp.StatusCode == http.StatusPartialContent

	flags := os.O_WRONLY | os.O_CREATE
	if resuming {
		flags |= os.O_APPEND
		logger.Info("resuming partial download", "offset", humanize.Bytes(uint64(offset)))
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}

	out, err := e.fs.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open temporary file: %w", err)
	}

	total := plan.Size
	logger.Info("downloading file", "size", sizeLabel(total))

	pr := newProgressReader(resp.Body, total, progressInterval, func(written, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(offset+written)),
				"total", humanize.Bytes(uint64(total)),
			)
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(offset+written)))
		}
	})

	written, copyErr := e.copyCancellable(ctx, out, pr)

	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("failed to close temporary file: %w", err)
	}

	if copyErr != nil {
		// Keep the partial file: a later attempt or run resumes from it.
		return written, copyErr
	}

	return written, e.finalize(tmp, task.Dest, plan.Size)
}

// finalize verifies the temporary file's size when one was declared, then
// performs the atomic rename. Partial output is never visible under the
// final name.
func (e *Engine) finalize(tmp, dest string, expected int64) error {
	info, err := e.fs.Stat(tmp)
	if err != nil {
		return fmt.Errorf("failed to stat temporary file: %w", err)
	}

	if expected >= 0 && info.Size() != expected {
		// A truncated body would otherwise masquerade as success. Drop the
		// partial file so the next attempt starts clean.
		if err := e.fs.Remove(tmp); err != nil {
			return fmt.Errorf("failed to remove mismatched file: %w", err)
		}

		return fmt.Errorf("%w: got %d, want %d", ErrIntegrityMismatch, info.Size(), expected)
	}

	if err := e.fs.Rename(tmp, dest); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}

	return nil
}

// copyCancellable copies until EOF or context cancellation.
func (e *Engine) copyCancellable(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)

	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)

			if writeErr != nil {
				return written, fmt.Errorf("write failed: %w", writeErr)
			}

			if wn < n {
				return written, io.ErrShortWrite
			}
		}

		if readErr == io.EOF {
			return written, nil
		}

		if readErr != nil {
			return written, fmt.Errorf("read failed: %w", readErr)
		}
	}
}

func sizeLabel(size int64) string {
	if size < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(size))
}
