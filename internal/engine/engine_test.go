package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coursepull/coursepull/internal/course"
	"github.com/coursepull/coursepull/internal/layout"
	"github.com/coursepull/coursepull/internal/media"
	"github.com/coursepull/coursepull/internal/retry"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires an engine over an in-memory filesystem and collects every
// event it emits.
type harness struct {
	fs  afero.Fs
	lay *layout.Layout
	eng *Engine

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, hc *http.Client, maxAttempts int) *harness {
	t.Helper()

	fs := afero.NewMemMapFs()
	lay := layout.New(fs, "out")

	eng := New(hc, lay, 2, maxAttempts)
	eng.policy.InitialInterval = 0
	eng.policy.MaxInterval = time.Millisecond

	return &harness{fs: fs, lay: lay, eng: eng}
}

// run submits the tasks, waits for the engine to drain, and returns once the
// event stream is closed.
func (h *harness) run(ctx context.Context, t *testing.T, tasks ...*Task) error {
	t.Helper()

	collected := make(chan struct{})

	go func() {
		for ev := range h.eng.Events {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}

		close(collected)
	}()

	done := make(chan error, 1)

	go func() {
		done <- h.eng.Run(ctx)
	}()

	for _, task := range tasks {
		require.NoError(t, h.eng.Submit(ctx, task))
	}

	h.eng.Close()

	err := <-done
	<-collected

	return err
}

func (h *harness) eventsOf(kind EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event

	for _, ev := range h.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}

	return out
}

func (h *harness) readFile(t *testing.T, path string) []byte {
	t.Helper()

	data, err := afero.ReadFile(h.fs, path)
	require.NoError(t, err)

	return data
}

func (h *harness) exists(path string) bool {
	ok, _ := afero.Exists(h.fs, path)

	return ok
}

func singleTask(dest, url string, size int64) *Task {
	return &Task{
		CourseID:  1,
		LectureID: 10,
		Title:     "Lecture",
		Dest:      dest,
		Plan:      media.SingleFile{URL: url, Size: size, Ext: "mp4"},
	}
}

func TestEngine_SingleFileDownload(t *testing.T) {
	body := strings.Repeat("v", 200)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 2)

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 200)))

	assert.Equal(t, body, string(h.readFile(t, "out/a.mp4")))
	assert.False(t, h.exists("out/a.mp4"+layout.TempSuffix))

	completed := h.eventsOf(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(200), completed[0].Bytes)
	assert.Equal(t, 1, completed[0].Task.Attempts)
}

func TestEngine_SizeMismatchFailsAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "short")
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 3)

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 100)))

	// A truncated body must never surface under the final name.
	assert.False(t, h.exists("out/a.mp4"))

	failed := h.eventsOf(EventFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, ErrIntegrityMismatch)

	var dlErr *DownloadError

	require.ErrorAs(t, failed[0].Err, &dlErr)
	assert.Equal(t, 3, dlErr.Attempts)
}

func TestEngine_ResumesFromPartialFile(t *testing.T) {
	body := strings.Repeat("x", 50) + strings.Repeat("y", 150)

	var gotRange atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		gotRange.Store(rng)

		if rng == "bytes=50-" {
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, body[50:])

			return
		}

		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 1)

	require.NoError(t, afero.WriteFile(h.fs, "out/a.mp4"+layout.TempSuffix, []byte(body[:50]), 0o644))

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 200)))

	assert.Equal(t, "bytes=50-", gotRange.Load())
	assert.Equal(t, body, string(h.readFile(t, "out/a.mp4")))

	completed := h.eventsOf(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(150), completed[0].Bytes, "only the missing range is transferred")
}

func TestEngine_RestartsWhenServerIgnoresRange(t *testing.T) {
	body := strings.Repeat("z", 80)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 despite the Range header; the partial prefix must be dropped.
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 1)

	require.NoError(t, afero.WriteFile(h.fs, "out/a.mp4"+layout.TempSuffix, []byte("stale-prefix"), 0o644))

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 80)))

	assert.Equal(t, body, string(h.readFile(t, "out/a.mp4")))
}

func TestEngine_FinalizesFullPartialOnRangeNotSatisfiable(t *testing.T) {
	body := strings.Repeat("q", 60)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 1)

	require.NoError(t, afero.WriteFile(h.fs, "out/a.mp4"+layout.TempSuffix, []byte(body), 0o644))

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, -1)))

	assert.Equal(t, body, string(h.readFile(t, "out/a.mp4")))
	require.Len(t, h.eventsOf(EventCompleted), 1)
}

func TestEngine_SkipsCompletedDestination(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 1)

	require.NoError(t, afero.WriteFile(h.fs, "out/a.mp4", []byte(strings.Repeat("d", 40)), 0o644))

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 40)))

	assert.Equal(t, int64(0), hits.Load(), "skip decision must cost no network traffic")
	require.Len(t, h.eventsOf(EventSkipped), 1)
	assert.Empty(t, h.eventsOf(EventCompleted))
}

func TestEngine_SizeMismatchOnDiskIsNotComplete(t *testing.T) {
	body := strings.Repeat("f", 40)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 1)

	require.NoError(t, afero.WriteFile(h.fs, "out/a.mp4", []byte("tiny"), 0o644))

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 40)))

	assert.Equal(t, body, string(h.readFile(t, "out/a.mp4")))
	require.Len(t, h.eventsOf(EventCompleted), 1)
}

func TestEngine_SegmentedStreamKeepsManifestOrder(t *testing.T) {
	// Later segments answer faster than earlier ones; the assembled
	// container must still follow manifest order.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/seg-0":
			time.Sleep(40 * time.Millisecond)
			fmt.Fprint(w, strings.Repeat("a", 10))
		case "/seg-1":
			time.Sleep(20 * time.Millisecond)
			fmt.Fprint(w, strings.Repeat("b", 10))
		case "/seg-2":
			fmt.Fprint(w, strings.Repeat("c", 10))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 1)

	task := &Task{
		CourseID:  1,
		LectureID: 11,
		Title:     "Streamed",
		Dest:      "out/s.mp4",
		Plan: media.SegmentedStream{
			SegmentURLs: []string{srv.URL + "/seg-0", srv.URL + "/seg-1", srv.URL + "/seg-2"},
			Container:   "mp4",
		},
	}

	require.NoError(t, h.run(context.Background(), t, task))

	content := string(h.readFile(t, "out/s.mp4"))
	assert.Equal(t, strings.Repeat("a", 10)+strings.Repeat("b", 10)+strings.Repeat("c", 10), content)

	completed := h.eventsOf(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(30), completed[0].Bytes)
}

func TestEngine_SegmentFailureFailsWholeTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/seg-1" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		fmt.Fprint(w, strings.Repeat("a", 10))
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 2)

	task := &Task{
		Title: "Broken",
		Dest:  "out/s.mp4",
		Plan: media.SegmentedStream{
			SegmentURLs: []string{srv.URL + "/seg-0", srv.URL + "/seg-1"},
		},
	}

	require.NoError(t, h.run(context.Background(), t, task))

	assert.False(t, h.exists("out/s.mp4"))
	assert.False(t, h.exists("out/s.mp4"+layout.TempSuffix))
	require.Len(t, h.eventsOf(EventFailed), 1)
}

func TestEngine_FailureIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		fmt.Fprint(w, strings.Repeat("g", 20))
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 2)

	good := singleTask("out/good.mp4", srv.URL+"/good", 20)
	bad := singleTask("out/bad.mp4", srv.URL+"/bad", 20)

	require.NoError(t, h.run(context.Background(), t, good, bad))

	assert.True(t, h.exists("out/good.mp4"))
	assert.False(t, h.exists("out/bad.mp4"))

	require.Len(t, h.eventsOf(EventCompleted), 1)

	failed := h.eventsOf(EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "out/bad.mp4", failed[0].Task.Dest)
	assert.Equal(t, 1, failed[0].Task.Attempts, "client rejections are not retried")
}

func TestEngine_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		fmt.Fprint(w, strings.Repeat("r", 10))
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 3)

	require.NoError(t, h.run(context.Background(), t, singleTask("out/a.mp4", srv.URL, 10)))

	require.Len(t, h.eventsOf(EventCompleted), 1)
	assert.Equal(t, int64(2), hits.Load())
}

func TestEngine_CancellationLeavesNoFinalNames(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("p", 10))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, srv.Client(), 1)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := h.run(ctx, t, singleTask("out/a.mp4", srv.URL, 1000))
	require.NoError(t, err)

	assert.False(t, h.exists("out/a.mp4"))
	assert.Empty(t, h.eventsOf(EventCompleted))
}

func TestEngine_SubmitAfterCancellationDoesNotPanic(t *testing.T) {
	h := newHarness(t, http.DefaultClient, 1)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- h.eng.Run(ctx)
	}()

	cancel()
	require.NoError(t, <-done)

	// The pipeline may still be walking the course when the interrupt
	// lands; a late submission must fail cleanly, never panic.
	err := h.eng.Submit(ctx, singleTask("out/late.mp4", "http://unused", 10))

	require.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RejectsNonFetchablePlans(t *testing.T) {
	h := newHarness(t, http.DefaultClient, 1)

	err := h.eng.Submit(context.Background(), &Task{
		Title: "Locked",
		Dest:  "out/a.mp4",
		Plan:  media.Excluded{Reason: "protected"},
	})

	require.Error(t, err)
}

// TestEngine_TwoChapterCourse mirrors a small course end to end: one
// progressive lecture and one segmented lecture, placed through the layout.
func TestEngine_TwoChapterCourse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/video.mp4":
			fmt.Fprint(w, strings.Repeat("v", 200))
		case strings.HasPrefix(r.URL.Path, "/seg-"):
			fmt.Fprint(w, strings.Repeat(r.URL.Path[len("/seg-"):], 10))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), 2)

	c := &course.CourseNode{Title: "CourseTitle"}
	chapterA := &course.ChapterNode{Title: "ChapterA", Position: 1, Lectures: []*course.LectureNode{{Title: "LectureX", Position: 1}}}
	chapterB := &course.ChapterNode{Title: "ChapterB", Position: 2, Lectures: []*course.LectureNode{{Title: "LectureY", Position: 1}}}
	c.Chapters = []*course.ChapterNode{chapterA, chapterB}

	taskX := &Task{
		Title: "LectureX",
		Dest:  h.lay.DestinationFor(c, chapterA, chapterA.Lectures[0], "mp4"),
		Plan:  media.SingleFile{URL: srv.URL + "/video.mp4", Size: 200, Ext: "mp4"},
	}
	taskY := &Task{
		Title: "LectureY",
		Dest:  h.lay.DestinationFor(c, chapterB, chapterB.Lectures[0], "mp4"),
		Plan: media.SegmentedStream{
			SegmentURLs: []string{srv.URL + "/seg-a", srv.URL + "/seg-b", srv.URL + "/seg-c"},
			Container:   "mp4",
		},
	}

	require.NoError(t, h.run(context.Background(), t, taskX, taskY))

	x := h.readFile(t, "out/CourseTitle/1_ChapterA/1_LectureX.mp4")
	assert.Len(t, x, 200)

	y := h.readFile(t, "out/CourseTitle/2_ChapterB/1_LectureY.mp4")
	assert.Equal(t, strings.Repeat("a", 10)+strings.Repeat("b", 10)+strings.Repeat("c", 10), string(y))

	require.Len(t, h.eventsOf(EventCompleted), 2)
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(http.StatusOK, "u"))
	assert.NoError(t, classifyStatus(http.StatusPartialContent, "u"))

	transient := classifyStatus(http.StatusServiceUnavailable, "u")
	require.Error(t, transient)
	assert.False(t, retry.IsPermanent(transient))

	rateLimited := classifyStatus(http.StatusTooManyRequests, "u")
	require.Error(t, rateLimited)
	assert.False(t, retry.IsPermanent(rateLimited))

	permanent := classifyStatus(http.StatusForbidden, "u")
	require.Error(t, permanent)
	assert.True(t, retry.IsPermanent(permanent))
}
