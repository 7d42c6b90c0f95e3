package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coursepull/coursepull/internal/course"
	"github.com/coursepull/coursepull/internal/engine"
	"github.com/coursepull/coursepull/internal/layout"
	"github.com/coursepull/coursepull/internal/media"
	"github.com/coursepull/coursepull/internal/platform"
	"github.com/coursepull/coursepull/internal/report"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves both the structure listing and manifest reads.
type fakeAPI struct {
	summary platform.CourseSummary
	items   []platform.CurriculumItem
}

func (f *fakeAPI) Course(ctx context.Context, courseID int64) (*platform.CourseSummary, error) {
	return &f.summary, nil
}

func (f *fakeAPI) CurriculumPage(ctx context.Context, courseID int64, page int) (*platform.CurriculumPage, error) {
	return &platform.CurriculumPage{Items: f.items, Count: len(f.items)}, nil
}

func (f *fakeAPI) FetchText(ctx context.Context, rawurl string) (string, error) {
	return "", fmt.Errorf("no manifest at %s", rawurl)
}

// runCourse drives one full course through the pipeline with a live engine.
func runCourse(t *testing.T, api *fakeAPI, hc *http.Client, fs afero.Fs) *report.Reporter {
	t.Helper()

	lay := layout.New(fs, "out")
	eng := engine.New(hc, lay, 2, 1)
	rep := report.New(nil, nil, nil)

	reporterDone := make(chan struct{})

	go func() {
		rep.Consume(context.Background(), eng.Events)
		close(reporterDone)
	}()

	engineDone := make(chan error, 1)

	go func() {
		engineDone <- eng.Run(context.Background())
	}()

	pipe := New(course.NewTree(api, 1), media.NewResolver(api), eng, lay, rep, false)

	require.NoError(t, pipe.ProcessCourse(context.Background(), 42))

	eng.Close()
	require.NoError(t, <-engineDone)
	<-reporterDone

	return rep
}

func TestProcessCourse_MixedLectures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v.mp4":
			fmt.Fprint(w, strings.Repeat("v", 20))
		case "/cap.vtt":
			fmt.Fprint(w, "WEBVTT\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	api := &fakeAPI{
		summary: platform.CourseSummary{ID: 42, Title: "Course"},
		items: []platform.CurriculumItem{
			{ID: 1, Class: platform.ClassChapter, Title: "Chapter", ObjectIndex: 1},
			{ID: 2, Class: platform.ClassLecture, Title: "Video", ObjectIndex: 2, Asset: &platform.Asset{
				AssetType: platform.AssetVideo,
				FileSize:  20,
				StreamURLs: &platform.StreamURLs{Video: []platform.VideoSource{
					{Type: platform.SourceMP4, Label: "720", File: srv.URL + "/v.mp4"},
				}},
				Captions: []platform.Caption{{FileName: "en.vtt", URL: srv.URL + "/cap.vtt"}},
			}},
			{ID: 3, Class: platform.ClassLecture, Title: "Locked", ObjectIndex: 3, Asset: &platform.Asset{
				AssetType:         platform.AssetVideo,
				MediaLicenseToken: "license",
			}},
			{ID: 4, Class: platform.ClassLecture, Title: "Reading", ObjectIndex: 4, Asset: &platform.Asset{
				AssetType: platform.AssetArticle,
				Body:      "<p>read me</p>",
			}},
		},
	}

	fs := afero.NewMemMapFs()
	rep := runCourse(t, api, srv.Client(), fs)

	video, err := afero.ReadFile(fs, "out/Course/1_Chapter/1_Video.mp4")
	require.NoError(t, err)
	assert.Len(t, video, 20)

	caption, err := afero.ReadFile(fs, "out/Course/1_Chapter/1_Video_en.vtt")
	require.NoError(t, err)
	assert.Equal(t, "WEBVTT\n", string(caption))

	article, err := afero.ReadFile(fs, "out/Course/1_Chapter/3_Reading.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>read me</p>", string(article))

	// The protected lecture produced no file anywhere.
	locked, err := afero.Glob(fs, "out/Course/1_Chapter/2_Locked*")
	require.NoError(t, err)
	assert.Empty(t, locked)

	progress := rep.Snapshot()
	assert.Equal(t, 3, progress.Completed, "video, caption and article")
	assert.Equal(t, 1, progress.Skipped, "protected lecture")
	assert.Equal(t, 0, progress.Failed)
}

func TestProcessCourse_DuplicateExtraDestinationsDropped(t *testing.T) {
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++

		fmt.Fprint(w, "data")
	}))
	defer srv.Close()

	api := &fakeAPI{
		summary: platform.CourseSummary{ID: 42, Title: "Course"},
		items: []platform.CurriculumItem{
			{ID: 1, Class: platform.ClassChapter, Title: "Chapter", ObjectIndex: 1},
			{ID: 2, Class: platform.ClassLecture, Title: "Lecture", ObjectIndex: 2,
				Asset: &platform.Asset{AssetType: platform.AssetArticle, Body: "x"},
				SupplementaryAssets: []platform.Asset{
					{AssetType: platform.AssetFile, Title: "notes.pdf", DownloadURLs: &platform.DownloadURLs{
						File: []platform.FileSource{{File: srv.URL + "/a.pdf"}},
					}},
					{AssetType: platform.AssetFile, Title: "notes.pdf", DownloadURLs: &platform.DownloadURLs{
						File: []platform.FileSource{{File: srv.URL + "/b.pdf"}},
					}},
				},
			},
		},
	}

	fs := afero.NewMemMapFs()
	runCourse(t, api, srv.Client(), fs)

	assert.Equal(t, 1, hits, "the second claim on the same destination is dropped")

	data, err := afero.ReadFile(fs, "out/Course/1_Chapter/1_Lecture_notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestProcessCourse_SkipSupplementary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data")
	}))
	defer srv.Close()

	api := &fakeAPI{
		summary: platform.CourseSummary{ID: 42, Title: "Course"},
		items: []platform.CurriculumItem{
			{ID: 1, Class: platform.ClassChapter, Title: "Chapter", ObjectIndex: 1},
			{ID: 2, Class: platform.ClassLecture, Title: "Lecture", ObjectIndex: 2,
				Asset: &platform.Asset{AssetType: platform.AssetArticle, Body: "x"},
				SupplementaryAssets: []platform.Asset{
					{AssetType: platform.AssetFile, Title: "notes.pdf", DownloadURLs: &platform.DownloadURLs{
						File: []platform.FileSource{{File: srv.URL + "/a.pdf"}},
					}},
				},
			},
		},
	}

	fs := afero.NewMemMapFs()
	lay := layout.New(fs, "out")
	eng := engine.New(srv.Client(), lay, 1, 1)
	rep := report.New(nil, nil, nil)

	reporterDone := make(chan struct{})

	go func() {
		rep.Consume(context.Background(), eng.Events)
		close(reporterDone)
	}()

	engineDone := make(chan error, 1)

	go func() {
		engineDone <- eng.Run(context.Background())
	}()

	pipe := New(course.NewTree(api, 1), media.NewResolver(api), eng, lay, rep, true)

	require.NoError(t, pipe.ProcessCourse(context.Background(), 42))

	eng.Close()
	require.NoError(t, <-engineDone)
	<-reporterDone

	exists, _ := afero.Exists(fs, "out/Course/1_Chapter/1_Lecture_notes.pdf")
	assert.False(t, exists)
}

func TestProcessCourse_ArticleIdempotent(t *testing.T) {
	api := &fakeAPI{
		summary: platform.CourseSummary{ID: 42, Title: "Course"},
		items: []platform.CurriculumItem{
			{ID: 1, Class: platform.ClassChapter, Title: "Chapter", ObjectIndex: 1},
			{ID: 2, Class: platform.ClassLecture, Title: "Reading", ObjectIndex: 2, Asset: &platform.Asset{
				AssetType: platform.AssetArticle,
				Body:      "<p>new body</p>",
			}},
		},
	}

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "out/Course/1_Chapter/1_Reading.html", []byte("old"), 0o644))

	rep := runCourse(t, api, http.DefaultClient, fs)

	data, err := afero.ReadFile(fs, "out/Course/1_Chapter/1_Reading.html")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "existing output is never rewritten")

	assert.Equal(t, 1, rep.Snapshot().Skipped)
}
