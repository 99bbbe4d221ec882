package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
	"github.com/tsundoku-io/tsundoku/internal/storage/memory"
)

type fakeResolver struct {
	pages       []string
	pagesErr    error
	chapters    []engine.ChapterPage
	chaptersErr error
	attempted   int
	failed      int
	refreshErr  error
}

func (f *fakeResolver) ChapterList(_ context.Context, _, _ string, page, _ int) (engine.ChapterPage, error) {
	if f.chaptersErr != nil {
		return engine.ChapterPage{}, f.chaptersErr
	}
	if page < 1 || page > len(f.chapters) {
		return engine.ChapterPage{}, nil
	}
	return f.chapters[page-1], nil
}

func (f *fakeResolver) PageList(context.Context, string, string, string) ([]string, error) {
	return f.pages, f.pagesErr
}

func (f *fakeResolver) RefreshDue(context.Context, int) (int, int, error) {
	return f.attempted, f.failed, f.refreshErr
}

type fakeFetcher struct {
	failFor string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	if f.failFor != "" && strings.Contains(url, f.failFor) {
		return nil, "", errors.New("connection reset")
	}
	return []byte("page-bytes"), "image/jpeg", nil
}

type fakeSubmitter struct {
	requests []scheduler.SubmitRequest
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req scheduler.SubmitRequest) (engine.Job, error) {
	if f.err != nil {
		return engine.Job{}, f.err
	}
	f.requests = append(f.requests, req)
	return engine.Job{ID: fmt.Sprintf("child-%d", len(f.requests))}, nil
}

type reportCapture struct {
	processed, total, successful, failed int
	calls                                int
}

func (r *reportCapture) fn() scheduler.ProgressFunc {
	return func(processed, total, successful, failed int) {
		r.processed, r.total, r.successful, r.failed = processed, total, successful, failed
		r.calls++
	}
}

func chapterJob() *engine.Job {
	return &engine.Job{
		ID:   "job-1",
		Type: engine.JobTypeDownload,
		Payload: map[string]any{
			"indexer":    "source-a",
			"source_id":  "a-1",
			"chapter_id": "ch-12",
		},
	}
}

func TestDownloadChapterStoresPages(t *testing.T) {
	blobs := memory.NewBlobStore()
	d := Deps{
		Resolver: &fakeResolver{pages: []string{
			"https://cdn.example/a/1.png",
			"https://cdn.example/a/2.png",
			"https://cdn.example/a/3.png",
		}},
		Blobs:   blobs,
		Fetcher: &fakeFetcher{},
	}
	var report reportCapture

	err := d.downloadChapter(context.Background(), chapterJob(), report.fn())
	require.NoError(t, err)

	assert.Equal(t, 3, blobs.Len())
	assert.Equal(t, 3, report.processed)
	assert.Equal(t, 3, report.successful)
	assert.Equal(t, 0, report.failed)

	data, contentType, ok := blobs.GetObject("source-a/a-1/ch-12/0001.png")
	require.True(t, ok)
	assert.Equal(t, "page-bytes", string(data))
	assert.Equal(t, "image/jpeg", contentType)
}

func TestDownloadChapterToleratesPageFailures(t *testing.T) {
	blobs := memory.NewBlobStore()
	d := Deps{
		Resolver: &fakeResolver{pages: []string{
			"https://cdn.example/a/1.png",
			"https://cdn.example/a/broken.png",
			"https://cdn.example/a/3.png",
		}},
		Blobs:   blobs,
		Fetcher: &fakeFetcher{failFor: "broken"},
	}
	var report reportCapture

	err := d.downloadChapter(context.Background(), chapterJob(), report.fn())
	require.NoError(t, err, "page failures degrade, they do not abort")

	assert.Equal(t, 2, blobs.Len())
	assert.Equal(t, 2, report.successful)
	assert.Equal(t, 1, report.failed)
}

func TestDownloadChapterMissingPayload(t *testing.T) {
	d := Deps{Resolver: &fakeResolver{}, Blobs: memory.NewBlobStore(), Fetcher: &fakeFetcher{}}
	job := chapterJob()
	delete(job.Payload, "chapter_id")

	var report reportCapture
	err := d.downloadChapter(context.Background(), job, report.fn())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chapter_id")
}

func TestDownloadSeriesSpawnsChildren(t *testing.T) {
	sub := &fakeSubmitter{}
	d := Deps{
		Resolver: &fakeResolver{chapters: []engine.ChapterPage{
			{Items: []engine.ChapterInfo{{ID: "ch-1"}, {ID: "ch-2"}}, HasMore: true},
			{Items: []engine.ChapterInfo{{ID: "ch-3"}}},
		}},
		Submitter: sub,
	}
	parent := &engine.Job{
		ID: "parent-1", Type: engine.JobTypeDownloadSeries, Priority: engine.PriorityHigh,
		Payload: map[string]any{"indexer": "source-a", "source_id": "a-1"},
	}
	var report reportCapture

	err := d.downloadSeries(context.Background(), parent, report.fn())
	assert.ErrorIs(t, err, scheduler.ErrAwaitChildren)

	require.Len(t, sub.requests, 3)
	for i, req := range sub.requests {
		assert.Equal(t, engine.JobTypeDownload, req.Type)
		assert.Equal(t, engine.PriorityHigh, req.Priority, "children inherit the parent's priority")
		assert.Equal(t, "parent-1", req.ParentID)
		assert.Equal(t, fmt.Sprintf("ch-%d", i+1), req.Payload["chapter_id"])
	}
	assert.Equal(t, 3, report.total)
}

func TestDownloadSeriesNoChapters(t *testing.T) {
	d := Deps{Resolver: &fakeResolver{}, Submitter: &fakeSubmitter{}}
	parent := &engine.Job{
		ID: "parent-1", Type: engine.JobTypeDownloadSeries,
		Payload: map[string]any{"indexer": "source-a", "source_id": "a-1"},
	}
	var report reportCapture

	err := d.downloadSeries(context.Background(), parent, report.fn())
	require.NoError(t, err, "an empty series completes immediately")
	assert.Equal(t, 0, report.total)
}

func TestDownloadSeriesAllSubmissionsRejected(t *testing.T) {
	d := Deps{
		Resolver: &fakeResolver{chapters: []engine.ChapterPage{
			{Items: []engine.ChapterInfo{{ID: "ch-1"}}},
		}},
		Submitter: &fakeSubmitter{err: scheduler.ErrQueueFull},
	}
	parent := &engine.Job{
		ID: "parent-1", Type: engine.JobTypeDownloadSeries,
		Payload: map[string]any{"indexer": "source-a", "source_id": "a-1"},
	}
	var report reportCapture

	err := d.downloadSeries(context.Background(), parent, report.fn())
	require.Error(t, err)
	assert.NotErrorIs(t, err, scheduler.ErrAwaitChildren)
}

func TestOrganizeRefreshesDueEntries(t *testing.T) {
	d := Deps{Resolver: &fakeResolver{attempted: 5, failed: 2}}
	job := &engine.Job{ID: "job-1", Type: engine.JobTypeOrganize, Payload: map[string]any{"limit": 10}}
	var report reportCapture

	err := d.organize(context.Background(), job, report.fn())
	require.NoError(t, err)
	assert.Equal(t, 5, report.total)
	assert.Equal(t, 3, report.successful)
	assert.Equal(t, 2, report.failed)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 0)

	data, contentType, err := f.Fetch(context.Background(), srv.URL+"/page.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", contentType)

	_, _, err = f.Fetch(context.Background(), srv.URL+"/missing.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestPageExt(t *testing.T) {
	assert.Equal(t, ".png", pageExt("https://cdn.example/x/1.png"))
	assert.Equal(t, ".jpg", pageExt("https://cdn.example/x/no-extension"))
	assert.Equal(t, ".webp", pageExt("https://cdn.example/x/1.webp?token=abc"))
}
