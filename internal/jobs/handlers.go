// Package jobs wires the scheduler's job types to the resolver and storage
// layers: chapter downloads, series fan-out, and library maintenance.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
)

const chapterPageSize = 100

// Submitter enqueues child jobs. The scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (engine.Job, error)
}

// Resolver is the slice of the tiered resolver the handlers need.
type Resolver interface {
	ChapterList(ctx context.Context, indexer, sourceID string, page, limit int) (engine.ChapterPage, error)
	PageList(ctx context.Context, indexer, sourceID, chapterID string) ([]string, error)
	RefreshDue(ctx context.Context, limit int) (attempted, failed int, err error)
}

// Deps carries everything the job handlers touch.
type Deps struct {
	Resolver  Resolver
	Blobs     engine.BlobStore
	Fetcher   PageFetcher
	Submitter Submitter
	Logger    *zap.Logger
}

func (d Deps) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Register installs the download, series fan-out, and maintenance handlers.
// The health-check handler is registered separately by the health monitor.
func Register(s *scheduler.Scheduler, d Deps) {
	s.RegisterHandler(engine.JobTypeDownload, scheduler.HandlerFunc(d.downloadChapter))
	s.RegisterHandler(engine.JobTypeDownloadSeries, scheduler.HandlerFunc(d.downloadSeries))
	s.RegisterHandler(engine.JobTypeOrganize, scheduler.HandlerFunc(d.organize))
}

// downloadChapter resolves a chapter's page list and stores every page in the
// blob store. Individual page failures are tolerated; the scheduler grades
// the job from the success and failure counts.
func (d Deps) downloadChapter(ctx context.Context, job *engine.Job, report scheduler.ProgressFunc) error {
	indexer, err := payloadString(job, "indexer")
	if err != nil {
		return err
	}
	sourceID, err := payloadString(job, "source_id")
	if err != nil {
		return err
	}
	chapterID, err := payloadString(job, "chapter_id")
	if err != nil {
		return err
	}

	pages, err := d.Resolver.PageList(ctx, indexer, sourceID, chapterID)
	if err != nil {
		return fmt.Errorf("resolve page list: %w", err)
	}

	total := len(pages)
	report(0, total, 0, 0)

	var successful, failed int
	for i, pageURL := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.storePage(ctx, indexer, sourceID, chapterID, i, pageURL); err != nil {
			failed++
			d.log().Warn("page download failed",
				zap.String("job_id", job.ID),
				zap.String("chapter_id", chapterID),
				zap.Int("page", i+1),
				zap.Error(err))
		} else {
			successful++
		}
		report(i+1, total, successful, failed)
	}
	return nil
}

func (d Deps) storePage(ctx context.Context, indexer, sourceID, chapterID string, index int, pageURL string) error {
	data, contentType, err := d.Fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return err
	}
	objectPath := fmt.Sprintf("%s/%s/%s/%04d%s", indexer, sourceID, chapterID, index+1, pageExt(pageURL))
	if _, err := d.Blobs.PutObject(ctx, objectPath, contentType, data); err != nil {
		return fmt.Errorf("store page: %w", err)
	}
	return nil
}

// pageExt extracts the file extension from a page URL, defaulting to .jpg
// when the URL carries none.
func pageExt(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ".jpg"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".jpg"
}

// downloadSeries walks the full chapter list and spawns one child download
// job per chapter, then parks until the children finish.
func (d Deps) downloadSeries(ctx context.Context, job *engine.Job, report scheduler.ProgressFunc) error {
	indexer, err := payloadString(job, "indexer")
	if err != nil {
		return err
	}
	sourceID, err := payloadString(job, "source_id")
	if err != nil {
		return err
	}

	var chapters []engine.ChapterInfo
	for page := 1; ; page++ {
		chapterPage, err := d.Resolver.ChapterList(ctx, indexer, sourceID, page, chapterPageSize)
		if err != nil {
			return fmt.Errorf("resolve chapter list page %d: %w", page, err)
		}
		chapters = append(chapters, chapterPage.Items...)
		if !chapterPage.HasMore {
			break
		}
	}

	if len(chapters) == 0 {
		report(0, 0, 0, 0)
		return nil
	}

	var spawned, failed int
	for _, chapter := range chapters {
		_, err := d.Submitter.Submit(ctx, scheduler.SubmitRequest{
			Type:     engine.JobTypeDownload,
			Priority: job.Priority,
			ParentID: job.ID,
			Payload: map[string]any{
				"indexer":    indexer,
				"source_id":  sourceID,
				"chapter_id": chapter.ID,
			},
		})
		if err != nil {
			failed++
			d.log().Warn("spawn chapter download failed",
				zap.String("job_id", job.ID),
				zap.String("chapter_id", chapter.ID),
				zap.Error(err))
			continue
		}
		spawned++
	}

	if spawned == 0 {
		return errors.New("no chapter downloads could be enqueued")
	}
	// Only spawned children report back; rejected ones count as failures now.
	report(failed, spawned+failed, 0, failed)
	return scheduler.ErrAwaitChildren
}

// organize refreshes stale canonical entries in bulk.
func (d Deps) organize(ctx context.Context, job *engine.Job, report scheduler.ProgressFunc) error {
	limit := payloadInt(job, "limit", 50)

	attempted, failed, err := d.Resolver.RefreshDue(ctx, limit)
	if err != nil {
		return fmt.Errorf("refresh due entries: %w", err)
	}
	report(attempted, attempted, attempted-failed, failed)
	return nil
}

func payloadString(job *engine.Job, key string) (string, error) {
	v, ok := job.Payload[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("job payload missing required field %q", key)
	}
	return v, nil
}

func payloadInt(job *engine.Job, key string, fallback int) int {
	switch v := job.Payload[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
