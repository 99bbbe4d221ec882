// Package rest implements a source adapter for MangaDex-style JSON APIs.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

const defaultPageLimit = 50

// Config describes one REST source.
type Config struct {
	Name    string
	Tier    engine.Tier
	BaseURL string
	Timeout time.Duration
	// PageLimit caps items per upstream request.
	PageLimit int
}

// Adapter talks to a MangaDex-compatible HTTP API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New constructs the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("adapter name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("adapter base url is required")
	}
	if cfg.Tier == 0 {
		cfg.Tier = engine.TierSecondary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements engine.Adapter.
func (a *Adapter) Name() string { return a.cfg.Name }

// Tier implements engine.Adapter.
func (a *Adapter) Tier() engine.Tier { return a.cfg.Tier }

// Capabilities implements engine.Adapter.
func (a *Adapter) Capabilities() []engine.Capability {
	return []engine.Capability{
		engine.CapabilitySearch,
		engine.CapabilityDetails,
		engine.CapabilityChapterList,
		engine.CapabilityPageList,
		engine.CapabilityHealthProbe,
	}
}

type seriesEnvelope struct {
	Data   []seriesData `json:"data"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Total  int          `json:"total"`
}

type seriesData struct {
	ID         string `json:"id"`
	Attributes struct {
		Title         map[string]string   `json:"title"`
		AltTitles     []map[string]string `json:"altTitles"`
		Description   map[string]string   `json:"description"`
		Status        string              `json:"status"`
		Year          int                 `json:"year"`
		ContentRating string              `json:"contentRating"`
		Tags          []struct {
			Attributes struct {
				Name  map[string]string `json:"name"`
				Group string            `json:"group"`
			} `json:"attributes"`
		} `json:"tags"`
	} `json:"attributes"`
	Relationships []struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Name     string `json:"name"`
			FileName string `json:"fileName"`
		} `json:"attributes"`
	} `json:"relationships"`
}

// Search implements engine.Adapter.
func (a *Adapter) Search(ctx context.Context, q engine.SearchQuery) (engine.SearchPage, error) {
	limit := q.Limit
	if limit <= 0 || limit > a.cfg.PageLimit {
		limit = a.cfg.PageLimit
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	params := url.Values{}
	params.Set("title", q.Query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa((page-1)*limit))
	params.Add("includes[]", "author")
	params.Add("includes[]", "artist")
	params.Add("includes[]", "cover_art")

	var envelope seriesEnvelope
	if err := a.getJSON(ctx, "/manga?"+params.Encode(), &envelope); err != nil {
		return engine.SearchPage{}, err
	}

	out := engine.SearchPage{Total: envelope.Total}
	for _, item := range envelope.Data {
		record, ok := a.toRecord(item)
		if !ok {
			continue
		}
		out.Items = append(out.Items, record)
	}
	out.HasMore = envelope.Offset+len(envelope.Data) < envelope.Total
	return out, nil
}

// GetDetails implements engine.Adapter.
func (a *Adapter) GetDetails(ctx context.Context, sourceID string) (engine.SeriesRecord, error) {
	if sourceID == "" {
		return engine.SeriesRecord{}, fmt.Errorf("source id is required")
	}
	var envelope struct {
		Data seriesData `json:"data"`
	}
	path := "/manga/" + url.PathEscape(sourceID) +
		"?includes[]=author&includes[]=artist&includes[]=cover_art"
	if err := a.getJSON(ctx, path, &envelope); err != nil {
		return engine.SeriesRecord{}, err
	}
	record, ok := a.toRecord(envelope.Data)
	if !ok {
		return engine.SeriesRecord{}, fmt.Errorf("series %s: %w", sourceID, engine.ErrNotFound)
	}
	return record, nil
}

type chapterEnvelope struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Title              string `json:"title"`
			Chapter            string `json:"chapter"`
			Volume             string `json:"volume"`
			TranslatedLanguage string `json:"translatedLanguage"`
			PublishAt          string `json:"publishAt"`
		} `json:"attributes"`
	} `json:"data"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// GetChapterList implements engine.Adapter.
func (a *Adapter) GetChapterList(ctx context.Context, sourceID string, page, limit int) (engine.ChapterPage, error) {
	if sourceID == "" {
		return engine.ChapterPage{}, fmt.Errorf("source id is required")
	}
	if limit <= 0 || limit > a.cfg.PageLimit {
		limit = a.cfg.PageLimit
	}
	if page < 1 {
		page = 1
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa((page-1)*limit))
	params.Set("order[chapter]", "asc")

	var envelope chapterEnvelope
	path := "/manga/" + url.PathEscape(sourceID) + "/feed?" + params.Encode()
	if err := a.getJSON(ctx, path, &envelope); err != nil {
		return engine.ChapterPage{}, err
	}

	out := engine.ChapterPage{Total: envelope.Total}
	for _, item := range envelope.Data {
		number, _ := strconv.ParseFloat(item.Attributes.Chapter, 64)
		info := engine.ChapterInfo{
			ID:       item.ID,
			Title:    item.Attributes.Title,
			Number:   number,
			Volume:   item.Attributes.Volume,
			Language: item.Attributes.TranslatedLanguage,
		}
		if ts, err := time.Parse(time.RFC3339, item.Attributes.PublishAt); err == nil {
			info.Published = ts
		}
		out.Items = append(out.Items, info)
	}
	out.HasMore = envelope.Offset+len(envelope.Data) < envelope.Total
	return out, nil
}

// GetPageList implements engine.Adapter.
func (a *Adapter) GetPageList(ctx context.Context, _, chapterID string) ([]string, error) {
	if chapterID == "" {
		return nil, fmt.Errorf("chapter id is required")
	}
	var envelope struct {
		BaseURL string `json:"baseUrl"`
		Chapter struct {
			Hash string   `json:"hash"`
			Data []string `json:"data"`
		} `json:"chapter"`
	}
	if err := a.getJSON(ctx, "/at-home/server/"+url.PathEscape(chapterID), &envelope); err != nil {
		return nil, err
	}

	pages := make([]string, 0, len(envelope.Chapter.Data))
	for _, file := range envelope.Chapter.Data {
		pages = append(pages, fmt.Sprintf("%s/data/%s/%s", envelope.BaseURL, envelope.Chapter.Hash, file))
	}
	return pages, nil
}

// HealthProbe implements engine.Adapter. It hits the ping endpoint with its
// own timeout so a hung upstream cannot stall the sweep.
func (a *Adapter) HealthProbe(ctx context.Context, timeout time.Duration) engine.ProbeResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := a.getJSON(ctx, "/ping", nil)
	result := engine.ProbeResult{OK: err == nil, Latency: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", a.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", a.cfg.Name, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", a.cfg.Name, engine.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", a.cfg.Name, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", a.cfg.Name, err)
	}
	return nil
}

// toRecord maps one upstream series to the adapter contract. Series without
// an id or any title are dropped.
func (a *Adapter) toRecord(item seriesData) (engine.SeriesRecord, bool) {
	if item.ID == "" {
		return engine.SeriesRecord{}, false
	}
	title := pickLang(item.Attributes.Title, "en")
	if title == "" {
		for _, v := range item.Attributes.Title {
			title = v
			break
		}
	}
	if title == "" {
		return engine.SeriesRecord{}, false
	}

	record := engine.SeriesRecord{
		Indexer:       a.cfg.Name,
		SourceID:      item.ID,
		Title:         title,
		Description:   pickLang(item.Attributes.Description, "en"),
		PubStatus:     normalizeStatus(item.Attributes.Status),
		Year:          item.Attributes.Year,
		ContentRating: item.Attributes.ContentRating,
		Tier:          a.cfg.Tier,
	}

	for _, alt := range item.Attributes.AltTitles {
		for lang, v := range alt {
			v = strings.TrimSpace(v)
			if v == "" || v == title {
				continue
			}
			if record.AltTitles == nil {
				record.AltTitles = make(map[string]string)
			}
			if _, ok := record.AltTitles[lang]; !ok {
				record.AltTitles[lang] = v
			}
		}
	}

	for _, tag := range item.Attributes.Tags {
		name := pickLang(tag.Attributes.Name, "en")
		if name == "" {
			continue
		}
		switch tag.Attributes.Group {
		case "genre":
			record.Genres = append(record.Genres, name)
		case "theme":
			record.Themes = append(record.Themes, name)
		default:
			record.Tags = append(record.Tags, name)
		}
	}

	var coverFile string
	for _, rel := range item.Relationships {
		switch rel.Type {
		case "author":
			if rel.Attributes.Name != "" {
				record.Authors = append(record.Authors, rel.Attributes.Name)
			}
		case "artist":
			if rel.Attributes.Name != "" {
				record.Artists = append(record.Artists, rel.Attributes.Name)
			}
		case "cover_art":
			if coverFile == "" {
				coverFile = rel.Attributes.FileName
			}
		}
	}
	if coverFile != "" {
		record.CoverURL = fmt.Sprintf("%s/covers/%s/%s", a.cfg.BaseURL, item.ID, coverFile)
	}
	return record, true
}

func pickLang(m map[string]string, lang string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[lang])
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancelled", "canceled":
		return "cancelled"
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}
