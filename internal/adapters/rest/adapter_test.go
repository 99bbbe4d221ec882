package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

const searchBody = `{
	"data": [
		{
			"id": "uuid-1",
			"attributes": {
				"title": {"en": "Fullmetal Alchemist"},
				"altTitles": [{"ja": "Hagane no Renkinjutsushi"}],
				"description": {"en": "Two brothers."},
				"status": "completed",
				"year": 2001,
				"contentRating": "safe",
				"tags": [
					{"attributes": {"name": {"en": "Action"}, "group": "genre"}},
					{"attributes": {"name": {"en": "Military"}, "group": "theme"}}
				]
			},
			"relationships": [
				{"id": "r1", "type": "author", "attributes": {"name": "Hiromu Arakawa"}},
				{"id": "r2", "type": "cover_art", "attributes": {"fileName": "cover.jpg"}}
			]
		},
		{
			"id": "",
			"attributes": {"title": {"en": "Dropped, no id"}}
		}
	],
	"limit": 50,
	"offset": 0,
	"total": 2
}`

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := New(Config{
		Name:    "source-b",
		Tier:    engine.TierSecondary,
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return a
}

func TestSearchMapsSeries(t *testing.T) {
	var gotPath string
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "fullmetal", r.URL.Query().Get("title"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchBody))
	}))

	page, err := a.Search(context.Background(), engine.SearchQuery{Query: "fullmetal"})
	require.NoError(t, err)
	assert.Equal(t, "/manga", gotPath)
	require.Len(t, page.Items, 1, "entries without an id are dropped")
	assert.Equal(t, 2, page.Total)
	assert.False(t, page.HasMore)

	rec := page.Items[0]
	assert.Equal(t, "source-b", rec.Indexer)
	assert.Equal(t, "uuid-1", rec.SourceID)
	assert.Equal(t, "Fullmetal Alchemist", rec.Title)
	assert.Equal(t, "Hagane no Renkinjutsushi", rec.AltTitles["ja"])
	assert.Equal(t, "completed", rec.PubStatus)
	assert.Equal(t, 2001, rec.Year)
	assert.Equal(t, []string{"Action"}, rec.Genres)
	assert.Equal(t, []string{"Military"}, rec.Themes)
	assert.Equal(t, []string{"Hiromu Arakawa"}, rec.Authors)
	assert.Contains(t, rec.CoverURL, "/covers/uuid-1/cover.jpg")
	assert.Equal(t, engine.TierSecondary, rec.Tier)
}

func TestGetDetailsNotFound(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := a.GetDetails(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestGetChapterListPaging(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/manga/uuid-1/feed", r.URL.Path)
		assert.Equal(t, "asc", r.URL.Query().Get("order[chapter]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [
				{"id": "ch-1", "attributes": {"title": "Beginning", "chapter": "1", "volume": "1", "translatedLanguage": "en", "publishAt": "2020-01-01T00:00:00Z"}},
				{"id": "ch-2", "attributes": {"chapter": "1.5", "translatedLanguage": "en"}}
			],
			"limit": 2, "offset": 0, "total": 10
		}`))
	}))

	page, err := a.GetChapterList(context.Background(), "uuid-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 1.0, page.Items[0].Number)
	assert.Equal(t, 1.5, page.Items[1].Number)
	assert.Equal(t, 2020, page.Items[0].Published.Year())
}

func TestGetPageListBuildsURLs(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/at-home/server/ch-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"baseUrl": "https://node.example",
			"chapter": {"hash": "abc", "data": ["1.png", "2.png"]}
		}`))
	}))

	pages, err := a.GetPageList(context.Background(), "uuid-1", "ch-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://node.example/data/abc/1.png",
		"https://node.example/data/abc/2.png",
	}, pages)
}

func TestHealthProbe(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/ping", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		result := a.HealthProbe(context.Background(), 2*time.Second)
		assert.True(t, result.OK)
		assert.Greater(t, result.Latency, time.Duration(0))
	})

	t.Run("Failing", func(t *testing.T) {
		a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		result := a.HealthProbe(context.Background(), 2*time.Second)
		assert.False(t, result.OK)
		assert.Contains(t, result.Error, "502")
	})
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{BaseURL: "https://api.example"})
	assert.Error(t, err, "name is required")

	_, err = New(Config{Name: "source-b"})
	assert.Error(t, err, "base url is required")
}
