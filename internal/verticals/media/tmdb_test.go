package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboyajeffers/etl-framework/internal/clean"
	"github.com/mboyajeffers/etl-framework/internal/config"
	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/orchestrator"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/storage"
	"github.com/mboyajeffers/etl-framework/internal/table"
	"github.com/mboyajeffers/etl-framework/internal/writer"
)

func discoverServer(t *testing.T, key string) *httptest.Server {
	t.Helper()
	pages := map[int][]map[string]any{
		1: {
			{"id": 101, "title": "Arrival", "original_language": "en", "release_date": "2016-11-11", "popularity": 55.2, "vote_average": 7.6, "vote_count": 18000, "genre_ids": []any{18, 878}},
			{"id": 102, "title": "Amélie", "original_language": "fr", "release_date": "2001-04-25", "popularity": 30.1, "vote_average": 7.9, "vote_count": 11000, "genre_ids": []any{35, 10749}},
		},
		2: {
			{"id": 103, "title": "Parasite", "original_language": "ko", "release_date": "2019-05-30", "popularity": 48.0, "vote_average": 8.5, "vote_count": 17000, "genre_ids": []any{35, 53, 18}},
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != key {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		json.NewEncoder(w).Encode(map[string]any{
			"page":          page,
			"results":       pages[page],
			"total_pages":   2,
			"total_results": 3,
		})
	}))
}

func TestDefinitionIsValid(t *testing.T) {
	_, err := model.New(TitlesDefinition())
	require.NoError(t, err)
}

func TestTitleCleanerAddsLanguageName(t *testing.T) {
	c := titleCleaner{rules: clean.New(TitlesRules())}
	out, err := c.Clean(context.Background(), []table.Row{
		{"id": 1.0, "title": "A", "original_language": "ja"},
		{"id": 2.0, "title": "B", "original_language": "xx"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, "Japanese", out.Rows[0][colLanguageName])
	assert.Nil(t, out.Rows[1][colLanguageName])
	assert.True(t, out.HasColumn(colLanguageName))
}

func TestTitlesPipelineEndToEnd(t *testing.T) {
	srv := discoverServer(t, "secret")
	defer srv.Close()
	t.Setenv(APIKeyEnv, "secret")

	reg := registry.New()
	require.NoError(t, reg.Register(Titles(config.Source{BaseURL: srv.URL, MaxPages: 5})))
	w := writer.New(storage.NewMemStore())
	orch := orchestrator.New(reg, orchestrator.WithWriter(w))
	ctx := context.Background()

	res := orch.RunPipeline(ctx, TitlesPipeline, nil)
	require.Equal(t, orchestrator.StatusSucceeded, res.Status, "errors: %v warnings: %v", res.Errors, res.Warnings)
	assert.Equal(t, 3, res.RecordsExtracted)
	assert.ElementsMatch(t, []string{DimTitle, DimLanguage, DimGenre, model.DateDimensionName, FactTitle, TitleGenres}, res.TablesCreated)

	genres, err := w.ReadTable(ctx, TitlesPipeline, DimGenre)
	require.NoError(t, err)
	labels := map[any]any{}
	for _, r := range genres.Rows {
		labels[r["genre_id"]] = r["genre_name"]
	}
	assert.Equal(t, map[any]any{
		"18": "Drama", "878": "Science Fiction", "35": "Comedy", "10749": "Romance", "53": "Thriller",
	}, labels)

	titles, err := w.ReadTable(ctx, TitlesPipeline, DimTitle)
	require.NoError(t, err)
	var parasite any
	for _, r := range titles.Rows {
		if r["title_id"] == int64(103) {
			parasite = r["title_key"]
		}
	}
	require.NotNil(t, parasite)

	bridge, err := w.ReadTable(ctx, TitlesPipeline, TitleGenres)
	require.NoError(t, err)
	assert.Equal(t, 7, bridge.Len())
	assert.Contains(t, bridge.Rows, table.Row{
		"title_key": parasite,
		"genre_key": keys.Generate(DimGenre, "53"),
	})
}

func TestTitlesWithoutKeyFails(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	reg := registry.New(registry.WithEnv(func(string) string { return "" }))
	require.NoError(t, reg.Register(Titles(config.DefaultSources()["tmdb"])))

	spec, err := reg.Get(TitlesPipeline)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRequiresAPIKey, reg.Status(spec))

	res := orchestrator.New(reg).RunPipeline(context.Background(), TitlesPipeline, nil)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Contains(t, res.Err.Error(), APIKeyEnv)
}
