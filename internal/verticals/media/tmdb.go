// Package media holds the film and television pipelines.
package media

import (
	"context"
	"fmt"

	"github.com/mboyajeffers/etl-framework/internal/clean"
	"github.com/mboyajeffers/etl-framework/internal/config"
	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/quality"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

const (
	// TitlesPipeline is the registered name of the TMDB discover pipeline.
	TitlesPipeline = "media.tmdb_titles"
	// APIKeyEnv holds the TMDB v3 API key.
	APIKeyEnv = "TMDB_API_KEY"
	source    = "tmdb"

	DimTitle    = "dim_title"
	DimLanguage = "dim_language"
	DimGenre    = "dim_genre"
	FactTitle   = "fact_title_metrics"
	TitleGenres = "title_genre_bridge"

	colLanguageName = "language_name"
)

// GenreNames maps TMDB movie and TV genre ids to labels.
var GenreNames = map[string]string{
	"28": "Action", "12": "Adventure", "16": "Animation", "35": "Comedy",
	"80": "Crime", "99": "Documentary", "18": "Drama", "10751": "Family",
	"14": "Fantasy", "36": "History", "27": "Horror", "10402": "Music",
	"9648": "Mystery", "10749": "Romance", "878": "Science Fiction",
	"10770": "TV Movie", "53": "Thriller", "10752": "War", "37": "Western",
	"10759": "Action & Adventure", "10762": "Kids", "10763": "News",
	"10764": "Reality", "10765": "Sci-Fi & Fantasy", "10766": "Soap",
	"10767": "Talk", "10768": "War & Politics",
}

// LanguageNames maps ISO 639-1 codes to English names.
var LanguageNames = map[string]string{
	"en": "English", "es": "Spanish", "fr": "French", "de": "German",
	"it": "Italian", "ja": "Japanese", "ko": "Korean", "zh": "Chinese",
	"hi": "Hindi", "ar": "Arabic", "pt": "Portuguese", "ru": "Russian",
}

// TitlesRules cleans /discover/movie results.
func TitlesRules() clean.Rules {
	return clean.Rules{
		Table: "tmdb_titles",
		Columns: []clean.ColumnRule{
			{Name: "title_id", Source: "id", Type: table.TypeInt, Required: true},
			{Name: "title", Type: table.TypeString, Required: true},
			{Name: "original_language", Type: table.TypeString},
			{Name: "release_date", Type: table.TypeTimestamp},
			{Name: "popularity", Type: table.TypeFloat},
			{Name: "vote_average", Type: table.TypeFloat},
			{Name: "vote_count", Type: table.TypeInt},
			{Name: "genre_ids", Type: table.TypeString},
		},
		DedupKey:  []string{"title_id"},
		DedupMode: clean.DedupKeepLast,
	}
}

// titleCleaner adds language_name to the rule-cleaned table.
type titleCleaner struct {
	rules *clean.RuleCleaner
}

func (c titleCleaner) Clean(ctx context.Context, raw []table.Row) (*table.Table, error) {
	t, err := c.rules.Clean(ctx, raw)
	if err != nil {
		return nil, err
	}
	t.AddColumn(table.Column{Name: colLanguageName, Type: table.TypeString})
	for _, r := range t.Rows {
		code, _ := r["original_language"].(string)
		if name, ok := LanguageNames[code]; ok {
			r[colLanguageName] = name
		} else {
			r[colLanguageName] = nil
		}
	}
	return t, nil
}

// TitlesDefinition is the title star schema.
func TitlesDefinition() model.Definition {
	return model.Definition{
		Source: source,
		Dimensions: []model.DimensionSpec{
			{
				Name:       DimTitle,
				NaturalKey: []string{"title_id"},
				Attributes: []string{"title", "original_language", "release_date"},
				Tracked:    []string{"title"},
				SCD:        model.Type2,
			},
			{
				Name:       DimLanguage,
				NaturalKey: []string{"original_language"},
				Attributes: []string{colLanguageName},
				KeyColumn:  "language_key",
			},
			{
				Name:       DimGenre,
				NaturalKey: []string{"genre_id"},
				Explode: &model.ExplodeSpec{
					Column:      "genre_ids",
					LabelColumn: "genre_name",
					Labels:      GenreNames,
				},
			},
		},
		Facts: []model.FactSpec{{
			Name: FactTitle,
			Dimensions: []model.FactDimension{
				{Dimension: DimTitle, Lookup: []string{"title_id"}},
				{Dimension: DimLanguage, Lookup: []string{"original_language"}},
			},
			DateColumn: "release_date",
			Measures:   []string{"popularity", "vote_average", "vote_count"},
		}},
		Bridges: []model.BridgeSpec{{
			Name:   TitleGenres,
			Left:   model.FactDimension{Dimension: DimTitle, Lookup: []string{"title_id"}},
			Right:  DimGenre,
			Column: "genre_ids",
		}},
		DateDimension: true,
	}
}

// TitlesGates are the quality gates of the titles pipeline.
func TitlesGates() []quality.Gate {
	return []quality.Gate{
		{Name: "referential_integrity", Check: quality.ReferentialIntegrity(FactTitle), Weight: 0.35, Severity: quality.Blocker, Threshold: 0.99},
		{Name: "title_key_uniqueness", Check: quality.Uniqueness(DimTitle, "title_key"), Weight: 0.25, Severity: quality.Blocker, Threshold: 1.0},
		{Name: "metric_completeness", Check: quality.Completeness(FactTitle, "popularity", "vote_average"), Weight: 0.2, Severity: quality.Warn, Threshold: 0.95},
		{Name: "vote_range", Check: quality.Range(FactTitle, "vote_average", 0, 10), Weight: 0.2, Severity: quality.Warn, Threshold: 0.99},
	}
}

// Titles returns the registry spec for the TMDB discover pipeline. The API
// key is read from the environment when the extractor is built.
func Titles(src config.Source) registry.Spec {
	return registry.Spec{
		Name:           TitlesPipeline,
		Vertical:       "media",
		Description:    "Popular movies from TMDB /discover/movie",
		DataSources:    []string{src.BaseURL + "/discover/movie"},
		RequiresAPIKey: APIKeyEnv,
		NewExtractor: func(opts ...extract.Option) (extract.Extractor, error) {
			key := config.APIKey(APIKeyEnv)
			if key == "" {
				return nil, fmt.Errorf("%s: environment variable %s is not set", TitlesPipeline, APIKeyEnv)
			}
			base := extract.NewBase(extract.Config{
				Name:        TitlesPipeline,
				Source:      source,
				BaseURL:     src.BaseURL,
				MinInterval: src.MinInterval(),
				MaxAttempts: src.MaxAttempts,
				CallTimeout: src.Timeout,
				CacheTTL:    src.CacheTTL,
				APIKey:      key,
				APIKeyParam: "api_key",
			}, opts...)
			return extract.NewPaged(base, extract.PagedSpec{
				Path: "/discover/movie",
				Params: map[string]string{
					"sort_by":       "popularity.desc",
					"include_adult": "false",
					"language":      "en-US",
				},
				PageParam:       "page",
				TotalPages:      "total_pages",
				Records:         "results",
				MaxPages:        src.MaxPages,
				CheckpointEvery: 1,
			}), nil
		},
		NewCleaner: func() (clean.Cleaner, error) {
			return titleCleaner{rules: clean.New(TitlesRules())}, nil
		},
		NewTransformer: func() (model.Transformer, error) {
			m, err := model.New(TitlesDefinition())
			if err != nil {
				return nil, err
			}
			return m, nil
		},
		Gates: TitlesGates(),
	}
}
