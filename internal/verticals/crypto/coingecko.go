// Package crypto holds the cryptocurrency market pipelines.
package crypto

import (
	"github.com/mboyajeffers/etl-framework/internal/clean"
	"github.com/mboyajeffers/etl-framework/internal/config"
	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/quality"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

const (
	// MarketsPipeline is the registered name of the CoinGecko markets pipeline.
	MarketsPipeline = "crypto.coingecko_markets"
	source          = "coingecko"

	DimCoin  = "dim_coin"
	FactCoin = "fact_coin_metrics"
)

// MarketsRules cleans /coins/markets records.
func MarketsRules() clean.Rules {
	return clean.Rules{
		Table: "coin_markets",
		Columns: []clean.ColumnRule{
			{Name: "coin_id", Source: "id", Type: table.TypeString, Required: true},
			{Name: "symbol", Type: table.TypeString},
			{Name: "name", Type: table.TypeString},
			{Name: "current_price", Type: table.TypeFloat},
			{Name: "market_cap", Type: table.TypeFloat},
			{Name: "market_cap_rank", Type: table.TypeInt},
			{Name: "total_volume", Type: table.TypeFloat},
			{Name: "price_change_percentage_24h", Type: table.TypeFloat},
			{Name: "last_updated", Type: table.TypeTimestamp},
		},
		DedupKey:  []string{"coin_id"},
		DedupMode: clean.DedupKeepLast,
	}
}

// MarketsDefinition is the coin star schema: one fact row per coin per
// observation date.
func MarketsDefinition() model.Definition {
	return model.Definition{
		Source: source,
		Dimensions: []model.DimensionSpec{{
			Name:       DimCoin,
			NaturalKey: []string{"coin_id"},
			Attributes: []string{"symbol", "name", "market_cap_rank"},
			Tracked:    []string{"name", "symbol"},
			SCD:        model.Type2,
		}},
		Facts: []model.FactSpec{{
			Name:       FactCoin,
			Dimensions: []model.FactDimension{{Dimension: DimCoin, Lookup: []string{"coin_id"}}},
			DateColumn: "last_updated",
			Measures:   []string{"current_price", "market_cap", "total_volume", "price_change_percentage_24h"},
		}},
		DateDimension: true,
	}
}

// MarketsGates are the quality gates of the markets pipeline.
func MarketsGates() []quality.Gate {
	return []quality.Gate{
		{Name: "referential_integrity", Check: quality.ReferentialIntegrity(FactCoin), Weight: 0.35, Severity: quality.Blocker, Threshold: 0.99},
		{Name: "scd_integrity", Check: quality.SCDIntegrity(DimCoin, "coin_id"), Weight: 0.25, Severity: quality.Blocker, Threshold: 1.0},
		{Name: "price_completeness", Check: quality.Completeness(FactCoin, "current_price"), Weight: 0.2, Severity: quality.Warn, Threshold: 0.95},
		{Name: "validity", Check: quality.Validity(FactCoin), Weight: 0.1, Severity: quality.Warn, Threshold: 0.9},
		{Name: "row_count", Check: quality.RowCount(FactCoin, 1), Weight: 0.1, Severity: quality.Info, Threshold: 1.0},
	}
}

// Markets returns the registry spec for the CoinGecko markets pipeline.
func Markets(src config.Source) registry.Spec {
	return registry.Spec{
		Name:        MarketsPipeline,
		Vertical:    "crypto",
		Description: "Top coins by market cap from CoinGecko /coins/markets",
		DataSources: []string{src.BaseURL + "/coins/markets"},
		NewExtractor: func(opts ...extract.Option) (extract.Extractor, error) {
			base := extract.NewBase(extract.Config{
				Name:        MarketsPipeline,
				Source:      source,
				BaseURL:     src.BaseURL,
				MinInterval: src.MinInterval(),
				MaxAttempts: src.MaxAttempts,
				CallTimeout: src.Timeout,
				CacheTTL:    src.CacheTTL,
			}, opts...)
			return extract.NewPaged(base, extract.PagedSpec{
				Path: "/coins/markets",
				Params: map[string]string{
					"vs_currency": "usd",
					"order":       "market_cap_desc",
					"sparkline":   "false",
				},
				PageParam:       "page",
				PageSizeParam:   "per_page",
				PageSize:        src.PageSize,
				Records:         "@",
				MaxPages:        src.MaxPages,
				CheckpointEvery: 1,
			}), nil
		},
		NewCleaner: func() (clean.Cleaner, error) {
			return clean.New(MarketsRules()), nil
		},
		NewTransformer: func() (model.Transformer, error) {
			m, err := model.New(MarketsDefinition())
			if err != nil {
				return nil, err
			}
			return m, nil
		},
		Gates: MarketsGates(),
	}
}
