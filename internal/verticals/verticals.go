// Package verticals registers the built-in pipelines.
package verticals

import (
	"github.com/mboyajeffers/etl-framework/internal/config"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/verticals/crypto"
	"github.com/mboyajeffers/etl-framework/internal/verticals/media"
)

// Register adds every built-in pipeline to reg.
func Register(reg *registry.Registry, cfg config.Config) error {
	specs := []registry.Spec{
		crypto.Markets(cfg.Source("coingecko")),
		media.Titles(cfg.Source("tmdb")),
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
