package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mboyajeffers/etl-framework/internal/logging"
	"github.com/mboyajeffers/etl-framework/internal/registry"
)

// RunAll runs every registered pipeline and returns their results in
// registration order. A failing pipeline never stops the others. Pipelines
// whose API key is not set are reported as SKIPPED.
func (o *Orchestrator) RunAll(ctx context.Context) []*PipelineResult {
	names := o.reg.Names()
	results := make([]*PipelineResult, len(names))

	batchID := "batch-" + logging.NewCorrelationID()
	ctx = logging.WithCorrelationID(ctx, batchID)
	log := o.log.With("correlation_id", batchID)
	log.Info("batch started", "pipelines", len(names), "workers", o.workers)

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = o.runMember(ctx, name)
			return nil
		})
	}
	g.Wait()

	counts := make(map[Status]int)
	for _, r := range results {
		counts[r.Status]++
	}
	log.Info("batch finished",
		"succeeded", counts[StatusSucceeded],
		"with_warnings", counts[StatusSucceededWithWarnings],
		"failed", counts[StatusFailed],
		"skipped", counts[StatusSkipped],
	)
	return results
}

func (o *Orchestrator) runMember(ctx context.Context, name string) *PipelineResult {
	spec, err := o.reg.Get(name)
	if err == nil && o.reg.Status(spec) == registry.StatusRequiresAPIKey {
		return o.skip(ctx, spec)
	}
	return o.RunPipeline(ctx, name, nil)
}

func (o *Orchestrator) skip(ctx context.Context, spec registry.Spec) *PipelineResult {
	now := o.now().UTC()
	res := newResult(spec.Name, NewRunID(now), now)
	res.Errors = append(res.Errors, fmt.Sprintf("environment variable %s is not set", spec.RequiresAPIKey))
	res.transition(StatusSkipped)
	res.FinishedAt = now
	logging.FromContext(ctx).Warn("pipeline skipped", "pipeline", spec.Name, "requires", spec.RequiresAPIKey)
	return res
}
