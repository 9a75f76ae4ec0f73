package synth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yairfalse/cellar/config"
	awsdiscovery "github.com/yairfalse/cellar/internal/discovery/aws"
	"github.com/yairfalse/cellar/internal/filter"
	"github.com/yairfalse/cellar/pkg/topology"
	"github.com/yairfalse/cellar/wal"
)

// Discoverer finds the resources of one cell.
type Discoverer interface {
	Discover(ctx context.Context, cell string, types []topology.ResourceType) ([]topology.Registration, error)
}

// DiscovererFactory creates a Discoverer for a region.
type DiscovererFactory func(ctx context.Context, region string) (Discoverer, error)

// AWSDiscoverers returns a factory of tag-based AWS discoverers.
func AWSDiscoverers(cfg config.DiscoveryConfig) DiscovererFactory {
	return func(ctx context.Context, region string) (Discoverer, error) {
		return awsdiscovery.New(ctx, awsdiscovery.Config{
			Region:  region,
			Profile: cfg.Profile,
			TagKey:  cfg.TagKey,
		})
	}
}

type discovered struct {
	cell config.CellSpec
	regs []topology.Registration
	err  error
}

// build declares the config on a new controller, then registers discovered
// resources cell by cell in config order. Discovered resources that repeat a
// static registration or that the discovery filter excludes are skipped. j
// may be nil.
func (p *Pipeline) build(ctx context.Context, j *wal.Journal) (*topology.RecoveryController, error) {
	ctl := topology.New(p.cfg.Props(), topology.WithLogger(p.controllerLogger()))
	if err := p.cfg.Apply(ctl); err != nil {
		return nil, err
	}

	static := make(map[topology.Registration]bool)
	perCell := make(map[string]int)
	for _, r := range ctl.Registrations() {
		static[r] = true
		perCell[r.Cell]++
	}
	if p.telemetry != nil {
		for cell, n := range perCell {
			p.telemetry.RecordRegistrations(ctx, "config", cell, n)
		}
	}

	if !p.cfg.Discovery.Enabled {
		return ctl, nil
	}

	f, err := filter.New(p.cfg.ExcludedTypes(), p.cfg.Discovery.Exclude)
	if err != nil {
		return nil, err
	}
	results, err := p.discoverAll(ctx, f.Types(p.cfg.DiscoveryTypes(), topology.ResourceTypes()))
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		added := 0
		for _, r := range f.Apply(res.regs) {
			if static[r] {
				p.logger.Debug().Str("cell", r.Cell).Str("locator", r.Locator).Msg("Skipping discovered resource already declared")
				continue
			}
			if err := ctl.Register(r.Type, r.Locator, r.Cell); err != nil {
				p.logger.Warn().Err(err).Str("cell", r.Cell).Str("locator", r.Locator).Msg("Discovered resource rejected")
				if j != nil {
					if jerr := j.Rejected(r, err); jerr != nil {
						return nil, jerr
					}
				}
				continue
			}
			added++
		}
		if p.telemetry != nil {
			p.telemetry.RecordRegistrations(ctx, "discovery", res.cell.Name, added)
		}
		p.logger.Info().
			Str("cell", res.cell.Name).
			Str("region", res.cell.Region).
			Int("registered", added).
			Msg("Discovered cell resources")
	}
	return ctl, nil
}

// discoverAll queries every cell concurrently and returns the results in
// config order. Any failure fails the whole build.
func (p *Pipeline) discoverAll(ctx context.Context, types []topology.ResourceType) ([]discovered, error) {
	results := make([]discovered, len(p.cfg.Cells))

	var wg sync.WaitGroup
	for i, cell := range p.cfg.Cells {
		wg.Add(1)
		go func(i int, cell config.CellSpec) {
			defer wg.Done()
			results[i] = discovered{cell: cell}
			results[i].regs, results[i].err = p.discoverCell(ctx, cell, types)
		}(i, cell)
	}
	wg.Wait()

	var errs []error
	for _, res := range results {
		if res.err == nil {
			continue
		}
		if p.telemetry != nil {
			p.telemetry.RecordDiscoveryError(ctx, res.cell.Region, res.cell.Name)
		}
		errs = append(errs, res.err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to discover cell resources: %w", errors.Join(errs...))
	}
	return results, nil
}

func (p *Pipeline) discoverCell(ctx context.Context, cell config.CellSpec, types []topology.ResourceType) ([]topology.Registration, error) {
	if p.cfg.Discovery.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Discovery.Timeout)
		defer cancel()
	}

	d, err := p.discover(ctx, cell.Region)
	if err != nil {
		return nil, fmt.Errorf("cell %s: %w", cell.Name, err)
	}
	return d.Discover(ctx, cell.Name, types)
}
