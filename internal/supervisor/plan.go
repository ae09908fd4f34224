package supervisor

import (
	"fmt"

	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/worker"
	"github.com/stackrox/berserker/internal/workload"
)

// Assignment is everything one worker is started with.
type Assignment struct {
	ID  int
	CPU int
	// Config is the worker's private copy.
	Config *config.WorkloadConfig
	Slice  workload.Slice
}

// Plan is the resolved worker pool.
type Plan struct {
	Assignments []Assignment
	Pinned      bool
}

// Size returns the number of workers.
func (p *Plan) Size() int {
	return len(p.Assignments)
}

// NewPlan decides how many workers run, where they run and which part of the
// configuration each one owns.
//
// Worker count:
//   - an explicit workers count wins, and those workers float
//   - otherwise per_core starts one pinned worker per allowed core
//   - otherwise a single worker, or two for a network client/server pair
//
// Shared resource spaces are split so workers never contend on them: the
// endpoint port range is cut into contiguous sub-ranges and the network
// address pool is sliced by client index.
func NewPlan(cfg *config.WorkloadConfig, topo Topology) (*Plan, error) {
	plan := &Plan{}

	var cpus []int
	count := cfg.Workers
	switch {
	case count > 0:
	case cfg.PerCoreEnabled():
		var err error
		cpus, err = topo.CPUs()
		if err != nil {
			return nil, workload.Fatal("determine cpu topology", err)
		}
		count = len(cpus)
		plan.Pinned = true
	case cfg.Type == config.KindNetwork && cfg.Network != nil && cfg.Network.Role == config.RolePair:
		count = 2
	default:
		count = 1
	}

	if cfg.Type == config.KindNetwork && cfg.Network != nil && cfg.Network.Role == config.RolePair && count < 2 {
		return nil, fmt.Errorf("network role pair needs at least 2 workers, have %d", count)
	}
	if cfg.Type == config.KindEndpoint && cfg.Endpoint != nil && cfg.Endpoint.PortRange.Len() < count {
		return nil, fmt.Errorf("port range %s has fewer ports than the %d workers", cfg.Endpoint.PortRange, count)
	}

	for id := 0; id < count; id++ {
		a := Assignment{
			ID:     id,
			CPU:    worker.Floating,
			Config: cfg.Clone(),
			Slice:  workload.Slice{Index: id, Count: count},
		}
		if plan.Pinned {
			a.CPU = cpus[id]
		}

		switch cfg.Type {
		case config.KindEndpoint:
			a.Config.Endpoint.PortRange = splitRange(cfg.Endpoint.PortRange, id, count)
		case config.KindNetwork:
			if cfg.Network.Role == config.RolePair {
				if id == 0 {
					a.Config.Network.Role = config.RoleServer
				} else {
					a.Config.Network.Role = config.RoleClient
					a.Slice = workload.Slice{Index: id - 1, Count: count - 1}
				}
			}
		}

		plan.Assignments = append(plan.Assignments, a)
	}
	return plan, nil
}

// splitRange returns the index-th of count contiguous sub-ranges. The first
// len%count sub-ranges get one extra port.
func splitRange(r config.PortRange, index, count int) config.PortRange {
	size := r.Len() / count
	extra := r.Len() % count

	lo := r.Lo() + index*size + min(index, extra)
	hi := lo + size
	if index < extra {
		hi++
	}
	return config.PortRange{lo, hi}
}
