package supervisor

import (
	"time"

	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/metrics"
)

// WorkerReport is one worker's final state.
type WorkerReport struct {
	ID       int              `json:"id"`
	CPU      int              `json:"cpu"`
	State    string           `json:"state"`
	Snapshot metrics.Snapshot `json:"snapshot"`
}

// Report summarizes a run.
type Report struct {
	Workload config.Kind      `json:"workload"`
	Duration time.Duration    `json:"duration"`
	Workers  []WorkerReport   `json:"workers"`
	Total    metrics.Snapshot `json:"total"`
}

func (s *Supervisor) report(elapsed time.Duration) *Report {
	r := &Report{
		Workload: s.cfg.Type,
		Duration: elapsed,
	}
	for _, w := range s.workers {
		snap := w.Metrics.Snapshot()
		r.Workers = append(r.Workers, WorkerReport{
			ID:       w.ID,
			CPU:      w.CPU,
			State:    w.GetState().String(),
			Snapshot: snap,
		})
		r.Total = r.Total.Merge(snap)
	}
	r.Total.Elapsed = elapsed
	r.Total.Timestamp = time.Now()
	return r
}
