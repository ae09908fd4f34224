package metrics

import "time"

// LatencyStats summarizes one histogram.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
	Count int64         `json:"count"`
}

// Snapshot is a point-in-time view of a Recorder.
type Snapshot struct {
	Events     int64         `json:"events"`
	Actions    int64         `json:"actions"`
	Failed     int64         `json:"failed"`
	Dropped    int64         `json:"dropped"`
	Collisions int64         `json:"collisions"`
	Released   int64         `json:"released"`
	Active     int64         `json:"active"`
	Resyncs    int64         `json:"resyncs"`
	Lag        LatencyStats  `json:"lag"`
	Latency    LatencyStats  `json:"latency"`
	Elapsed    time.Duration `json:"elapsed"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ActionRate returns actions per second between prev and s.
func (s Snapshot) ActionRate(prev Snapshot) float64 {
	dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(s.Actions-prev.Actions) / dt
}

// Merge adds other's counters into s. Histogram summaries keep the worst
// (largest) percentiles, which is what a run summary reports.
func (s Snapshot) Merge(other Snapshot) Snapshot {
	s.Events += other.Events
	s.Actions += other.Actions
	s.Failed += other.Failed
	s.Dropped += other.Dropped
	s.Collisions += other.Collisions
	s.Released += other.Released
	s.Active += other.Active
	s.Resyncs += other.Resyncs
	s.Lag = worst(s.Lag, other.Lag)
	s.Latency = worst(s.Latency, other.Latency)
	if other.Elapsed > s.Elapsed {
		s.Elapsed = other.Elapsed
	}
	return s
}

func worst(a, b LatencyStats) LatencyStats {
	if b.Count == 0 {
		return a
	}
	if a.Count == 0 {
		return b
	}
	out := LatencyStats{Count: a.Count + b.Count}
	out.Min = min(a.Min, b.Min)
	out.Max = max(a.Max, b.Max)
	out.Mean = time.Duration((int64(a.Mean)*a.Count + int64(b.Mean)*b.Count) / out.Count)
	out.P50 = max(a.P50, b.P50)
	out.P90 = max(a.P90, b.P90)
	out.P99 = max(a.P99, b.P99)
	return out
}
