package output

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stackrox/berserker/internal/metrics"
	"github.com/stackrox/berserker/internal/supervisor"
)

// ProgressLogger logs a periodic one-line status of the whole pool.
func ProgressLogger(log *logrus.Logger) supervisor.ProgressFunc {
	return func(cur, prev metrics.Snapshot) {
		log.WithFields(logrus.Fields{
			"rate":    fmt.Sprintf("%.1f/s", cur.ActionRate(prev)),
			"actions": cur.Actions,
			"active":  cur.Active,
			"dropped": cur.Dropped - prev.Dropped,
			"failed":  cur.Failed - prev.Failed,
			"lag_p99": cur.Lag.P99,
		}).Info("progress")
	}
}
