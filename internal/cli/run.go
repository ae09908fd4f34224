package cli

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/output"
	"github.com/stackrox/berserker/internal/supervisor"
)

// topology is replaced in tests.
var topology supervisor.Topology = supervisor.SystemTopology{}

func runWorkload(ctx context.Context, path string, opts *rootOptions, out io.Writer) error {
	log := logrus.StandardLogger()

	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return &exitError{code: supervisor.ExitFatal, err: err}
	}

	plan, err := supervisor.NewPlan(cfg, topology)
	if err != nil {
		log.WithError(err).Error("cannot plan workers")
		return &exitError{code: supervisor.ExitFatal, err: err}
	}

	svOpts := []supervisor.Option{supervisor.WithLogger(log)}
	if opts.progress > 0 {
		svOpts = append(svOpts, supervisor.WithProgress(opts.progress, output.ProgressLogger(log)))
	}

	report, err := supervisor.New(cfg, plan, svOpts...).Run(ctx)
	if opts.summary {
		output.NewSummary(out, opts.noColor).Print(report, err)
	}

	if code := supervisor.ExitCode(err); code != supervisor.ExitClean {
		return &exitError{code: code, err: err}
	}
	log.Info("workload finished")
	return nil
}
