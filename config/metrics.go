package config

import (
	"io"
	"time"

	"github.com/criyle/go-conmon/instrument"
	"github.com/pkg/errors"
	"github.com/uber-go/tally"
	"github.com/uber-go/tally/m3"
	"go.uber.org/zap"
)

const (
	defaultMetricsPrefix         = "conmon"
	defaultMetricsReportInterval = 10 * time.Second
)

// MetricsConfiguration selects where metrics are reported
type MetricsConfiguration struct {
	// Prefix is prepended to every metric name
	Prefix string `yaml:"prefix"`

	// ReportInterval is the period between two reports
	ReportInterval time.Duration `yaml:"reportInterval" validate:"min=1"`

	// M3 reports to an m3 collector. Without it metrics are written to the
	// log at every report.
	M3 *m3.Configuration `yaml:"m3"`
}

// NewRootScope creates the root metrics scope and its reporter
func (c MetricsConfiguration) NewRootScope(logger *zap.Logger) (tally.Scope, io.Closer, error) {
	opts := tally.ScopeOptions{Prefix: c.Prefix}
	if c.M3 != nil {
		reporter, err := c.M3.NewReporter()
		if err != nil {
			return nil, nil, errors.Wrap(err, "config: m3 metrics reporter")
		}
		opts.CachedReporter = reporter
	} else {
		opts.Reporter = instrument.NewLogReporter(logger.Named("metrics"))
	}
	scope, closer := tally.NewRootScope(opts, c.ReportInterval)
	return scope, closer, nil
}
