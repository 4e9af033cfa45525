// Package instrument provides the metrics reporters of the monitor
package instrument

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

type logReporter struct {
	logger *zap.Logger

	mu     sync.Mutex
	fields []zap.Field
}

var _ tally.StatsReporter = (*logReporter)(nil)

// NewLogReporter returns a reporter writing every report interval one log
// entry with the metrics that changed since the last one
func NewLogReporter(logger *zap.Logger) tally.StatsReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logReporter{logger: logger}
}

func (r *logReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *logReporter) Reporting() bool {
	return true
}

func (r *logReporter) Tagging() bool {
	return true
}

func (r *logReporter) Flush() {
	r.mu.Lock()
	fields := r.fields
	r.fields = nil
	r.mu.Unlock()

	if len(fields) > 0 {
		r.logger.Info("metrics", fields...)
	}
}

func (r *logReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.add(zap.Int64(metricKey(name, tags), value))
}

func (r *logReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.add(zap.Float64(metricKey(name, tags), value))
}

func (r *logReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.add(zap.Duration(metricKey(name, tags), interval))
}

func (r *logReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	key := fmt.Sprintf("%s[%v,%v)", metricKey(name, tags), bucketLowerBound, bucketUpperBound)
	r.add(zap.Int64(key, samples))
}

func (r *logReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	key := fmt.Sprintf("%s[%v,%v)", metricKey(name, tags), bucketLowerBound, bucketUpperBound)
	r.add(zap.Int64(key, samples))
}

func (r *logReporter) add(f zap.Field) {
	r.mu.Lock()
	r.fields = append(r.fields, f)
	r.mu.Unlock()
}

// metricKey formats name{k1=v1,k2=v2} with sorted tags
func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
