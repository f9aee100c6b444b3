package metrics

import (
	"fmt"
	"strconv"
	"time"
)

// Metric is one typed sample on the time-series stream, keyed by the path
// "{env}.{hostname}.{subsystem}.{name}.{metric}". The value is either a
// 64-bit signed integer or a float, so the sink can encode each
// appropriately.
type Metric struct {
	Path string
	At   time.Time

	f       float64
	i       int64
	isFloat bool
}

// MetricPath assembles the dotted metric key.
func MetricPath(env, hostname, subsystem, name, metric string) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", env, hostname, subsystem, name, metric)
}

// FloatMetric builds a floating-point sample.
func FloatMetric(path string, v float64, at time.Time) Metric {
	return Metric{Path: path, At: at, f: v, isFloat: true}
}

// IntMetric builds an integer sample.
func IntMetric(path string, v int64, at time.Time) Metric {
	return Metric{Path: path, At: at, i: v}
}

// Float returns the float value and whether the sample is a float.
func (m Metric) Float() (float64, bool) { return m.f, m.isFloat }

// Int returns the integer value and whether the sample is an integer.
func (m Metric) Int() (int64, bool) { return m.i, !m.isFloat }

// Line renders the sample in Graphite plaintext form:
// "path value unix-timestamp\n".
func (m Metric) Line() string {
	var v string
	if m.isFloat {
		v = strconv.FormatFloat(m.f, 'f', -1, 64)
	} else {
		v = strconv.FormatInt(m.i, 10)
	}
	return m.Path + " " + v + " " + strconv.FormatInt(m.At.Unix(), 10) + "\n"
}

// Round2 rounds percentages to two decimals before they enter the stream.
func Round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
