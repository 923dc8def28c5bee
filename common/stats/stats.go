// Package stats provides a minimal set of interfaces backed by go-metrics.
// We wrap go-metrics so the instruments can be scoped down a call tree and
// rendered as JSON without leaking the dependency to embedders.
package stats

import (
	"encoding/json"
	"strings"

	"github.com/rcrowley/go-metrics"
)

// Stats users can either reference this global receiver or construct their own.
var CurrentStatsReceiver StatsReceiver = NilStatsReceiver()

// StatsReceiver is a registry wrapper for metrics collected about the
// runtime behavior of a pool. Hierarchical names use a '/' separator;
// variadic name elements have '/' replaced by "_SLASH_" rather than failing,
// since counter names may be generated dynamically.
type StatsReceiver interface {
	// Return a receiver that automatically namespaces elements with the
	// given scope args:
	//
	//   statsReceiver.Scope("pool").Counter("evicted") // same as
	//   statsReceiver.Counter("pool", "evicted")
	//
	Scope(scope ...string) StatsReceiver

	// Provides an event counter.
	Counter(name ...string) Counter

	// A gauge holding an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// A gauge holding a float64 value that can be set arbitrarily.
	GaugeFloat(name ...string) GaugeFloat

	// A histogram of sampled int64 values.
	Histogram(name ...string) Histogram

	// Removes the named stats item if it exists.
	Remove(name ...string)

	// Render marshals the current instruments to JSON.
	Render(pretty bool) []byte
}

type Counter interface {
	Inc(int64)
	Count() int64
	Clear()
}

type Gauge interface {
	Update(int64)
	Value() int64
}

type GaugeFloat interface {
	Update(float64)
	Value() float64
}

type Histogram interface {
	Update(int64)
	Count() int64
	Max() int64
	Mean() float64
}

// DefaultStatsReceiver returns a receiver backed by a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewGauge).(metrics.Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewGaugeFloat64).(metrics.GaugeFloat64)
}

func (s *defaultStatsReceiver) Histogram(name ...string) Histogram {
	return s.registry.GetOrRegister(s.scopedName(name...), func() metrics.Histogram {
		return metrics.NewHistogram(metrics.NewUniformSample(1024))
	}).(metrics.Histogram)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	rendered := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			rendered[name] = m.Count()
		case metrics.Gauge:
			rendered[name] = m.Value()
		case metrics.GaugeFloat64:
			rendered[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			rendered[name+".count"] = h.Count()
			rendered[name+".max"] = h.Max()
			rendered[name+".mean"] = h.Mean()
		}
	})
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(rendered, "", "  ")
	} else {
		b, err = json.Marshal(rendered)
	}
	if err != nil {
		return []byte{}
	}
	return b
}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, s := range scope {
		scope[i] = strings.Replace(s, "/", "_SLASH_", -1)
	}
	return append(append([]string{}, s.scope...), scope...)
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver discards everything and can serve as a default.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver  { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter       { return nilCounter{} }
func (s *nilStatsReceiver) Gauge(name ...string) Gauge           { return nilGauge{} }
func (s *nilStatsReceiver) GaugeFloat(name ...string) GaugeFloat { return nilGaugeFloat{} }
func (s *nilStatsReceiver) Histogram(name ...string) Histogram   { return nilHistogram{} }
func (s *nilStatsReceiver) Remove(name ...string)                {}
func (s *nilStatsReceiver) Render(pretty bool) []byte            { return []byte{} }

type nilCounter struct{}

func (nilCounter) Inc(int64)    {}
func (nilCounter) Count() int64 { return 0 }
func (nilCounter) Clear()       {}

type nilGauge struct{}

func (nilGauge) Update(int64) {}
func (nilGauge) Value() int64 { return 0 }

type nilGaugeFloat struct{}

func (nilGaugeFloat) Update(float64)  {}
func (nilGaugeFloat) Value() float64  { return 0 }

type nilHistogram struct{}

func (nilHistogram) Update(int64)  {}
func (nilHistogram) Count() int64  { return 0 }
func (nilHistogram) Max() int64    { return 0 }
func (nilHistogram) Mean() float64 { return 0 }
