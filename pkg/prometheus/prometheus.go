// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prometheus renders counter snapshots in the Prometheus text
// exposition format.
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

func (t Type) dto() *dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE.Enum()
	case TypeCounter:
		return dto.MetricType_COUNTER.Enum()
	default:
		return dto.MetricType_UNTYPED.Enum()
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// Data is an observation of the value of a single metric at a certain point
// in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the observed value.
	Value float64 `json:"value"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return LabeledIntData(metric, nil, val)
}

// LabeledIntData returns a new Data struct with the given metric, labels, and
// value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: float64(val)}
}

// NewFloatData returns a new Data struct with the given metric and value.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Value: val}
}

func (d *Data) dto(when time.Time, extraLabels map[string]string) (*dto.Metric, error) {
	m := &dto.Metric{TimestampMs: proto.Int64(when.UnixMilli())}
	labels := make(map[string]string, len(d.Labels)+len(extraLabels))
	maps.Copy(labels, d.Labels)
	for k, v := range extraLabels {
		if _, ok := labels[k]; ok {
			return nil, fmt.Errorf("metric %q: label %q set both on the data and the snapshot", d.Metric.Name, k)
		}
		labels[k] = v
	}
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		m.Label = append(m.Label, &dto.LabelPair{Name: proto.String(k), Value: proto.String(labels[k])})
	}
	switch d.Metric.Type {
	case TypeGauge:
		m.Gauge = &dto.Gauge{Value: proto.Float64(d.Value)}
	case TypeCounter:
		m.Counter = &dto.Counter{Value: proto.Float64(d.Value)}
	default:
		m.Untyped = &dto.Untyped{Value: proto.Float64(d.Value)}
	}
	return m, nil
}

// Snapshot is a snapshot of the values of all the metrics of a source at a
// certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time `json:"when"`

	// Data is the whole snapshot data.
	// Each Data must be a unique combination of (Metric, Labels) within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions contains options that control how metric data is exported.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is
	// exported.
	CommentHeader string
}

// SnapshotExportOptions contains options that control how a single snapshot
// is exported.
type SnapshotExportOptions struct {
	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added to every data point of the snapshot.
	ExtraLabels map[string]string
}

// countingWriter implements io.Writer, and counts the number of bytes written to it.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Written returns the number of bytes written to the underlying writer (minus buffered writes).
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// Write writes one or more snapshots to the writer. Same-name metrics across
// snapshots are merged into one family, and families are written in name
// order.
func Write(w io.Writer, options ExportOptions, snapshotsToOptions map[*Snapshot]SnapshotExportOptions) (int, error) {
	if len(snapshotsToOptions) == 0 {
		return 0, nil
	}
	families := make(map[string]*dto.MetricFamily)
	for snapshot, opts := range snapshotsToOptions {
		for _, d := range snapshot.Data {
			name := opts.ExporterPrefix + d.Metric.Name
			f, ok := families[name]
			if !ok {
				f = &dto.MetricFamily{
					Name: proto.String(name),
					Type: d.Metric.Type.dto(),
				}
				if d.Metric.Help != "" {
					f.Help = proto.String(d.Metric.Help)
				}
				families[name] = f
			} else if f.GetType() != *d.Metric.Type.dto() {
				return 0, fmt.Errorf("metric %q exported with conflicting types", name)
			}
			m, err := d.dto(snapshot.When, opts.ExtraLabels)
			if err != nil {
				return 0, err
			}
			f.Metric = append(f.Metric, m)
		}
	}

	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, commentLine := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", commentLine); err != nil {
				return cw.Written(), err
			}
		}
	}
	for _, name := range slices.Sorted(maps.Keys(families)) {
		f := families[name]
		slices.SortStableFunc(f.Metric, compareLabels)
		if _, err := expfmt.MetricFamilyToText(cw, f); err != nil {
			return cw.Written(), err
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}

// compareLabels orders metrics of one family by their label values.
func compareLabels(a, b *dto.Metric) int {
	for i := 0; i < len(a.Label) && i < len(b.Label); i++ {
		if c := strings.Compare(a.Label[i].GetName(), b.Label[i].GetName()); c != 0 {
			return c
		}
		if c := strings.Compare(a.Label[i].GetValue(), b.Label[i].GetValue()); c != 0 {
			return c
		}
	}
	return len(a.Label) - len(b.Label)
}
