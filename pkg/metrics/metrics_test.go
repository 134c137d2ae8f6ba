// Copyright The Hiberlib Authors. All Rights Reserved.
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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/containers/hiberlib/pkg/metrics"
)

func TestUnprefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"*"}))
	require.NoError(t, err)

	mfs := gather(t, g)
	require.Equal(t, float64(0), getValue(t, mfs, "test1"))
	require.Equal(t, float64(0), getValue(t, mfs, "test2"))

	g1.gauge.Inc()
	g2.gauge.Set(5)

	mfs = gather(t, g)
	require.Equal(t, float64(1), getValue(t, mfs, "test1"))
	require.Equal(t, float64(5), getValue(t, mfs, "test2"))

	g1.gauge.Set(4)
	g2.gauge.Dec()

	mfs = gather(t, g)
	require.Equal(t, float64(4), getValue(t, mfs, "test1"))
	require.Equal(t, float64(4), getValue(t, mfs, "test2"))
}

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	newTestGauge(t, r, "test1")
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"))

	g, err := r.NewGatherer(
		metrics.WithMetrics([]string{"*"}),
		metrics.WithNamespace("testns"),
	)
	require.NoError(t, err)

	mfs := gather(t, g)
	require.True(t, hasFamily(mfs, "testns_default_test1"))
	require.True(t, hasFamily(mfs, "testns_group1_test2"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r)

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "group2"}))
	require.NoError(t, err)

	mfs := gather(t, g)
	require.True(t, hasFamily(mfs, "group1_test1"), "group1_test1 collected")
	require.False(t, hasFamily(mfs, "test2"), "test2 not collected")
	require.True(t, hasFamily(mfs, "test3"), "test3 collected")
	require.True(t, hasFamily(mfs, "group2_test4"), "group2_test4 collected")
}

func TestUnmatchedGlobs(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r)

	newTestGauge(t, r, "test1")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "no-such-collector"}))
	require.Error(t, err)
}

func TestHibernationCollectors(t *testing.T) {
	g, err := metrics.NewGatherer(metrics.WithMetrics([]string{"hibernation"}))
	require.NoError(t, err)

	h := metrics.Attempts()
	require.NotNil(t, h)

	h.PreparationTries(2)
	h.ImagePrepared(660, 300, 550)
	h.ImageWritten(964)
	h.PagesStreamed("pageset1", 660)
	h.PagesStreamed("pageset2", 300)
	h.AttemptFinished("image-written")
	h.AttemptAborted("aborted,would-eat-memory")

	mfs := gather(t, g)
	require.Equal(t, float64(2),
		getValue(t, mfs, "hibernation_preparation_tries_total"))
	require.Equal(t, float64(660),
		getValue(t, mfs, "hibernation_pageset1_pages"))
	require.Equal(t, float64(300),
		getValue(t, mfs, "hibernation_pageset2_pages"))
	require.Equal(t, float64(550),
		getValue(t, mfs, "hibernation_extra_pages_allowance"))
	require.Equal(t, float64(964),
		getValue(t, mfs, "hibernation_image_pages"))
	require.Equal(t, float64(660),
		getLabeled(t, mfs, "hibernation_pages_streamed_total", "stream", "pageset1"))
	require.Equal(t, float64(300),
		getLabeled(t, mfs, "hibernation_pages_streamed_total", "stream", "pageset2"))
	require.Equal(t, float64(1),
		getLabeled(t, mfs, "hibernation_attempts_total", "outcome", "image-written"))
	require.Equal(t, float64(1),
		getLabeled(t, mfs, "hibernation_aborts_total", "reason", "aborted,would-eat-memory"))
}

type testGauge struct {
	name  string
	gauge prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		name: name,
	}
	g.gauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)

	require.NoError(t, r.Register(g.name, g.gauge, options...))

	return g
}

func gather(t *testing.T, g *metrics.Gatherer) []*model.MetricFamily {
	mfs, err := g.Gather()
	require.NoError(t, err)
	return mfs
}

func hasFamily(mfs []*model.MetricFamily, name string) bool {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func metricValue(m *model.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	}
	return 0
}

func getValue(t *testing.T, mfs []*model.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1, "single metric for %s", name)
		return metricValue(mf.GetMetric()[0])
	}
	t.Fatalf("no metric family %q gathered", name)
	return 0
}

func getLabeled(t *testing.T, mfs []*model.MetricFamily, name, label, value string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metricValue(m)
				}
			}
		}
	}
	t.Fatalf("no metric %q with %s=%q gathered", name, label, value)
	return 0
}
