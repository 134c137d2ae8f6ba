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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Hibernation collects metrics about image preparation and suspend or
// resume attempts. The zero value is not usable, use the package level
// instance obtained with Attempts().
type Hibernation struct {
	attempts *prometheus.CounterVec
	aborts   *prometheus.CounterVec
	streamed *prometheus.CounterVec
	tries    prometheus.Counter
	pageset1 prometheus.Gauge
	pageset2 prometheus.Gauge
	image    prometheus.Gauge
	extra    prometheus.Gauge
}

var hibernation = newHibernation()

// Attempts returns the hibernation metrics instance registered with the
// default registry.
func Attempts() *Hibernation {
	return hibernation
}

func newHibernation() *Hibernation {
	h := &Hibernation{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attempts_total",
				Help: "Number of finished suspend and resume attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aborts_total",
				Help: "Number of aborted attempts, by abort reason.",
			},
			[]string{"reason"},
		),
		streamed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pages_streamed_total",
				Help: "Number of pages written to or read from storage, by stream.",
			},
			[]string{"stream"},
		),
		tries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "preparation_tries_total",
				Help: "Number of image preparation iterations performed.",
			},
		),
		pageset1: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageset1_pages",
				Help: "Pages in the atomically copied pageset of the last prepared image.",
			},
		),
		pageset2: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageset2_pages",
				Help: "Pages in the saved-before-atomic-copy pageset of the last prepared image.",
			},
		),
		image: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "image_pages",
				Help: "Total pages in the last written image, header included.",
			},
		),
		extra: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "extra_pages_allowance",
				Help: "Extra pages allowance negotiated for the last prepared image.",
			},
		),
	}

	MustRegister("attempts", h, WithGroup("hibernation"))

	return h
}

// Describe implements the prometheus.Collector interface.
func (h *Hibernation) Describe(ch chan<- *prometheus.Desc) {
	h.attempts.Describe(ch)
	h.aborts.Describe(ch)
	h.streamed.Describe(ch)
	h.tries.Describe(ch)
	h.pageset1.Describe(ch)
	h.pageset2.Describe(ch)
	h.image.Describe(ch)
	h.extra.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (h *Hibernation) Collect(ch chan<- prometheus.Metric) {
	h.attempts.Collect(ch)
	h.aborts.Collect(ch)
	h.streamed.Collect(ch)
	h.tries.Collect(ch)
	h.pageset1.Collect(ch)
	h.pageset2.Collect(ch)
	h.image.Collect(ch)
	h.extra.Collect(ch)
}

// AttemptFinished counts a finished attempt under the given outcome.
func (h *Hibernation) AttemptFinished(outcome string) {
	h.attempts.WithLabelValues(outcome).Inc()
}

// AttemptAborted counts an aborted attempt under the given reason. The
// reason string may name several flagged reasons, it is recorded as is.
func (h *Hibernation) AttemptAborted(reason string) {
	h.aborts.WithLabelValues(reason).Inc()
}

// PreparationTries counts image preparation iterations.
func (h *Hibernation) PreparationTries(tries int) {
	h.tries.Add(float64(tries))
}

// ImagePrepared records the composition of a prepared image.
func (h *Hibernation) ImagePrepared(pageset1, pageset2, allowance int) {
	h.pageset1.Set(float64(pageset1))
	h.pageset2.Set(float64(pageset2))
	h.extra.Set(float64(allowance))
}

// ImageWritten records the total size of a written image.
func (h *Hibernation) ImageWritten(pages int) {
	h.image.Set(float64(pages))
}

// PagesStreamed counts pages moved between memory and storage on the
// given stream.
func (h *Hibernation) PagesStreamed(stream string, pages int) {
	h.streamed.WithLabelValues(stream).Add(float64(pages))
}
