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

package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/containers/hiberlib/pkg/blockio"
	"github.com/containers/hiberlib/pkg/healthz"
	logger "github.com/containers/hiberlib/pkg/log"
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/metrics"
	_ "github.com/containers/hiberlib/pkg/metrics/collectors"
	"github.com/containers/hiberlib/pkg/prepare"
	"github.com/containers/hiberlib/pkg/session"
	"github.com/containers/hiberlib/pkg/snapshot"
	"github.com/containers/hiberlib/pkg/storage"
)

var log = logger.Get("hibernated")

type options struct {
	machineConfig string
	attemptConfig string
	imagePath     string
	capacity      int
	metricsGlobs  string
	listen        string
	noResume      bool
	debug         string
}

var opt options

func parseFlags() {
	flag.StringVar(&opt.machineConfig, "machine", "",
		"YAML description of the simulated machine (required)")
	flag.StringVar(&opt.attemptConfig, "config", "",
		"YAML hibernation attempt policy, defaults apply when omitted")
	flag.StringVar(&opt.imagePath, "image", "hiberfile",
		"path of the file-backed image store")
	flag.IntVar(&opt.capacity, "capacity", 4096,
		"image store capacity in pages, signature block included")
	flag.StringVar(&opt.metricsGlobs, "metrics", "hibernation",
		"comma-separated globs of metrics collectors to enable")
	flag.StringVar(&opt.listen, "listen", "",
		"address to serve /healthz and /metrics on, disabled when empty")
	flag.BoolVar(&opt.noResume, "no-resume", false,
		"stop after writing the image, skip the simulated reboot")
	flag.StringVar(&opt.debug, "debug", "",
		"comma-separated logger sources to enable debug logging for")
	flag.Parse()
}

func readMachineConfig(path string) (memory.Config, error) {
	var cfg memory.Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read machine config %q: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse machine config %q: %w", path, err)
	}

	return cfg, nil
}

func attemptPolicy() (*session.Config, error) {
	if opt.attemptConfig == "" {
		return session.DefaultConfig(), nil
	}
	return session.ReadConfig(opt.attemptConfig)
}

func recordStreams(h *metrics.Hibernation, streams *blockio.Streams) {
	for s := blockio.Stream(0); s < blockio.NumStreams; s++ {
		h.PagesStreamed(s.String(), streams.PagesDone(s))
	}
}

// suspend runs the save side of an attempt: prepare the image on a
// fresh machine, then write it out through the atomic copy engine.
func suspend(mcfg memory.Config, cfg *session.Config) (snapshot.Outcome, error) {
	h := metrics.Attempts()

	m, err := memory.NewMachine(mcfg)
	if err != nil {
		return snapshot.OutcomeFailed, err
	}

	b, err := storage.NewFileBackend(opt.imagePath, storage.WithCapacity(opt.capacity))
	if err != nil {
		return snapshot.OutcomeFailed, err
	}
	defer b.Close()

	sess := session.New(session.WithConfig(cfg))
	log.Info("starting hibernation attempt %s", sess.ID())
	log.DebugBlock("  <attempt policy> ", "%s", cfg.Dump())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer close(sigs)
	defer signal.Stop(sigs)
	go func() {
		if sig, ok := <-sigs; ok {
			sess.RequestAbort(sig.String())
		}
	}()

	neg, err := prepare.New(sess, m, b)
	if err != nil {
		return snapshot.OutcomeFailed, err
	}

	if err := neg.PrepareImage(); err != nil {
		h.AttemptAborted(sess.Result().String())
		h.AttemptFinished(snapshot.OutcomeFailed.String())
		return snapshot.OutcomeFailed, err
	}

	h.PreparationTries(neg.Tries())
	h.ImagePrepared(neg.PageDir1().Size, neg.PageDir2().Size, neg.Allowance())
	counts := neg.StreamPageCounts()
	log.Info("image prepared: header %d, pageset1 %d (allowance %d), pageset2 %d pages",
		counts[blockio.StreamHeader], neg.PageDir1().Size, neg.Allowance(),
		counts[blockio.StreamPageset2])

	eng, err := snapshot.NewEngine(sess, m, b, neg)
	if err != nil {
		neg.FreeExtraPagedirMemory()
		return snapshot.OutcomeFailed, err
	}

	outcome, err := eng.SuspendAndWaitForPossibleRestore()
	if err != nil {
		neg.FreeExtraPagedirMemory()
		h.AttemptAborted(sess.Result().String())
		h.AttemptFinished(outcome.String())
		return outcome, err
	}

	recordStreams(h, eng.Streams())
	h.ImageWritten(eng.Streams().PagesDone(blockio.StreamHeader) +
		eng.Streams().PagesDone(blockio.StreamPageset1) +
		eng.Streams().PagesDone(blockio.StreamPageset2))
	h.AttemptFinished(outcome.String())

	log.Info("suspend finished: %s", outcome)
	return outcome, nil
}

// resume runs the boot side: bring up a fresh machine as a reboot
// would, then restore the image if the store holds one.
func resume(mcfg memory.Config, cfg *session.Config) (snapshot.Outcome, error) {
	h := metrics.Attempts()

	m, err := memory.NewMachine(mcfg)
	if err != nil {
		return snapshot.OutcomeFailed, err
	}

	b, err := storage.NewFileBackend(opt.imagePath, storage.WithCapacity(opt.capacity))
	if err != nil {
		return snapshot.OutcomeFailed, err
	}
	defer b.Close()

	sess := session.New(session.WithConfig(cfg))
	rst, err := snapshot.NewRestorer(sess, m, b)
	if err != nil {
		return snapshot.OutcomeFailed, err
	}

	outcome, err := rst.ResumeFromImage()
	if err != nil {
		if errors.Is(err, storage.ErrNoImage) {
			log.Info("no image in store, continuing normal boot")
			return outcome, nil
		}
		if errors.Is(err, snapshot.ErrKeptImage) {
			log.Warn("%v, continuing normal boot", err)
			h.AttemptFinished(outcome.String())
			return outcome, nil
		}
		h.AttemptAborted(sess.Result().String())
		h.AttemptFinished(outcome.String())
		return outcome, err
	}

	h.AttemptFinished(outcome.String())
	log.Info("resume finished: %s", outcome)
	return outcome, nil
}

// serveHTTP exposes the health and metrics endpoints for scraping
// during long runs. The server dies with the process.
func serveHTTP(g *metrics.Gatherer) {
	healthz.RegisterHealthChecker("image-store", func() (healthz.Status, error) {
		if _, err := os.Stat(opt.imagePath); err != nil {
			return healthz.NonFunctional, err
		}
		return healthz.Healthy, nil
	})

	mux := http.NewServeMux()
	healthz.Setup(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	go func() {
		log.Info("serving /healthz and /metrics on %s", opt.listen)
		if err := http.ListenAndServe(opt.listen, mux); err != nil {
			log.Error("HTTP server exited: %v", err)
		}
	}()
}

func dumpMetrics(g *metrics.Gatherer) {
	mfs, err := g.Gather()
	if err != nil {
		log.Error("failed to gather metrics: %v", err)
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			sep := ""
			for _, lp := range m.GetLabel() {
				labels += sep + lp.GetName() + "=" + lp.GetValue()
				sep = ","
			}
			value := 0.0
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			}
			if labels != "" {
				log.Info("metric %s{%s} = %v", mf.GetName(), labels, value)
			} else {
				log.Info("metric %s = %v", mf.GetName(), value)
			}
		}
	}
}

func main() {
	parseFlags()

	for _, source := range strings.Split(opt.debug, ",") {
		if source != "" {
			logger.EnableDebug(source, true)
		}
	}

	if opt.machineConfig == "" {
		fmt.Fprintf(os.Stderr, "missing required -machine configuration\n")
		flag.Usage()
		os.Exit(2)
	}

	mcfg, err := readMachineConfig(opt.machineConfig)
	if err != nil {
		log.Fatal("%v", err)
	}

	cfg, err := attemptPolicy()
	if err != nil {
		log.Fatal("%v", err)
	}

	gatherer, err := metrics.NewGatherer(
		metrics.WithMetrics(strings.Split(opt.metricsGlobs, ",")),
		metrics.WithNamespace("hiberlib"),
	)
	if err != nil {
		log.Fatal("failed to set up metrics: %v", err)
	}

	if opt.listen != "" {
		serveHTTP(gatherer)
	}

	outcome, err := suspend(mcfg, cfg)
	if err != nil {
		dumpMetrics(gatherer)
		log.Fatal("suspend failed: %v", err)
	}

	if outcome == snapshot.OutcomeImageWritten && !opt.noResume {
		// A reboot discards all memory state, a fresh machine
		// from the same configuration stands in for it.
		if _, err := resume(mcfg, cfg); err != nil {
			dumpMetrics(gatherer)
			log.Fatal("resume failed: %v", err)
		}
	}

	dumpMetrics(gatherer)
	logger.Flush()
}
