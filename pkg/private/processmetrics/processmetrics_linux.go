// Copyright 2026 SCION Association
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package processmetrics exports scheduling metrics of the worker threads of
// the process. The transport workers run on their own OS threads, so time
// spent runnable but not running shows how far the host lags behind the
// event loops.
package processmetrics

import (
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

var (
	runningTime = prometheus.NewDesc(
		"tpp_process_running_seconds_total",
		"CPU time spent running by all threads of the process.",
		nil, nil,
	)
	runnableTime = prometheus.NewDesc(
		"tpp_process_runnable_seconds_total",
		"Time all threads of the process spent runnable but waiting for a CPU.",
		nil, nil,
	)
	threads = prometheus.NewDesc(
		"tpp_process_threads",
		"Number of OS threads of the process.",
		nil, nil,
	)
	maxProcs = prometheus.NewDesc(
		"tpp_process_gomaxprocs",
		"Number of CPUs usable by the Go scheduler.",
		nil, nil,
	)
)

type schedCollector struct {
	fs  procfs.FS
	pid int
}

func (c *schedCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect sums the schedstat of all threads. Threads exiting during the walk
// are skipped.
func (c *schedCollector) Collect(ch chan<- prometheus.Metric) {
	procs, err := c.fs.AllThreads(c.pid)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(runningTime, err)
		return
	}
	var running, waiting uint64
	for _, p := range procs {
		s, err := p.Schedstat()
		if err != nil {
			continue
		}
		running += s.RunningNanoseconds
		waiting += s.WaitingNanoseconds
	}
	ch <- prometheus.MustNewConstMetric(runningTime, prometheus.CounterValue,
		float64(running)/1e9)
	ch <- prometheus.MustNewConstMetric(runnableTime, prometheus.CounterValue,
		float64(waiting)/1e9)
	ch <- prometheus.MustNewConstMetric(threads, prometheus.GaugeValue, float64(len(procs)))
	ch <- prometheus.MustNewConstMetric(maxProcs, prometheus.GaugeValue,
		float64(runtime.GOMAXPROCS(-1)))
}

// Register registers the collector with reg. Callers may ignore the error;
// the metrics are missing then.
func Register(reg prometheus.Registerer) error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return serrors.Wrap("opening procfs", err)
	}
	c := &schedCollector{fs: fs, pid: os.Getpid()}
	if _, err := fs.AllThreads(c.pid); err != nil {
		return serrors.Wrap("listing threads", err, "pid", c.pid)
	}
	if err := reg.Register(c); err != nil {
		return serrors.Wrap("registering collector", err)
	}
	return nil
}
