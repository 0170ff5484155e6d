// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics exports counters of the mirror and of the object image
// driver. Everything is registered in the default prometheus registry on
// first use.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	mirrorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkmirror",
			Subsystem: "mirror",
			Name:      "requests_total",
			Help:      "Requests routed by the mirror device.",
		},
		[]string{"op", "result"},
	)
	mirrorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blkmirror",
			Subsystem: "mirror",
			Name:      "request_duration_seconds",
			Help:      "Duration of fanned out requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	jobCopied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blkmirror",
			Subsystem: "job",
			Name:      "copied_bytes_total",
			Help:      "Bytes copied from source to target by the mirror job.",
		},
	)
	jobProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blkmirror",
			Subsystem: "job",
			Name:      "progress_ratio",
			Help:      "Part of the device already processed by the mirror job.",
		},
	)
	objCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkmirror",
			Subsystem: "obj",
			Name:      "collected_objects_total",
			Help:      "Dead objects deleted by the garbage collector.",
		},
		[]string{"image"},
	)
	objCheckpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkmirror",
			Subsystem: "obj",
			Name:      "checkpoints_total",
			Help:      "Extent map checkpoints uploaded.",
		},
		[]string{"image"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(mirrorRequests, mirrorDuration, jobCopied, jobProgress,
			objCollected, objCheckpoints)
	})
}

func RecordMirrorRequest(op string, err error, duration time.Duration) {
	Register()
	result := "ok"
	if err != nil {
		result = "error"
	}
	mirrorRequests.WithLabelValues(op, result).Inc()
	mirrorDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordMirrorCancel counts requests canceled before completing.
func RecordMirrorCancel(op string) {
	Register()
	mirrorRequests.WithLabelValues(op, "canceled").Inc()
}

func RecordJobCopied(bytes int64) {
	Register()
	jobCopied.Add(float64(bytes))
}

func RecordJobProgress(done, total int64) {
	Register()
	if total <= 0 {
		jobProgress.Set(1)
		return
	}
	jobProgress.Set(float64(done) / float64(total))
}

func RecordObjCollected(image string, n int) {
	Register()
	objCollected.WithLabelValues(image).Add(float64(n))
}

func RecordObjCheckpoint(image string) {
	Register()
	objCheckpoints.WithLabelValues(image).Inc()
}
