// Package metrics aggregates gateway throughput counters. Hot-path updates
// are atomic or take one short mutex; nothing here blocks the dispatch
// pipeline. All rates are computed over completed one-second buckets so a
// partially elapsed second never drags the reported TPS down.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearforge/ftgate/types"
)

// Throughput targets the gateway is operated against.
const (
	// TargetTPS is the sustained per-second success rate the gateway is
	// sized for.
	TargetTPS = 100
	// TargetSuccessRate is the minimum fraction of attempts that must
	// succeed for the gateway to count as compliant.
	TargetSuccessRate = 0.95

	// sustainedWindow is the observation window, in seconds, for the
	// sustained-throughput verdict.
	sustainedWindow = 600
	// sustainedFraction is the share of window seconds that must meet
	// TargetTPS for the verdict to hold.
	sustainedFraction = 0.8
	// currentWindow is the number of completed seconds averaged into the
	// instantaneous TPS figure.
	currentWindow = 5

	// maxBatchSamples bounds the per-batch sample list independently of
	// its time horizon.
	maxBatchSamples = 4096
)

// bucket is one second of ingress and outcome counts.
type bucket struct {
	sec        int64
	enqueued   int64
	successful int64
	failed     int64
}

// secCount is one second of success counts in the long sustained ring.
type secCount struct {
	sec        int64
	successful int64
}

// BatchSample records one completed batch for throughput inspection and
// adaptive sizing.
type BatchSample struct {
	At         time.Time     `json:"at"`
	Size       int           `json:"size"`
	Successful int           `json:"successful"`
	Duration   time.Duration `json:"durationNs"`
}

// Engine collects all gateway metrics. Safe for concurrent use.
type Engine struct {
	startedAt time.Time
	now       func() time.Time

	enqueued         atomic.Int64
	succeeded        atomic.Int64
	failed           atomic.Int64
	batchesStarted   atomic.Int64
	batchesCompleted atomic.Int64
	batchErrors      atomic.Int64

	latencySum   atomic.Int64 // nanoseconds
	latencyCount atomic.Int64
	latencyMin   atomic.Int64
	latencyMax   atomic.Int64

	failures map[types.Kind]*atomic.Int64

	mu        sync.Mutex
	ring      [60]bucket
	sustained [sustainedWindow]secCount
	samples   []BatchSample
}

// New returns an engine with zeroed counters.
func New() *Engine {
	e := &Engine{
		startedAt: time.Now(),
		now:       time.Now,
		failures:  make(map[types.Kind]*atomic.Int64, len(types.Kinds())),
	}
	for _, k := range types.Kinds() {
		e.failures[k] = &atomic.Int64{}
	}
	e.latencyMin.Store(math.MaxInt64)
	return e
}

// RecordEnqueued counts n transfers admitted into the queue.
func (e *Engine) RecordEnqueued(n int) {
	if n <= 0 {
		return
	}
	e.enqueued.Add(int64(n))
	sec := e.now().Unix()
	e.mu.Lock()
	e.bucketAt(sec).enqueued += int64(n)
	e.mu.Unlock()
}

// RecordOutcome counts one finished transfer attempt. Retried transfers are
// recorded once per attempt; success latency feeds the processing-time
// aggregates.
func (e *Engine) RecordOutcome(success bool, kind types.Kind, latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	e.latencySum.Add(int64(latency))
	e.latencyCount.Add(1)
	atomicMax(&e.latencyMax, int64(latency))
	atomicMin(&e.latencyMin, int64(latency))

	sec := e.now().Unix()
	if success {
		e.succeeded.Add(1)
		e.mu.Lock()
		e.bucketAt(sec).successful++
		e.sustainedAt(sec).successful++
		e.mu.Unlock()
		return
	}
	e.failed.Add(1)
	if ctr, ok := e.failures[kind]; ok {
		ctr.Add(1)
	}
	e.mu.Lock()
	e.bucketAt(sec).failed++
	e.mu.Unlock()
}

// RecordBatchStarted counts a batch handed to the executor.
func (e *Engine) RecordBatchStarted() { e.batchesStarted.Add(1) }

// RecordBatchError counts a batch that failed before producing per-transfer
// outcomes.
func (e *Engine) RecordBatchError() { e.batchErrors.Add(1) }

// RecordBatchCompleted stores one finished batch and its duration sample.
func (e *Engine) RecordBatchCompleted(bm types.BatchMetrics) {
	e.batchesCompleted.Add(1)
	at := bm.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	e.mu.Lock()
	e.samples = append(e.samples, BatchSample{
		At:         at,
		Size:       bm.Size,
		Successful: bm.Successful,
		Duration:   bm.Duration,
	})
	e.pruneSamples(e.now())
	e.mu.Unlock()
}

// bucketAt returns the short-ring bucket for sec, resetting a stale slot.
// Caller holds mu.
func (e *Engine) bucketAt(sec int64) *bucket {
	b := &e.ring[sec%int64(len(e.ring))]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	return b
}

// sustainedAt returns the long-ring slot for sec, resetting a stale slot.
// Caller holds mu.
func (e *Engine) sustainedAt(sec int64) *secCount {
	s := &e.sustained[sec%sustainedWindow]
	if s.sec != sec {
		*s = secCount{sec: sec}
	}
	return s
}

func (e *Engine) pruneSamples(now time.Time) {
	horizon := now.Add(-sustainedWindow * time.Second)
	i := 0
	for i < len(e.samples) && e.samples[i].At.Before(horizon) {
		i++
	}
	if i > 0 {
		e.samples = append(e.samples[:0], e.samples[i:]...)
	}
	if len(e.samples) > maxBatchSamples {
		e.samples = append(e.samples[:0], e.samples[len(e.samples)-maxBatchSamples:]...)
	}
}

// CurrentTPS averages successful transfers over the last five completed
// seconds. The current partial second is excluded.
func (e *Engine) CurrentTPS() float64 {
	now := e.now().Unix()
	var sum int64
	e.mu.Lock()
	for s := now - currentWindow; s < now; s++ {
		b := e.ring[s%int64(len(e.ring))]
		if b.sec == s {
			sum += b.successful
		}
	}
	e.mu.Unlock()
	return float64(sum) / currentWindow
}

// Sustained reports whether at least 80% of the seconds in the trailing
// ten-minute window saw TargetTPS or more successful transfers. Always
// false until ten minutes of history exist.
func (e *Engine) Sustained() bool {
	now := e.now().Unix()
	var hits int
	e.mu.Lock()
	for s := now - sustainedWindow; s < now; s++ {
		sc := e.sustained[s%sustainedWindow]
		if sc.sec == s && sc.successful >= TargetTPS {
			hits++
		}
	}
	e.mu.Unlock()
	return float64(hits) >= sustainedFraction*sustainedWindow
}

// SuccessRate is the lifetime fraction of attempts that succeeded. Reports
// 1 before any attempt so an idle gateway does not read as failing.
func (e *Engine) SuccessRate() float64 {
	ok := e.succeeded.Load()
	total := ok + e.failed.Load()
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

// RecentBatchDuration averages batch durations over the given trailing
// window. Returns 0 when no batch completed inside it.
func (e *Engine) RecentBatchDuration(window time.Duration) time.Duration {
	horizon := e.now().Add(-window)
	var sum time.Duration
	var n int
	e.mu.Lock()
	for i := len(e.samples) - 1; i >= 0; i-- {
		if e.samples[i].At.Before(horizon) {
			break
		}
		sum += e.samples[i].Duration
		n++
	}
	e.mu.Unlock()
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// WindowCounts summarizes the trailing 60 seconds.
type WindowCounts struct {
	Enqueued   int64 `json:"enqueued"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Compliance is the throughput verdict reported by the control surface.
type Compliance struct {
	Achieved      bool    `json:"achieved"`
	CurrentTPS    float64 `json:"currentTps"`
	Sustained     bool    `json:"sustained"`
	SuccessRate   float64 `json:"successRate"`
	WindowSeconds int     `json:"windowSeconds"`
	TargetTPS     int     `json:"targetTps"`
}

// Compliance evaluates the sustained-throughput verdict: ten minutes of
// target-rate seconds and a healthy success rate.
func (e *Engine) Compliance() Compliance {
	rate := e.SuccessRate()
	sustained := e.Sustained()
	return Compliance{
		Achieved:      sustained && rate >= TargetSuccessRate,
		CurrentTPS:    e.CurrentTPS(),
		Sustained:     sustained,
		SuccessRate:   rate,
		WindowSeconds: sustainedWindow,
		TargetTPS:     TargetTPS,
	}
}

// Snapshot is a point-in-time copy of every reported metric.
type Snapshot struct {
	Timestamp        time.Time        `json:"timestamp"`
	UptimeSeconds    float64          `json:"uptimeSeconds"`
	Enqueued         int64            `json:"transfersEnqueued"`
	Succeeded        int64            `json:"transfersSucceeded"`
	Failed           int64            `json:"transfersFailed"`
	SuccessRate      float64          `json:"successRate"`
	CurrentTPS       float64          `json:"currentTps"`
	AverageTPS       float64          `json:"averageTps"`
	Sustained        bool             `json:"sustained10m"`
	Compliant        bool             `json:"compliant"`
	BatchesStarted   int64            `json:"batchesStarted"`
	BatchesCompleted int64            `json:"batchesCompleted"`
	BatchErrors      int64            `json:"batchErrors"`
	AvgProcessingMs  float64          `json:"avgProcessingMs"`
	MinProcessingMs  float64          `json:"minProcessingMs"`
	MaxProcessingMs  float64          `json:"maxProcessingMs"`
	FailuresByKind   map[string]int64 `json:"failuresByKind"`
	Window60s        WindowCounts     `json:"window60s"`
}

// Snapshot assembles the full metrics view served at the metrics endpoint.
func (e *Engine) Snapshot() Snapshot {
	now := e.now()
	rate := e.SuccessRate()
	current := e.CurrentTPS()

	snap := Snapshot{
		Timestamp:        now,
		UptimeSeconds:    now.Sub(e.startedAt).Seconds(),
		Enqueued:         e.enqueued.Load(),
		Succeeded:        e.succeeded.Load(),
		Failed:           e.failed.Load(),
		SuccessRate:      rate,
		CurrentTPS:       current,
		Sustained:        e.Sustained(),
		Compliant:        current >= TargetTPS && rate >= TargetSuccessRate,
		BatchesStarted:   e.batchesStarted.Load(),
		BatchesCompleted: e.batchesCompleted.Load(),
		BatchErrors:      e.batchErrors.Load(),
		FailuresByKind:   make(map[string]int64, len(e.failures)),
	}
	if up := snap.UptimeSeconds; up > 0 {
		snap.AverageTPS = float64(snap.Succeeded) / up
	}
	if n := e.latencyCount.Load(); n > 0 {
		snap.AvgProcessingMs = float64(e.latencySum.Load()) / float64(n) / float64(time.Millisecond)
		snap.MinProcessingMs = float64(e.latencyMin.Load()) / float64(time.Millisecond)
		snap.MaxProcessingMs = float64(e.latencyMax.Load()) / float64(time.Millisecond)
	}
	for k, ctr := range e.failures {
		snap.FailuresByKind[string(k)] = ctr.Load()
	}

	nowSec := now.Unix()
	e.mu.Lock()
	for s := nowSec - int64(len(e.ring)) + 1; s <= nowSec; s++ {
		b := e.ring[s%int64(len(e.ring))]
		if b.sec == s {
			snap.Window60s.Enqueued += b.enqueued
			snap.Window60s.Successful += b.successful
			snap.Window60s.Failed += b.failed
		}
	}
	e.mu.Unlock()
	return snap
}

// Samples copies the current per-batch sample list, newest last.
func (e *Engine) Samples() []BatchSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BatchSample, len(e.samples))
	copy(out, e.samples)
	return out
}

func atomicMax(n *atomic.Int64, v int64) {
	for {
		cur := n.Load()
		if v <= cur || n.CompareAndSwap(cur, v) {
			return
		}
	}
}

func atomicMin(n *atomic.Int64, v int64) {
	for {
		cur := n.Load()
		if v >= cur || n.CompareAndSwap(cur, v) {
			return
		}
	}
}
