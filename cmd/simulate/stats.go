package main

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationMetrics counts outcomes and keeps every latency for percentiles.
type OperationMetrics struct {
	Total    atomic.Int64
	Success  atomic.Int64
	Conflict atomic.Int64
	Error    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	om.Total.Add(1)
	switch {
	case err == nil && status >= 200 && status < 300:
		om.Success.Add(1)
	case err == nil && status == 409:
		om.Conflict.Add(1)
	default:
		om.Error.Add(1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

type LatencyStats struct {
	Avg, Min, Max, P50, P95, P99 time.Duration
}

func (om *OperationMetrics) Stats() LatencyStats {
	om.mu.Lock()
	latencies := slices.Clone(om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return LatencyStats{}
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}
	return LatencyStats{
		Avg: sum / time.Duration(len(latencies)),
		Min: latencies[0],
		Max: latencies[len(latencies)-1],
		P50: pct(50),
		P95: pct(95),
		P99: pct(99),
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := om.Total.Load()
	if total == 0 {
		return
	}
	share := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", om.Success.Load(), share(om.Success.Load()))
	if c := om.Conflict.Load(); c > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", c, share(c))
	}
	if e := om.Error.Load(); e > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", e, share(e))
	}
	s := om.Stats()
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s p99=%s\n",
		s.Avg.Round(time.Millisecond), s.Min.Round(time.Millisecond), s.Max.Round(time.Millisecond),
		s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond), s.P99.Round(time.Millisecond))
	fmt.Println()
}

func rule() string { return strings.Repeat("=", 80) }
