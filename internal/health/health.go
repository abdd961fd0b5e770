// Package health probes the service's hard dependencies. Probes run in
// parallel with individual deadlines so one hung dependency cannot consume
// the whole report budget.
package health

import (
	"context"
	"sync"
	"time"
)

const (
	// ProbeTimeout bounds each individual dependency check.
	ProbeTimeout = 3 * time.Second
	// ReportTimeout bounds the whole report.
	ReportTimeout = 5 * time.Second
)

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Wire values for per-dependency and overall status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Status is the outcome of one probe.
type Status struct {
	Status    string `json:"status"` // healthy, unhealthy
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Report runs all probes concurrently and returns per-dependency statuses
// plus overall health. A probe that exceeds its deadline reports the context
// error like any other failure.
func Report(ctx context.Context, probes []Probe) (map[string]Status, bool) {
	ctx, cancel := context.WithTimeout(ctx, ReportTimeout)
	defer cancel()

	results := make(map[string]Status, len(probes))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, pcancel := context.WithTimeout(ctx, ProbeTimeout)
			defer pcancel()

			start := time.Now()
			err := p.Check(pctx)
			st := Status{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				st.Status = StatusUnhealthy
				st.Error = err.Error()
			}

			mu.Lock()
			results[p.Name] = st
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	healthy := true
	for _, st := range results {
		if st.Status != StatusHealthy {
			healthy = false
		}
	}
	return results, healthy
}
