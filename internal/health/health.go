// Package health tracks whether hwrngd can serve entropy.
//
// A Checker knows three kinds of component: the fallback chain, each
// source in it, and the kernel entropy pool the feeder tops up. Only the
// chain is critical; a failing source or a low pool degrades the report
// because the chain routes around them.
//
// Readiness is a set of gates the daemon opens as it starts (chain built,
// feeder running, serving) and closes as it stops. /readyz answers 200
// only when every required gate is open and the chain is not unhealthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single component check.
const DefaultTimeout = 5 * time.Second

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked yet.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ns"`
	Error       string                 `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Gate is a startup condition the daemon must reach before it is ready.
type Gate string

const (
	GateChain   Gate = "chain_built"
	GateFeeder  Gate = "feeder_running"
	GateServing Gate = "serving"
)

// Report is the aggregated view served on /healthz.
type Report struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Uptime    string                 `json:"uptime"`
	Gates     map[Gate]bool          `json:"gates"`
	Chain     CheckResult            `json:"chain"`
	Sources   map[string]CheckResult `json:"sources,omitempty"`
	Pool      *CheckResult           `json:"pool,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type component struct {
	check  Check
	result CheckResult
}

func newComponent(check Check) *component {
	return &component{check: check, result: CheckResult{Status: StatusUnknown}}
}

// Checker holds the chain, source and pool checks and the readiness gates.
type Checker struct {
	mu        sync.RWMutex
	timeout   time.Duration
	chain     *component
	sources   map[string]*component
	pool      *component
	gates     map[Gate]bool
	startTime time.Time
}

// NewChecker creates a Checker with no components and no gates.
func NewChecker() *Checker {
	return &Checker{
		timeout:   DefaultTimeout,
		sources:   make(map[string]*component),
		gates:     make(map[Gate]bool),
		startTime: time.Now(),
	}
}

// SetChain installs the critical chain check.
func (c *Checker) SetChain(gen Generator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = newComponent(ChainCheck(gen))
}

// SetSources replaces the per-source checks with one per member of srcs,
// keyed by the lower-cased source name. Results of sources that remain
// are carried over.
func (c *Checker) SetSources(srcs []Source) {
	next := make(map[string]*component, len(srcs))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, src := range srcs {
		name := strings.ToLower(src.Name())
		comp := newComponent(SourceCheck(src))
		if prev, ok := c.sources[name]; ok {
			comp.result = prev.result
		}
		next[name] = comp
	}
	c.sources = next
}

// SetPool installs the kernel pool check. A nil read removes it.
func (c *Checker) SetPool(read func() (int, error), lowWater int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if read == nil {
		c.pool = nil
		return
	}
	comp := newComponent(PoolCheck(read, lowWater))
	if c.pool != nil {
		comp.result = c.pool.result
	}
	c.pool = comp
}

// Require adds a closed gate that must be opened before the daemon is
// ready. Requiring an existing gate leaves its state alone.
func (c *Checker) Require(g Gate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.gates[g]; !ok {
		c.gates[g] = false
	}
}

// Open marks a required gate as reached. Opening an unrequired gate
// requires it.
func (c *Checker) Open(g Gate) {
	c.setGate(g, true)
}

// Close marks a gate as not reached.
func (c *Checker) Close(g Gate) {
	c.setGate(g, false)
}

func (c *Checker) setGate(g Gate, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gates[g] = open
}

// Ready reports whether every required gate is open.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readyLocked()
}

func (c *Checker) readyLocked() bool {
	if len(c.gates) == 0 {
		return false
	}
	for _, open := range c.gates {
		if !open {
			return false
		}
	}
	return true
}

// Check runs every component concurrently and returns the new report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	comps := make([]*component, 0, len(c.sources)+2)
	if c.chain != nil {
		comps = append(comps, c.chain)
	}
	if c.pool != nil {
		comps = append(comps, c.pool)
	}
	for _, comp := range c.sources {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.run(ctx, comp.check)

			c.mu.Lock()
			comp.result = result
			c.mu.Unlock()
		}()
	}
	wg.Wait()

	return c.Report()
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}

	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// Run re-checks every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Report returns the latest results without running any check.
func (c *Checker) Report() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := Report{
		Ready:     c.readyLocked(),
		Uptime:    time.Since(c.startTime).String(),
		Gates:     maps.Clone(c.gates),
		Chain:     CheckResult{Status: StatusUnknown},
		Timestamp: time.Now(),
	}
	if c.chain != nil {
		r.Chain = c.chain.result
	}
	if len(c.sources) > 0 {
		r.Sources = make(map[string]CheckResult, len(c.sources))
		for name, comp := range c.sources {
			r.Sources[name] = comp.result
		}
	}
	if c.pool != nil {
		pool := c.pool.result
		r.Pool = &pool
	}
	r.Status = r.aggregate()
	return r
}

// aggregate derives the overall status. The chain decides between
// unknown, unhealthy and the rest; anything short of healthy elsewhere
// degrades.
func (r Report) aggregate() Status {
	switch r.Chain.Status {
	case StatusUnhealthy, StatusUnknown:
		return r.Chain.Status
	}

	status := r.Chain.Status
	for _, res := range r.Sources {
		if res.Status != StatusHealthy && res.Status != StatusUnknown {
			status = StatusDegraded
		}
	}
	if r.Pool != nil && r.Pool.Status != StatusHealthy && r.Pool.Status != StatusUnknown {
		status = StatusDegraded
	}
	return status
}

// LivenessHandler returns an HTTP handler for liveness probes.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler returns an HTTP handler for readiness probes. It uses
// the latest results and runs no checks.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Report()

		code := http.StatusOK
		if !report.Ready || report.Chain.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"ready":     report.Ready,
			"gates":     report.Gates,
			"chain":     report.Chain.Status,
			"timestamp": report.Timestamp,
		})
	})
}

// HealthHandler runs every check and serves the full report. Degraded is
// still 200.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
