// Package schedule enforces politeness: concurrency budgets, request rates,
// and a per-domain circuit breaker that backs off failing hosts.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// CircuitState is the breaker state for one domain.
type CircuitState string

const (
	// CircuitClosed lets requests through normally.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen refuses requests until the cooldown elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen lets a single probe request through.
	CircuitHalfOpen CircuitState = "half_open"
)

// Config tunes the scheduler. Zero values disable the corresponding limit.
type Config struct {
	GlobalConcurrency    int
	PerDomainConcurrency int
	GlobalRPS            float64
	PerDomainRPS         float64
	// Delay is a fixed minimum interval between requests to one domain,
	// applied on top of PerDomainRPS when longer.
	Delay time.Duration

	FailureThreshold int
	Cooldown         time.Duration
}

type domainState struct {
	limiter *rate.Limiter
	slots   *semaphore.Weighted

	circuit       CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Scheduler coordinates request admission across domains. One instance
// belongs to one job; nothing here is process-global.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	global  *semaphore.Weighted
	limiter *rate.Limiter
	domains map[string]*domainState
	log     *slog.Logger

	now func() time.Time
}

// New builds a scheduler from config. Unset thresholds get conservative
// defaults so a zero-value breaker still protects failing hosts.
func New(cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	s := &Scheduler{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		log:     log,
		now:     time.Now,
	}
	if cfg.GlobalConcurrency > 0 {
		s.global = semaphore.NewWeighted(int64(cfg.GlobalConcurrency))
	}
	if cfg.GlobalRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), max(1, int(cfg.GlobalRPS)))
	}
	return s
}

// Acquire blocks until a slot for the domain is available, honoring the
// global and per-domain budgets. It returns (false, nil) when the domain's
// circuit is open; the caller should re-queue the URL rather than treat that
// as a failure. The error return is non-nil only when ctx is done.
func (s *Scheduler) Acquire(ctx context.Context, domain string) (bool, error) {
	if !s.admit(domain) {
		return false, nil
	}

	if s.global != nil {
		if err := s.global.Acquire(ctx, 1); err != nil {
			s.abandonProbe(domain)
			return false, err
		}
	}
	ds := s.state(domain)
	if ds.slots != nil {
		if err := ds.slots.Acquire(ctx, 1); err != nil {
			s.releaseGlobal()
			s.abandonProbe(domain)
			return false, err
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.release(domain, ds)
			s.abandonProbe(domain)
			return false, err
		}
	}
	if ds.limiter != nil {
		if err := ds.limiter.Wait(ctx); err != nil {
			s.release(domain, ds)
			s.abandonProbe(domain)
			return false, err
		}
	}
	return true, nil
}

// Release frees the slot taken by a successful Acquire.
func (s *Scheduler) Release(domain string) {
	s.mu.Lock()
	ds := s.domains[domain]
	s.mu.Unlock()
	s.release(domain, ds)
}

func (s *Scheduler) release(_ string, ds *domainState) {
	if ds != nil && ds.slots != nil {
		ds.slots.Release(1)
	}
	s.releaseGlobal()
}

func (s *Scheduler) releaseGlobal() {
	if s.global != nil {
		s.global.Release(1)
	}
}

// ReportSuccess clears the domain's failure streak and closes its circuit.
func (s *Scheduler) ReportSuccess(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.stateLocked(domain)
	if ds.circuit != CircuitClosed {
		s.log.Info("circuit closed", "domain", domain)
	}
	ds.circuit = CircuitClosed
	ds.failures = 0
	ds.probeInFlight = false
}

// ReportFailure counts a consecutive failure. Reaching the threshold opens
// the circuit; a failed half-open probe re-opens it immediately.
func (s *Scheduler) ReportFailure(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.stateLocked(domain)
	ds.failures++
	if ds.circuit == CircuitHalfOpen || ds.failures >= s.cfg.FailureThreshold {
		if ds.circuit != CircuitOpen {
			s.log.Warn("circuit opened",
				"domain", domain,
				"consecutive_failures", ds.failures,
				"cooldown", s.cfg.Cooldown)
		}
		ds.circuit = CircuitOpen
		ds.openedAt = s.now()
		ds.probeInFlight = false
	}
}

// Circuit reports the domain's current breaker state.
func (s *Scheduler) Circuit(domain string) CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.domains[domain]
	if !ok {
		return CircuitClosed
	}
	if ds.circuit == CircuitOpen && s.now().Sub(ds.openedAt) >= s.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return ds.circuit
}

// admit applies the breaker. Open circuits transition to half-open after the
// cooldown, admitting exactly one probe at a time.
func (s *Scheduler) admit(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.stateLocked(domain)

	switch ds.circuit {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if s.now().Sub(ds.openedAt) < s.cfg.Cooldown {
			return false
		}
		ds.circuit = CircuitHalfOpen
		ds.probeInFlight = true
		s.log.Info("circuit half-open, probing", "domain", domain)
		return true
	case CircuitHalfOpen:
		if ds.probeInFlight {
			return false
		}
		ds.probeInFlight = true
		return true
	}
	return true
}

// abandonProbe undoes the probe reservation when Acquire fails after
// admission (context cancellation mid-wait).
func (s *Scheduler) abandonProbe(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.domains[domain]; ok && ds.circuit == CircuitHalfOpen {
		ds.probeInFlight = false
	}
}

func (s *Scheduler) state(domain string) *domainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(domain)
}

func (s *Scheduler) stateLocked(domain string) *domainState {
	ds, ok := s.domains[domain]
	if !ok {
		ds = &domainState{circuit: CircuitClosed}
		if s.cfg.PerDomainConcurrency > 0 {
			ds.slots = semaphore.NewWeighted(int64(s.cfg.PerDomainConcurrency))
		}
		if interval := s.domainInterval(); interval > 0 {
			ds.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
		s.domains[domain] = ds
	}
	return ds
}

// domainInterval is the effective minimum spacing between requests to one
// domain: the stricter of the RPS limit and the fixed delay.
func (s *Scheduler) domainInterval() time.Duration {
	var interval time.Duration
	if s.cfg.PerDomainRPS > 0 {
		interval = time.Duration(float64(time.Second) / s.cfg.PerDomainRPS)
	}
	if s.cfg.Delay > interval {
		interval = s.cfg.Delay
	}
	return interval
}
