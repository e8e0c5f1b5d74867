package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole gateway unhealthy

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckResult is a point-in-time view of one check.
type CheckResult struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	Error     string          `json:"error,omitempty"`
}

type HealthMonitor struct {
	mu            sync.RWMutex
	checks        map[string]*HealthCheck
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once, then each on its own interval until Stop or
// ctx is done.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.RunChecks(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.run(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) run(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring component", "component", check.Name, "interval", check.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

// RunChecks performs every registered check once, synchronously.
func (hm *HealthMonitor) RunChecks(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	for _, c := range checks {
		hm.performCheck(ctx, c)
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := safeCheck(ctx, check)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// One failure degrades; a failure rate of half or more is unhealthy.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))
	if err != nil {
		logger.Warn("Health: check failed", "component", check.Name, "status", current, "error", err)
	}
	if previous != current {
		logger.Info("Health: component status changed", "component", check.Name, "from", previous, "to", current)
	}

	hm.updateOverallStatus()
}

func safeCheck(ctx context.Context, check *HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return check.Check(ctx)
}

// statusValue maps a status to the gauge value (1=unhealthy, 2=degraded,
// 3=healthy).
func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	default:
		return 1
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch {
		case status == StatusUnhealthy && critical:
			criticalUnhealthy = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
	if previous != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previous, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Results returns every check sorted by name.
func (hm *HealthMonitor) Results() []CheckResult {
	hm.mu.RLock()
	out := make([]CheckResult, 0, len(hm.checks))
	for _, check := range hm.checks {
		check.mu.RLock()
		r := CheckResult{
			Name:      check.Name,
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
		}
		if check.lastError != nil {
			r.Error = check.lastError.Error()
		}
		check.mu.RUnlock()
		out = append(out, r)
	}
	hm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
