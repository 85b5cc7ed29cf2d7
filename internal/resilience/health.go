package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency_ns"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthAlert is raised when a component becomes unhealthy or a check
// panics.
type HealthAlert struct {
	Component string
	Status    HealthStatus
	Message   string
	Timestamp time.Time
}

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckTimeout       time.Duration
	MemoryThresholdMB  uint64
	GoroutineThreshold int
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckTimeout:       5 * time.Second,
		MemoryThresholdMB:  500,
		GoroutineThreshold: 1000,
	}
}

// HealthMonitor runs registered component checks plus process checks.
type HealthMonitor struct {
	mu sync.RWMutex

	checkTimeout       time.Duration
	memoryThreshold    uint64
	goroutineThreshold int

	startTime       time.Time
	components      map[string]HealthCheck
	componentHealth map[string]ComponentHealth
	overallStatus   HealthStatus
	onAlert         func(HealthAlert)

	totalChecks     int64
	failedChecks    int64
	panicRecoveries int64
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(config HealthMonitorConfig) *HealthMonitor {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &HealthMonitor{
		checkTimeout:       config.CheckTimeout,
		memoryThreshold:    config.MemoryThresholdMB * 1024 * 1024,
		goroutineThreshold: config.GoroutineThreshold,
		startTime:          time.Now(),
		components:         make(map[string]HealthCheck),
		componentHealth:    make(map[string]ComponentHealth),
		overallStatus:      HealthStatusUnknown,
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// SetAlertCallback sets the callback for health alerts.
func (m *HealthMonitor) SetAlertCallback(callback func(HealthAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = callback
}

// Run checks every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs every check now and returns the resulting system health.
// Alerts fire only when a component turns unhealthy.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components)+2)
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer m.recoverPanic(n, results)

			start := time.Now()
			health := c(ctx)
			health.Name = n
			health.LastCheck = time.Now()
			health.Latency = time.Since(start)
			results <- health
		}(name, check)
	}
	results <- m.checkMemory()
	results <- m.checkGoroutines()
	wg.Wait()
	close(results)

	var alerts []HealthAlert
	m.mu.Lock()
	m.totalChecks++
	hasUnhealthy, hasDegraded := false, false
	for health := range results {
		prev, seen := m.componentHealth[health.Name]
		m.componentHealth[health.Name] = health

		switch health.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
			m.failedChecks++
			if !seen || prev.Status != HealthStatusUnhealthy {
				alerts = append(alerts, HealthAlert{
					Component: health.Name,
					Status:    health.Status,
					Message:   health.Message,
					Timestamp: health.LastCheck,
				})
			}
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}
	switch {
	case hasUnhealthy:
		m.overallStatus = HealthStatusUnhealthy
	case hasDegraded:
		m.overallStatus = HealthStatusDegraded
	default:
		m.overallStatus = HealthStatusHealthy
	}
	onAlert := m.onAlert
	m.mu.Unlock()

	if onAlert != nil {
		for _, a := range alerts {
			onAlert(a)
		}
	}
	return m.GetHealth()
}

func (m *HealthMonitor) checkMemory() ComponentHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := ComponentHealth{Name: "memory", LastCheck: time.Now(), Status: HealthStatusHealthy}
	mb := memStats.Alloc / 1024 / 1024
	health.Message = fmt.Sprintf("Memory usage: %d MB", mb)
	if m.memoryThreshold > 0 && memStats.Alloc > m.memoryThreshold {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Memory usage high: %d MB", mb)
	}
	return health
}

func (m *HealthMonitor) checkGoroutines() ComponentHealth {
	n := runtime.NumGoroutine()
	health := ComponentHealth{Name: "goroutines", LastCheck: time.Now(), Status: HealthStatusHealthy}
	health.Message = fmt.Sprintf("Goroutine count: %d", n)
	if m.goroutineThreshold > 0 && n > m.goroutineThreshold {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("High goroutine count: %d", n)
	}
	return health
}

func (m *HealthMonitor) recoverPanic(component string, results chan<- ComponentHealth) {
	if r := recover(); r != nil {
		m.mu.Lock()
		m.panicRecoveries++
		m.mu.Unlock()
		results <- ComponentHealth{
			Name:      component,
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Panic recovered: %v", r),
			LastCheck: time.Now(),
		}
	}
}

// GetHealth returns the result of the last check.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.componentHealth))
	for _, h := range m.componentHealth {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:          m.overallStatus,
		Uptime:          time.Since(m.startTime).Round(time.Second).String(),
		StartTime:       m.startTime,
		Components:      components,
		TotalChecks:     m.totalChecks,
		FailedChecks:    m.failedChecks,
		PanicRecoveries: m.panicRecoveries,
	}
}

// IsHealthy returns true if the system is healthy.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallStatus == HealthStatusHealthy
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status          HealthStatus      `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	Components      []ComponentHealth `json:"components"`
	TotalChecks     int64             `json:"total_checks"`
	FailedChecks    int64             `json:"failed_checks"`
	PanicRecoveries int64             `json:"panic_recoveries"`
}

// FlagHealthCheck reports unhealthy while failing returns true.
func FlagHealthCheck(failing func() bool, message string) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if failing() {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: message}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

// FreshnessHealthCheck degrades when nothing has arrived within maxAge
// while active reports true.
func FreshnessHealthCheck(last func() time.Time, maxAge time.Duration, active func() bool, now func() time.Time) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if active != nil && !active() {
			return ComponentHealth{Status: HealthStatusHealthy, Message: "inactive"}
		}
		at := last()
		if at.IsZero() {
			return ComponentHealth{Status: HealthStatusDegraded, Message: "no data received"}
		}
		if age := now().Sub(at); age > maxAge {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("No data for %v", age.Round(time.Second))}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start)

		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Database ping failed: %v", err)}
		}
		if latency > 100*time.Millisecond {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("Database slow: %v", latency)}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}
