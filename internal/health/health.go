// Package health runs periodic dependency checks and serves their state.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named probe and its latest result.
type Check struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	fn func(ctx context.Context) error
}

// Monitor runs every registered check on an interval.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]*Check
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewMonitor(logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		checks:   make(map[string]*Check),
		logger:   logger.With("component", "health"),
		interval: interval,
		timeout:  10 * time.Second,
	}
}

// AddCheck registers fn under name. Checks start healthy until proven otherwise.
func (m *Monitor) AddCheck(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = &Check{Name: name, Status: StatusHealthy, fn: fn}
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunAll(ctx)
		}
	}
}

// RunAll runs every check concurrently and waits for them.
func (m *Monitor) RunAll(ctx context.Context) {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c *Check) {
			defer wg.Done()
			m.runCheck(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (m *Monitor) runCheck(ctx context.Context, c *Check) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := c.fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	c.LastCheck = start
	c.Duration = time.Since(start)

	if err != nil {
		if c.Status != StatusUnhealthy {
			m.logger.Error("Health check failed", "check", c.Name, "error", err)
		}
		c.Status = StatusUnhealthy
		c.Error = err.Error()
		return
	}

	if c.Status != StatusHealthy {
		m.logger.Info("Health check recovered", "check", c.Name)
	}
	c.Status = StatusHealthy
	c.Error = ""
}

// Snapshot returns copies of all checks sorted by name.
func (m *Monitor) Snapshot() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		cp := *c
		cp.fn = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall is unhealthy when any check is.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checks {
		if c.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}
	return StatusHealthy
}

// Register mounts /healthz, /healthz/ready and /healthz/live on r.
func (m *Monitor) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		overall := m.Overall()
		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    overall,
			"checks":    m.Snapshot(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.GET("/healthz/ready", func(c *gin.Context) {
		if m.Overall() == StatusUnhealthy {
			c.String(http.StatusServiceUnavailable, "Not Ready")
			return
		}
		c.String(http.StatusOK, "Ready")
	})

	r.GET("/healthz/live", func(c *gin.Context) {
		c.String(http.StatusOK, "Live")
	})
}
