package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Pinger is any dependency with a liveness probe: brokers, queue stores,
// subscription indexes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails.
type PingChecker struct {
	name   string
	target Pinger
}

// NewPingChecker creates a checker named name over target.
func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Details: map[string]any{}}

	if err := c.target.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "reachable"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ConnectionState is implemented by connections that reconnect on their own,
// such as the RabbitMQ connection manager.
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker reports degraded while a self-healing connection is down.
type ConnectionChecker struct {
	name string
	conn ConnectionState
}

func NewConnectionChecker(name string, conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string { return c.name }

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	result := CheckResult{Name: c.name, Timestamp: time.Now(), Status: StatusHealthy, Message: "connected"}
	if !c.conn.IsConnected() {
		result.Status = StatusDegraded
		result.Message = "reconnecting"
	}
	return result
}

// RuntimeChecker watches the goroutine count. Each push session holds a few
// goroutines, so the thresholds scale with expected connections.
type RuntimeChecker struct {
	warn     int
	critical int
}

// NewRuntimeChecker creates a checker degrading above warn goroutines and
// failing above critical.
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{warn: warn, critical: critical}
}

func (c *RuntimeChecker) Name() string { return "runtime" }

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "normal",
		Details: map[string]any{
			"goroutines":     goroutines,
			"heap_alloc_mb":  float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
		},
	}
	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	}
	result.Duration = time.Since(start)
	return result
}

// Func adapts a function to Checker.
type Func struct {
	name string
	fn   func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewFunc creates a checker for a custom component.
func NewFunc(name string, fn func(ctx context.Context) (Status, string, map[string]any, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (c *Func) Name() string { return c.name }

func (c *Func) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, msg, details, err := c.fn(ctx)
	result := CheckResult{Name: c.name, Status: status, Message: msg, Details: details, Timestamp: start}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
