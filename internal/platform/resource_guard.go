package platform

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/odin-gateway/gwctl/internal/metrics"
	"github.com/rs/zerolog"
)

// GuardConfig is the static admission-control configuration a
// ResourceGuard enforces. No auto-calculation: limits are whatever the
// operator configured, enforced strictly.
type GuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	CPURejectThreshold float64
	MemoryLimitBytes   int64
}

// ResourceGuard enforces connection admission limits: a hard connection
// ceiling plus CPU/memory/goroutine emergency brakes, the same "static
// config, no auto-tuning" posture as the teacher's ResourceGuard.
type ResourceGuard struct {
	config GuardConfig
	logger zerolog.Logger

	goroutineLimiter *GoroutineLimiter
	cpuMonitor       *CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64

	currentConns *int64
}

// GoroutineLimiter bounds concurrent goroutines with a buffered-channel
// semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gl *GoroutineLimiter) Release() { <-gl.sem }
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }
func (gl *GoroutineLimiter) Max() int     { return gl.max }

// NewResourceGuard builds a guard against the given config. currentConns
// must point at the gateway's atomically-updated live session counter.
func NewResourceGuard(config GuardConfig, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	rg := &ResourceGuard{
		config:           config,
		logger:           logger,
		goroutineLimiter: NewGoroutineLimiter(config.MaxGoroutines),
		cpuMonitor:       NewCPUMonitor(logger),
		currentConns:     currentConns,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", rg.cpuMonitor.Mode()).
		Float64("cpu_allocation", rg.cpuMonitor.GetAllocation()).
		Int("max_connections", config.MaxConnections).
		Int("max_goroutines", config.MaxGoroutines).
		Msgf("resource guard initialized, will reject at %.0f%% CPU", config.CPURejectThreshold)

	return rg
}

// ShouldAcceptConnection runs the admission checks C6 applies before
// upgrading a connection: hard connection limit, CPU brake, memory
// brake, goroutine limit, in that order.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	currentConns := atomic.LoadInt64(rg.currentConns)
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)
	currentGoros := runtime.NumGoroutine()

	if currentConns >= int64(rg.config.MaxConnections) {
		metrics.AdmissionRejections.WithLabelValues("max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}

	if currentCPU > rg.config.CPURejectThreshold {
		metrics.AdmissionRejections.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.config.CPURejectThreshold)
	}

	if rg.config.MemoryLimitBytes > 0 && currentMemory > rg.config.MemoryLimitBytes {
		metrics.AdmissionRejections.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	}

	if currentGoros > rg.config.MaxGoroutines {
		metrics.AdmissionRejections.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, rg.config.MaxGoroutines)
	}

	return true, "OK"
}

// AcquireGoroutine/ReleaseGoroutine guard any gateway-spawned goroutine
// outside the session read/write pumps (which are bounded by the
// connection limit itself).
func (rg *ResourceGuard) AcquireGoroutine() bool { return rg.goroutineLimiter.Acquire() }
func (rg *ResourceGuard) ReleaseGoroutine()      { rg.goroutineLimiter.Release() }

// UpdateResources re-samples CPU and memory; call periodically from
// StartMonitoring.
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, throttle, err := rg.cpuMonitor.GetPercent()
	if err != nil {
		logging.Error(rg.logger, err, "failed to sample CPU usage", nil)
		cpuPercent = 0
	}
	rg.currentCPU.Store(cpuPercent)
	metrics.CPUUsagePercent.Set(cpuPercent)
	metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.Alloc))

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Uint64("cpu_throttled_periods", throttle.NrThrottled).
		Int64("memory_bytes", int64(mem.Alloc)).
		Int64("connections", atomic.LoadInt64(rg.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state sampled")
}

// StartMonitoring re-samples resource state on a fixed interval until
// ctx is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetStats returns a debug snapshot of current resource state. The
// /health endpoint does not include it.
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_connections":     rg.config.MaxConnections,
		"current_connections": atomic.LoadInt64(rg.currentConns),
		"cpu_percent":         rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"memory_bytes":        rg.currentMemory.Load().(int64),
		"goroutines_current":  runtime.NumGoroutine(),
		"goroutines_limit":    rg.config.MaxGoroutines,
	}
}
