package usecases

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/domain/repositories"
	"kms-core.backend/pkg/logger"
)

type probe func(ctx context.Context) entities.ComponentHealth

// HealthChecker probes the master key, database, cache and rotation backlog in parallel.
type HealthChecker struct {
	masterKey *MasterKeyManager
	keys      repositories.KeyRepository
	cache     repositories.KeyCache
	alerts    *AlertManager
	timeout   time.Duration

	mu   sync.RWMutex
	last *entities.HealthStatus
}

func NewHealthChecker(masterKey *MasterKeyManager, keys repositories.KeyRepository, cache repositories.KeyCache, alerts *AlertManager, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HealthChecker{
		masterKey: masterKey,
		keys:      keys,
		cache:     cache,
		alerts:    alerts,
		timeout:   timeout,
	}
}

func (h *HealthChecker) CheckHealth(ctx context.Context) *entities.HealthStatus {
	probes := map[string]probe{
		entities.ComponentMasterKey: h.checkMasterKey,
		entities.ComponentDatabase:  h.checkDatabase,
		entities.ComponentCache:     h.checkCache,
		entities.ComponentRotation:  h.checkRotation,
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		checks = make(map[string]entities.ComponentHealth, len(probes))
	)
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p probe) {
			defer wg.Done()
			res := h.run(ctx, p)
			mu.Lock()
			checks[name] = res
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	prev := h.GetLastHealthCheck()
	status := &entities.HealthStatus{
		Healthy:   true,
		Timestamp: nowFunc().UTC(),
		Checks:    checks,
	}
	var problems []string
	for name, c := range checks {
		if c.Status != entities.ComponentHealthy {
			status.Healthy = false
			problems = append(problems, fmt.Sprintf("%s: %s (%s)", name, c.Status, c.Message))
		}
		if c.Status == entities.ComponentUnhealthy && h.alerts != nil && !wasUnhealthy(prev, name) {
			h.alerts.HandleHealthCheckFailure(ctx, name, c.Message)
		}
	}
	sort.Strings(problems)
	status.Details = strings.Join(problems, "; ")

	h.mu.Lock()
	h.last = status
	h.mu.Unlock()

	if !status.Healthy {
		logger.Warn(ctx, "Health check found problems", zap.String("details", status.Details))
	}
	return status
}

// wasUnhealthy reports whether the component was already down in prev, in which
// case its outage has been alerted.
func wasUnhealthy(prev *entities.HealthStatus, name string) bool {
	if prev == nil {
		return false
	}
	c, ok := prev.Checks[name]
	return ok && c.Status == entities.ComponentUnhealthy
}

// run executes one probe under its own timeout. A panic or timeout is reported as unhealthy.
func (h *HealthChecker) run(ctx context.Context, p probe) entities.ComponentHealth {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan entities.ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unhealthy(fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		done <- p(pctx)
	}()

	var res entities.ComponentHealth
	select {
	case res = <-done:
	case <-pctx.Done():
		res = unhealthy("probe timed out")
	}
	res.ResponseTime = time.Since(start)
	res.LastCheck = nowFunc().UTC()
	return res
}

func unhealthy(msg string) entities.ComponentHealth {
	return entities.ComponentHealth{Status: entities.ComponentUnhealthy, Message: msg}
}

func healthy(msg string) entities.ComponentHealth {
	return entities.ComponentHealth{Status: entities.ComponentHealthy, Message: msg}
}

func degraded(msg string) entities.ComponentHealth {
	return entities.ComponentHealth{Status: entities.ComponentDegraded, Message: msg}
}

func (h *HealthChecker) checkMasterKey(_ context.Context) entities.ComponentHealth {
	if !h.masterKey.ValidateMasterKey() {
		return unhealthy("master key is missing or insecure")
	}
	if _, err := h.masterKey.GetMasterKey(); err != nil {
		return unhealthy(err.Error())
	}
	return healthy("master key loaded")
}

func (h *HealthChecker) checkDatabase(ctx context.Context) entities.ComponentHealth {
	start := time.Now()
	if err := h.keys.Ping(ctx); err != nil {
		return unhealthy("database unreachable: " + err.Error())
	}
	total, err := h.keys.CountAll(ctx)
	if err != nil {
		return unhealthy("key table unreadable: " + err.Error())
	}
	if elapsed := time.Since(start); elapsed > databaseDegradedAfter {
		return degraded(fmt.Sprintf("slow database response: %s", elapsed))
	}
	return healthy(fmt.Sprintf("%d keys stored", total))
}

func (h *HealthChecker) checkCache(ctx context.Context) entities.ComponentHealth {
	start := time.Now()
	if err := h.cache.Ping(ctx); err != nil {
		return unhealthy(err.Error())
	}
	if !h.cache.HealthCheck(ctx) {
		return degraded("cache round-trip failed")
	}
	if elapsed := time.Since(start); elapsed > cacheDegradedAfter {
		return degraded(fmt.Sprintf("slow cache response: %s", elapsed))
	}
	return healthy("cache reachable")
}

func (h *HealthChecker) checkRotation(ctx context.Context) entities.ComponentHealth {
	overdue, err := h.keys.CountExpiredActive(ctx, nowFunc())
	if err != nil {
		return unhealthy("failed to count overdue keys: " + err.Error())
	}
	switch {
	case overdue == 0:
		return healthy("no keys overdue for rotation")
	case overdue <= overdueErrorThreshold:
		return degraded(fmt.Sprintf("%d keys overdue for rotation", overdue))
	default:
		return unhealthy(fmt.Sprintf("%d keys overdue for rotation", overdue))
	}
}

// GetLastHealthCheck returns the previous result, or nil before the first check.
func (h *HealthChecker) GetLastHealthCheck() *entities.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return nil
	}
	c := *h.last
	return &c
}

func (h *HealthChecker) IsCheckRecent(maxAge time.Duration) bool {
	last := h.GetLastHealthCheck()
	return last != nil && nowFunc().Sub(last.Timestamp) <= maxAge
}
