package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/CassiopeiaCode/gemini-business2api/config"
	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

// Maintainer runs the periodic pool upkeep loops: dropping expired accounts,
// refreshing sessions that are about to expire, and topping the pool back up
// to its configured floor. Each loop reacts to context cancellation within
// one sleep interval.
type Maintainer struct {
	pool *account.Pool
	orch *Orchestrator
	cfg  config.PoolConfig
	log  *slog.Logger
}

func NewMaintainer(pool *account.Pool, orch *Orchestrator, cfg config.PoolConfig, log *slog.Logger) *Maintainer {
	return &Maintainer{
		pool: pool,
		orch: orch,
		cfg:  cfg,
		log:  log.With("component", "maintainer"),
	}
}

// RunRefreshPoller periodically deletes expired accounts and starts a login
// task for accounts entering the refresh window. Returns when ctx is done.
func (m *Maintainer) RunRefreshPoller(ctx context.Context) {
	if m.cfg.RefreshPollSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(m.cfg.RefreshPollSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshPass(); err != nil {
				m.log.Error("refresh pass failed", "error", err)
			}
		}
	}
}

func (m *Maintainer) refreshPass() error {
	records, err := m.pool.List()
	if err != nil {
		return err
	}

	now := time.Now()
	grace := time.Duration(m.cfg.ExpiryGraceHours) * time.Hour
	window := float64(m.cfg.RefreshWindowHours)

	kept := records[:0]
	var refresh []string
	for _, rec := range records {
		if rec.IsExpired(now.Add(-grace)) {
			m.log.Info("dropping expired account", "id", rec.ID)
			continue
		}
		kept = append(kept, rec)
		if rec.RemainingHours(now) <= window && rec.HasMailCredentials() && !rec.Disabled {
			refresh = append(refresh, rec.ID)
		}
	}
	if len(kept) != len(records) {
		if err := m.pool.ApplyBulkUpdate(kept); err != nil {
			return err
		}
	}

	if len(refresh) > 0 {
		m.log.Info("accounts entering refresh window", "count", len(refresh))
		if _, err := m.orch.StartLogin(refresh); err != nil && err != ErrAlreadyRunning {
			return err
		}
	}
	return nil
}

// RunHealthMonitor keeps the pool at or above its availability floor by
// starting register tasks. Returns when ctx is done.
func (m *Maintainer) RunHealthMonitor(ctx context.Context) {
	interval := time.Duration(m.cfg.HealthCheckSeconds) * time.Second
	if interval <= 0 {
		interval = 600 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.healthPass(); err != nil {
				m.log.Error("health pass failed", "error", err)
			}
		}
	}
}

func (m *Maintainer) healthPass() error {
	h, err := m.pool.Health()
	if err != nil {
		return err
	}
	floor := m.cfg.HealthFloor
	if floor <= 0 || h.Available >= floor {
		return nil
	}

	need := floor - h.Available
	if need < 1 {
		need = 1
	}
	if h.Total == 0 {
		need = floor
	}
	m.log.Warn("pool below floor", "available", h.Available, "floor", floor, "registering", need)
	if _, err := m.orch.StartRegister(need); err != nil && err != ErrAlreadyRunning {
		return err
	}
	return nil
}
