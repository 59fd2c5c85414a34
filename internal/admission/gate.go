package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LimitMessage is returned to callers once the daily cap is reached.
const LimitMessage = "本日の受付は終了しました"

const (
	KindNote    = "note"
	KindAnalyze = "analyze"
	KindWebhook = "webhook"
)

var errMissingLocation = errors.New("admission: location is required")

// UsageRecord persists one admitted request so the counter survives restarts.
type UsageRecord struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Kind       string    `gorm:"column:kind;size:32;not null"`
	Cost       int       `gorm:"column:cost;not null"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (UsageRecord) TableName() string {
	return "admission_usage"
}

// GateConfig describes the daily admission gate. A DailyCap of zero or less disables the cap.
// Database is optional; without it the counter lives only in memory.
type GateConfig struct {
	DailyCap int
	Location *time.Location
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Gate counts admitted requests per local calendar day.
type Gate struct {
	mu          sync.Mutex
	dailyCap    int
	used        int
	windowStart time.Time
	location    *time.Location
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
}

// NewGate constructs a gate whose window starts at the current local midnight.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Location == nil {
		return nil, errMissingLocation
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := &Gate{
		dailyCap: cfg.DailyCap,
		location: cfg.Location,
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
	}
	gate.windowStart = gate.startOfDay(clock())
	return gate, nil
}

// CheckLimit reports whether another request may be admitted today.
func (g *Gate) CheckLimit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return g.dailyCap <= 0 || g.used < g.dailyCap
}

// Used returns the count for the current window.
func (g *Gate) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return g.used
}

// Admit checks the cap and counts cost (minimum 1) under one lock, so concurrent callers cannot
// overshoot the cap. A denied request leaves the counter untouched. The returned error reports
// a persistence failure only; the request is still admitted.
func (g *Gate) Admit(ctx context.Context, kind string, cost int) (bool, error) {
	if cost < 1 {
		cost = 1
	}
	now := g.clock()

	g.mu.Lock()
	g.rollLocked()
	if g.dailyCap > 0 && g.used >= g.dailyCap {
		g.mu.Unlock()
		return false, nil
	}
	g.used += cost
	used := g.used
	g.mu.Unlock()

	return true, g.persist(ctx, kind, cost, used, now)
}

// RecordUsage adds cost (minimum 1) to today's counter without checking the cap and persists
// it. The in-memory count is kept even when persistence fails.
func (g *Gate) RecordUsage(ctx context.Context, kind string, cost int) error {
	if cost < 1 {
		cost = 1
	}
	now := g.clock()

	g.mu.Lock()
	g.rollLocked()
	g.used += cost
	used := g.used
	g.mu.Unlock()

	return g.persist(ctx, kind, cost, used, now)
}

func (g *Gate) persist(ctx context.Context, kind string, cost, used int, now time.Time) error {
	if g.dailyCap > 0 && used >= g.dailyCap {
		g.logger.Info("daily admission cap reached", zap.Int("used", used), zap.Int("cap", g.dailyCap))
	}
	if g.db == nil {
		return nil
	}
	record := UsageRecord{Kind: kind, Cost: cost, RecordedAt: now.UTC()}
	if err := g.db.WithContext(ctx).Create(&record).Error; err != nil {
		g.logger.Warn("persist admission usage failed", zap.String("kind", kind), zap.Error(err))
		return fmt.Errorf("admission: record usage: %w", err)
	}
	return nil
}

// Reset starts a new window at the current local midnight.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowStart = g.startOfDay(g.clock())
	g.used = 0
	g.logger.Info("daily admission counter reset", zap.Time("window_start", g.windowStart))
}

// Restore rebuilds today's counter from persisted usage records.
func (g *Gate) Restore(ctx context.Context) error {
	if g.db == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	var total int64
	err := g.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("recorded_at >= ?", g.windowStart.UTC()).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	if err != nil {
		return fmt.Errorf("admission: restore usage: %w", err)
	}
	g.used = int(total)
	g.logger.Info("admission counter restored", zap.Int("used", g.used), zap.Time("window_start", g.windowStart))
	return nil
}

// PruneBefore removes usage records older than cutoff.
func (g *Gate) PruneBefore(ctx context.Context, cutoff time.Time) error {
	if g.db == nil {
		return nil
	}
	if err := g.db.WithContext(ctx).Where("recorded_at < ?", cutoff.UTC()).Delete(&UsageRecord{}).Error; err != nil {
		return fmt.Errorf("admission: prune usage: %w", err)
	}
	return nil
}

func (g *Gate) rollLocked() {
	current := g.startOfDay(g.clock())
	if current.After(g.windowStart) {
		g.windowStart = current
		g.used = 0
	}
}

func (g *Gate) startOfDay(at time.Time) time.Time {
	local := at.In(g.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.location)
}
