package admission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	location, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		location = time.FixedZone("JST", 9*60*60)
	}
	return location
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		t.Fatalf("failed to migrate usage schema: %v", err)
	}
	return db
}

func TestCheckLimitDeniesAtCap(t *testing.T) {
	location := tokyo(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, location)
	gate, err := NewGate(GateConfig{DailyCap: 2, Location: location, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	ctx := context.Background()

	for index := 0; index < 2; index++ {
		if !gate.CheckLimit() {
			t.Fatalf("expected admission %d to pass", index)
		}
		if err := gate.RecordUsage(ctx, KindNote, 1); err != nil {
			t.Fatalf("record usage failed: %v", err)
		}
	}
	if gate.CheckLimit() {
		t.Fatalf("expected gate to deny once the cap is reached")
	}
}

func TestZeroCapDisablesGate(t *testing.T) {
	gate, err := NewGate(GateConfig{DailyCap: 0, Location: time.UTC})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	for index := 0; index < 50; index++ {
		_ = gate.RecordUsage(context.Background(), KindNote, 1)
	}
	if !gate.CheckLimit() {
		t.Fatalf("expected uncapped gate to admit")
	}
}

func TestRecordUsageCountsAtLeastOne(t *testing.T) {
	gate, err := NewGate(GateConfig{DailyCap: 10, Location: time.UTC})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	_ = gate.RecordUsage(context.Background(), KindAnalyze, 0)
	_ = gate.RecordUsage(context.Background(), KindAnalyze, 3)
	if gate.Used() != 4 {
		t.Fatalf("expected 4 units used, got %d", gate.Used())
	}
}

func TestGateRollsOverAtLocalMidnight(t *testing.T) {
	location := tokyo(t)
	now := time.Date(2025, 5, 1, 23, 59, 0, 0, location)
	gate, err := NewGate(GateConfig{DailyCap: 1, Location: location, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	_ = gate.RecordUsage(context.Background(), KindNote, 1)
	if gate.CheckLimit() {
		t.Fatalf("expected gate to be closed before midnight")
	}

	now = time.Date(2025, 5, 2, 0, 0, 30, 0, location)
	if !gate.CheckLimit() {
		t.Fatalf("expected gate to reopen after local midnight")
	}
	if gate.Used() != 0 {
		t.Fatalf("expected counter to reset, got %d", gate.Used())
	}
}

func TestResetClearsCounter(t *testing.T) {
	gate, err := NewGate(GateConfig{DailyCap: 1, Location: time.UTC})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	_ = gate.RecordUsage(context.Background(), KindNote, 1)
	gate.Reset()
	if !gate.CheckLimit() {
		t.Fatalf("expected gate to admit after reset")
	}
}

func TestRestoreSumsTodaysUsage(t *testing.T) {
	location := tokyo(t)
	db := openTestDatabase(t)
	now := time.Date(2025, 5, 2, 12, 0, 0, 0, location)
	clock := func() time.Time { return now }

	seed := []UsageRecord{
		{Kind: KindNote, Cost: 1, RecordedAt: time.Date(2025, 5, 1, 23, 0, 0, 0, location).UTC()},
		{Kind: KindNote, Cost: 1, RecordedAt: time.Date(2025, 5, 2, 1, 0, 0, 0, location).UTC()},
		{Kind: KindAnalyze, Cost: 2, RecordedAt: time.Date(2025, 5, 2, 11, 0, 0, 0, location).UTC()},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	gate, err := NewGate(GateConfig{DailyCap: 3, Location: location, Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	if err := gate.Restore(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if gate.Used() != 3 {
		t.Fatalf("expected 3 units restored, got %d", gate.Used())
	}
	if gate.CheckLimit() {
		t.Fatalf("expected restored gate to be closed")
	}
}

func TestRecordUsagePersists(t *testing.T) {
	db := openTestDatabase(t)
	gate, err := NewGate(GateConfig{DailyCap: 5, Location: time.UTC, Database: db})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	if err := gate.RecordUsage(context.Background(), KindWebhook, 1); err != nil {
		t.Fatalf("record usage failed: %v", err)
	}
	var count int64
	if err := db.Model(&UsageRecord{}).Where("kind = ?", KindWebhook).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one persisted record, got %d", count)
	}
}

func TestNewGateRequiresLocation(t *testing.T) {
	if _, err := NewGate(GateConfig{DailyCap: 1}); err == nil {
		t.Fatalf("expected error without location")
	}
}

func TestAdmitNeverExceedsCapUnderConcurrency(t *testing.T) {
	gate, err := NewGate(GateConfig{DailyCap: 3, Location: time.UTC})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for index := 0; index < 50; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := gate.Admit(context.Background(), KindAnalyze, 1)
			if err != nil {
				t.Errorf("admit failed: %v", err)
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted.Load() != 3 {
		t.Fatalf("expected exactly 3 admissions, got %d", admitted.Load())
	}
	if gate.Used() != 3 {
		t.Fatalf("expected counter at cap, got %d", gate.Used())
	}
}

func TestAdmitDenialLeavesUsageUntouched(t *testing.T) {
	db := openTestDatabase(t)
	gate, err := NewGate(GateConfig{DailyCap: 1, Location: time.UTC, Database: db})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	ctx := context.Background()

	if ok, err := gate.Admit(ctx, KindNote, 1); !ok || err != nil {
		t.Fatalf("expected first admission, got %v %v", ok, err)
	}
	if ok, err := gate.Admit(ctx, KindNote, 1); ok || err != nil {
		t.Fatalf("expected denial without error, got %v %v", ok, err)
	}

	var count int64
	if err := db.Model(&UsageRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 || gate.Used() != 1 {
		t.Fatalf("expected one recorded admission, got rows=%d used=%d", count, gate.Used())
	}
}

func TestAdmitUncappedGate(t *testing.T) {
	gate, err := NewGate(GateConfig{DailyCap: 0, Location: time.UTC})
	if err != nil {
		t.Fatalf("new gate failed: %v", err)
	}
	for index := 0; index < 20; index++ {
		if ok, _ := gate.Admit(context.Background(), KindWebhook, 0); !ok {
			t.Fatalf("expected uncapped gate to admit request %d", index)
		}
	}
	if gate.Used() != 20 {
		t.Fatalf("expected 20 units counted, got %d", gate.Used())
	}
}
