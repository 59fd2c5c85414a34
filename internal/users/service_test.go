package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
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
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate users schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestGetOrCreateUserInsertsRookie(t *testing.T) {
	service, _ := newTestService(t)

	user, err := service.GetOrCreateUser(context.Background(), " U123 ", "")
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if user.ID != "U123" {
		t.Fatalf("expected trimmed id, got %q", user.ID)
	}
	if user.Points != 0 || user.Title != "ルーキー" {
		t.Fatalf("unexpected initial state: %+v", user)
	}
	if user.Name != DefaultDisplayName {
		t.Fatalf("expected default display name, got %q", user.Name)
	}
}

func TestGetOrCreateUserDoesNotOverwrite(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.GetOrCreateUser(ctx, "U1", "Aiko"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := service.AddPoints(ctx, "U1", 40); err != nil {
		t.Fatalf("add points failed: %v", err)
	}
	user, err := service.GetOrCreateUser(ctx, "U1", "Someone Else")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if user.Points != 40 || user.Name != "Aiko" {
		t.Fatalf("existing record was overwritten: %+v", user)
	}
}

func TestGetOrCreateUserRejectsEmptyID(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.GetOrCreateUser(context.Background(), "   ", "")
	if !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestAddPointsRecomputesTitle(t *testing.T) {
	testCases := []struct {
		name      string
		start     int64
		delta     int64
		wantTotal int64
		wantTitle string
	}{
		{name: "first note", start: 0, delta: 5, wantTotal: 5, wantTitle: "ルーキー"},
		{name: "crosses fighter", start: 95, delta: 5, wantTotal: 100, wantTitle: "ファイター"},
		{name: "just below elite", start: 490, delta: 5, wantTotal: 495, wantTitle: "ファイター"},
		{name: "reaches legend", start: 995, delta: 5, wantTotal: 1000, wantTitle: "伝説の相棒"},
		{name: "zero delta", start: 500, delta: 0, wantTotal: 500, wantTitle: "エリート会員"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			service, db := newTestService(t)
			ctx := context.Background()
			if _, err := service.GetOrCreateUser(ctx, "U1", "Aiko"); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if err := db.Model(&User{}).Where("id = ?", "U1").Update("points", testCase.start).Error; err != nil {
				t.Fatalf("seed failed: %v", err)
			}

			user, err := service.AddPoints(ctx, "U1", testCase.delta)
			if err != nil {
				t.Fatalf("add points failed: %v", err)
			}
			if user.Points != testCase.wantTotal || user.Title != testCase.wantTitle {
				t.Fatalf("got points=%d title=%q want points=%d title=%q", user.Points, user.Title, testCase.wantTotal, testCase.wantTitle)
			}

			stored, err := service.GetUser(ctx, "U1")
			if err != nil {
				t.Fatalf("get user failed: %v", err)
			}
			if stored.Points != testCase.wantTotal || stored.Title != testCase.wantTitle {
				t.Fatalf("stored state mismatch: %+v", stored)
			}
		})
	}
}

func TestAddPointsUnknownUser(t *testing.T) {
	service, db := newTestService(t)

	_, err := service.AddPoints(context.Background(), "ghost", 5)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no users to be created, found %d", count)
	}
}

func TestAddPointsRejectsNegativeDelta(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.GetOrCreateUser(ctx, "U1", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := service.AddPoints(ctx, "U1", -5)
	if !errors.Is(err, ErrNegativeDelta) {
		t.Fatalf("expected ErrNegativeDelta, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "users.add_points.negative_delta" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestAddPointsConcurrentIncrementsAreNotLost(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.GetOrCreateUser(ctx, "U1", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.AddPoints(ctx, "U1", 5); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent add failed: %v", err)
	}

	user, err := service.GetUser(ctx, "U1")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if user.Points != workers*5 || user.Title != "ファイター" {
		t.Fatalf("unexpected final state: %+v", user)
	}
}

func TestGetUserNotFound(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.GetUser(context.Background(), "missing")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestServiceUsesConfiguredTitles(t *testing.T) {
	_, db := newTestService(t)
	table, err := NewTitleTable([]TitleTier{{MinPoints: 0, Name: "見習い"}, {MinPoints: 10, Name: "常連"}})
	if err != nil {
		t.Fatalf("title table failed: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Titles: table})
	if err != nil {
		t.Fatalf("service failed: %v", err)
	}
	ctx := context.Background()
	user, err := service.GetOrCreateUser(ctx, "U9", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if user.Title != "見習い" {
		t.Fatalf("expected configured lowest title, got %q", user.Title)
	}
	user, err = service.AddPoints(ctx, "U9", 10)
	if err != nil {
		t.Fatalf("add points failed: %v", err)
	}
	if user.Title != "常連" {
		t.Fatalf("expected configured upper title, got %q", user.Title)
	}
}
