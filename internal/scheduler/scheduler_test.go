package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterRejectsInvalidJobs(t *testing.T) {
	s := New(Config{})
	if err := s.Register(Job{Name: "", Spec: "@daily", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for unnamed job")
	}
	if err := s.Register(Job{Name: "bad", Spec: "not a spec", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
	if s.JobCount() != 0 {
		t.Fatalf("expected no registered jobs, got %d", s.JobCount())
	}
}

func TestRegisteredJobRuns(t *testing.T) {
	s := New(Config{Location: time.UTC})
	ran := make(chan struct{}, 1)
	err := s.Register(Job{Name: "tick", Spec: "@every 1s", Run: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected job context to carry a deadline")
		}
		select {
		case ran <- struct{}{}:
		default:
		}
		return errors.New("ignored")
	}})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected job to run")
	}
}
