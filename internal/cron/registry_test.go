package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrder(t *testing.T) {
	registry := NewRegistry(nil)
	sweep := &stubJob{name: "reconciliation-sweep"}
	retention := &stubJob{name: "retention"}
	if err := registry.Register(sweep); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(retention); err != nil {
		t.Fatalf("register: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 || jobs[0] != sweep || jobs[1] != retention {
		t.Fatalf("jobs returned out of order: %v", jobs)
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	registry := NewRegistry(&stubJob{name: "retention"})
	if err := registry.Register(&stubJob{name: "retention"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if len(registry.Jobs()) != 1 {
		t.Fatalf("duplicate job should not be stored")
	}
}
