package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/apix-platform/realtime-fabric/internal/logging"
)

func TestOrchestratorRunsStepsInOrder(t *testing.T) {
	o := NewOrchestrator(logging.NewTestLogger())
	var order []string

	o.Add(Lifecycle{Name: "a", Init: func(context.Context) error { order = append(order, "a"); return nil }})
	o.Add(Lifecycle{Name: "b", Init: func(context.Context) error { order = append(order, "b"); return nil }})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected [a b], got %v", order)
	}
}

func TestOrchestratorUnwindsOnFailure(t *testing.T) {
	o := NewOrchestrator(logging.NewTestLogger())
	var shutdowns []string

	o.Add(Lifecycle{
		Name:     "a",
		Init:     func(context.Context) error { return nil },
		Shutdown: func(context.Context) error { shutdowns = append(shutdowns, "a"); return nil },
	})
	o.Add(Lifecycle{
		Name: "b",
		Init: func(context.Context) error { return errors.New("boom") },
	})
	o.Add(Lifecycle{
		Name: "c",
		Init: func(context.Context) error { t.Fatal("c should never run"); return nil },
	})

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return the failing step's error")
	}
	if len(shutdowns) != 1 || shutdowns[0] != "a" {
		t.Fatalf("expected step a to be unwound, got %v", shutdowns)
	}
}

func TestOrchestratorStopUnwindsSuccessfulSteps(t *testing.T) {
	o := NewOrchestrator(logging.NewTestLogger())
	var shutdowns []string

	o.Add(Lifecycle{
		Name:     "a",
		Init:     func(context.Context) error { return nil },
		Shutdown: func(context.Context) error { shutdowns = append(shutdowns, "a"); return nil },
	})
	o.Add(Lifecycle{
		Name:     "b",
		Init:     func(context.Context) error { return nil },
		Shutdown: func(context.Context) error { shutdowns = append(shutdowns, "b"); return nil },
	})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	o.Stop(context.Background())

	if len(shutdowns) != 2 || shutdowns[0] != "b" || shutdowns[1] != "a" {
		t.Fatalf("expected reverse-order shutdown [b a], got %v", shutdowns)
	}
}
