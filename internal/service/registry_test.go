package service

import (
	"testing"

	"github.com/grokomation/ephemerald/internal/domain/instance"
)

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Put(instance.Instance{CorrelationID: "a", Port: 4100, Status: instance.StatusRunning})

	inst, ok := r.Get("a")
	if !ok {
		t.Fatal("Get() missing entry")
	}
	inst.Port = 9999

	stored, _ := r.Get("a")
	if stored.Port != 4100 {
		t.Fatalf("stored port mutated to %d", stored.Port)
	}
}

func TestRegistrySetStatus(t *testing.T) {
	r := NewRegistry()
	r.Put(instance.Instance{CorrelationID: "a", Status: instance.StatusProvisioning})

	if !r.SetStatus("a", instance.StatusRunning) {
		t.Fatal("SetStatus() = false for existing entry")
	}
	if inst, _ := r.Get("a"); inst.Status != instance.StatusRunning {
		t.Fatalf("status = %s, want running", inst.Status)
	}
	if r.SetStatus("missing", instance.StatusRunning) {
		t.Fatal("SetStatus() = true for absent entry")
	}
}

func TestRegistryListAndDelete(t *testing.T) {
	r := NewRegistry()
	r.Put(instance.Instance{CorrelationID: "a"})
	r.Put(instance.Instance{CorrelationID: "b"})

	if got := len(r.List()); got != 2 {
		t.Fatalf("List() len = %d, want 2", got)
	}

	r.Delete("a")
	r.Delete("a") // idempotent
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
