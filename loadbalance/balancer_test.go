package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"async-network/registry"
)

var testInstances = []registry.Instance{
	{Name: "a", Host: "127.0.0.1", Port: 8001, Weight: 10},
	{Name: "b", Host: "127.0.0.1", Port: 8002, Weight: 5},
	{Name: "c", Host: "127.0.0.1", Port: 8003, Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Name
	}
	if results[0] != "a" || results[1] != "b" || results[2] != "c" {
		t.Fatalf("expect a b c, got %v", results)
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Name != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Name)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Name]++
	}

	// Weight ratio is 10:5:10, so a and c should be ~2x of b
	ratio := float64(counts["a"]) / float64(counts["b"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio a/b = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.Instance{{Name: "only"}})
	if err != nil || inst.Name != "only" {
		t.Fatalf("expect only, got %v (%v)", inst, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("")
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	// Same key should always map to the same instance
	inst1, _ := b.PickKey("user-123")
	inst2, _ := b.PickKey("user-123")
	if inst1.Name != inst2.Name {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Name, inst2.Name)
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickKey(fmt.Sprintf("key-%d", i))
		seen[inst.Name] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashPickIsStable(t *testing.T) {
	b := NewConsistentHashBalancer("client-7")
	first, err := b.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := b.Pick(testInstances)
		if again.Name != first.Name {
			t.Fatalf("expect %s, got %s", first.Name, again.Name)
		}
	}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestNew(t *testing.T) {
	for strategy, want := range map[string]string{
		"":                "RoundRobin",
		"weighted-random": "WeightedRandom",
		"consistent-hash": "ConsistentHash",
	} {
		b, err := New(strategy, "k")
		if err != nil {
			t.Fatal(err)
		}
		if b.Name() != want {
			t.Errorf("%q: expect %s, got %s", strategy, want, b.Name())
		}
	}
	if _, err := New("random-walk", ""); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
