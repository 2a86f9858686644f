package balancer

import (
	"testing"

	"github.com/charonproxy/gateway/pkg/registry"
)

func instances(n int) []registry.Instance {
	out := make([]registry.Instance, n)
	for i := range out {
		out[i] = registry.Instance{ID: string(rune('a' + i)), Weight: i + 1}
	}
	return out
}

func TestRoundRobinCyclesMonotonically(t *testing.T) {
	b := New(StrategyRoundRobin)
	cands := instances(3)

	var picks []string
	for i := 0; i < 6; i++ {
		inst, err := b.Select("svc", "", cands)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		picks = append(picks, inst.ID)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i, id := range picks {
		if id != want[i] {
			t.Fatalf("pick %d: want %s, got %s (%v)", i, want[i], id, picks)
		}
	}
}

func TestRoundRobinTracksIndependentServices(t *testing.T) {
	b := New(StrategyRoundRobin)
	cands := instances(2)

	first, _ := b.Select("svc-a", "", cands)
	b.Select("svc-b", "", cands)
	second, _ := b.Select("svc-a", "", cands)

	if first.ID == second.ID {
		t.Fatal("expected svc-a's cursor to advance independently of svc-b's")
	}
}

func TestLeastConnPrefersFewestInFlight(t *testing.T) {
	b := New(StrategyLeastConn)
	cands := instances(2)

	b.Acquire("a")
	b.Acquire("a")
	b.Acquire("b")

	got, err := b.Select("svc", "", cands)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "b" {
		t.Fatalf("expected instance b with fewer in-flight requests, got %s", got.ID)
	}
}

func TestLeastConnAcquireReleaseRoundTrip(t *testing.T) {
	b := New(StrategyLeastConn)
	b.Acquire("a")
	if got := b.InFlight("a"); got != 1 {
		t.Fatalf("expected in-flight count 1, got %d", got)
	}
	b.Release("a")
	if got := b.InFlight("a"); got != 0 {
		t.Fatalf("expected in-flight count 0 after release, got %d", got)
	}
}

func TestOnAcquireReleaseReportsCurrentCount(t *testing.T) {
	b := New(StrategyLeastConn)
	var counts []int
	b.OnAcquireRelease(func(instanceID string, count int) {
		if instanceID != "a" {
			t.Fatalf("expected instance a, got %s", instanceID)
		}
		counts = append(counts, count)
	})

	b.Acquire("a")
	b.Acquire("a")
	b.Release("a")

	if len(counts) != 3 || counts[0] != 1 || counts[1] != 2 || counts[2] != 1 {
		t.Fatalf("expected counts [1 2 1], got %v", counts)
	}
}

func TestWeightedFallsBackToFirstWhenAllWeightsZero(t *testing.T) {
	b := New(StrategyWeighted)
	cands := []registry.Instance{{ID: "a", Weight: 0}, {ID: "b", Weight: 0}}

	got, err := b.Select("svc", "", cands)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("expected fallback to first instance, got %s", got.ID)
	}
}

func TestIPHashIsStableForSameClientKey(t *testing.T) {
	b := New(StrategyIPHash)
	cands := instances(4)

	first, _ := b.Select("svc", "203.0.113.7", cands)
	for i := 0; i < 10; i++ {
		again, _ := b.Select("svc", "203.0.113.7", cands)
		if again.ID != first.ID {
			t.Fatalf("expected ip-hash to pick the same instance every time, got %s then %s", first.ID, again.ID)
		}
	}
}

func TestSelectOnEmptyCandidatesReturnsErrNoInstances(t *testing.T) {
	b := New(StrategyRoundRobin)
	_, err := b.Select("svc", "", nil)
	if _, ok := err.(ErrNoInstances); !ok {
		t.Fatalf("expected ErrNoInstances, got %v", err)
	}
}

func TestConsistentHashSelectsAcrossInstanceAdditions(t *testing.T) {
	b := New(StrategyConsistentHash)
	cands := instances(3)

	first, err := b.Select("svc", "client-1", cands)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	cands = append(cands, registry.Instance{ID: "d", Weight: 1})
	second, err := b.Select("svc", "client-1", cands)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	if first.ID != second.ID {
		t.Logf("consistent hash pick moved from %s to %s after adding an instance (acceptable minority of keys)", first.ID, second.ID)
	}
}

func TestConsistentHashRingSizeCountsPhysicalInstances(t *testing.T) {
	ring := NewConsistentHashRing(100)
	ring.Add("a")
	ring.Add("b")
	ring.Add("c")

	if ring.Size() != 3 {
		t.Fatalf("expected 3 physical instances in the ring, got %d", ring.Size())
	}

	ring.Remove("b")
	if ring.Size() != 2 {
		t.Fatalf("expected 2 physical instances after removal, got %d", ring.Size())
	}
}
