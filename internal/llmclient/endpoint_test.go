package llmclient

import (
	"math/rand"
	"testing"
	"time"
)

func TestRecordFailureTripsUnhealthyAtThreshold(t *testing.T) {
	e := newEndpointState("a", "http://a", "", 1)
	for i := 0; i < unhealthyThreshold-1; i++ {
		e.recordFailure()
		if !e.healthy {
			t.Fatalf("endpoint went unhealthy after %d failures, want %d", i+1, unhealthyThreshold)
		}
	}
	e.recordFailure()
	if e.healthy {
		t.Fatal("expected endpoint to be unhealthy after threshold failures")
	}
}

func TestRecordSuccessResetsHealth(t *testing.T) {
	e := newEndpointState("a", "http://a", "", 1)
	e.recordFailure()
	e.recordFailure()
	e.recordFailure()
	if e.healthy {
		t.Fatal("expected unhealthy before success")
	}
	e.recordSuccess(100)
	if !e.healthy || e.failures != 0 {
		t.Fatalf("expected healthy reset, got healthy=%v failures=%d", e.healthy, e.failures)
	}
}

func TestRecordSuccessUpdatesEMALatency(t *testing.T) {
	e := newEndpointState("a", "http://a", "", 1)
	e.recordSuccess(100)
	if e.latency != 100 {
		t.Fatalf("first sample should set latency directly, got %v", e.latency)
	}
	e.recordSuccess(200)
	want := emaAlpha*200 + (1-emaAlpha)*100
	if e.latency != want {
		t.Fatalf("latency = %v, want %v", e.latency, want)
	}
}

func TestEligibleForTrialRespectsProbeInterval(t *testing.T) {
	e := newEndpointState("a", "http://a", "", 1)
	e.recordFailure()
	e.recordFailure()
	e.recordFailure()
	if e.eligibleForTrial(time.Now()) {
		t.Fatal("should not be eligible immediately after tripping")
	}
	if !e.eligibleForTrial(e.lastFail.Add(probeInterval + time.Second)) {
		t.Fatal("should be eligible once probe interval elapses")
	}
}

func TestEffectiveWeightCapsAtTwiceBase(t *testing.T) {
	e := newEndpointState("fast", "http://a", "", 10)
	w := effectiveWeight(e, 10, 1000) // minLatency << avgLatency
	if w != 20 {
		t.Fatalf("effectiveWeight = %v, want capped at 20", w)
	}
}

func TestEffectiveWeightFloorsAtHalfBase(t *testing.T) {
	e := newEndpointState("slow", "http://a", "", 10)
	w := effectiveWeight(e, 1, 1) // ratio would be < 0.5 for a slow endpoint relative to itself being the min
	_ = w
	// Construct a case where this endpoint's own latency is high relative to avg.
	w2 := effectiveWeight(e, 10, 1000000)
	if w2 < 5 {
		t.Fatalf("effectiveWeight = %v, should never drop below half base (5)", w2)
	}
}

func TestSelectOrderPutsUnhealthyLast(t *testing.T) {
	healthy := newEndpointState("h", "http://h", "", 1)
	unhealthy := newEndpointState("u", "http://u", "", 1)
	unhealthy.recordFailure()
	unhealthy.recordFailure()
	unhealthy.recordFailure()

	order := selectOrder([]*endpointState{unhealthy, healthy}, rand.New(rand.NewSource(1)))
	if len(order) != 2 {
		t.Fatalf("expected 2 endpoints in order, got %d", len(order))
	}
	if order[0].Name != "h" {
		t.Fatalf("expected healthy endpoint first, got %s", order[0].Name)
	}
}

func TestSelectOrderGivesUnhealthyATrialAfterProbeInterval(t *testing.T) {
	unhealthy := newEndpointState("u", "http://u", "", 1)
	unhealthy.recordFailure()
	unhealthy.recordFailure()
	unhealthy.recordFailure()
	unhealthy.lastFail = time.Now().Add(-probeInterval - time.Second)

	order := selectOrder([]*endpointState{unhealthy}, rand.New(rand.NewSource(1)))
	if len(order) != 1 {
		t.Fatalf("expected the unhealthy endpoint still considered, got %d", len(order))
	}
	if !unhealthy.probing {
		t.Fatal("expected endpoint to be marked probing once eligible")
	}
}

func TestWeightedWithoutReplacementFavorsHigherWeight(t *testing.T) {
	a := newEndpointState("a", "http://a", "", 90)
	b := newEndpointState("b", "http://b", "", 10)
	rng := rand.New(rand.NewSource(42))

	firstCounts := map[string]int{}
	for i := 0; i < 200; i++ {
		order := weightedWithoutReplacement([]*endpointState{a, b}, rng)
		firstCounts[order[0].Name]++
	}
	if firstCounts["a"] <= firstCounts["b"] {
		t.Fatalf("expected heavier-weighted endpoint to be selected first more often, got %+v", firstCounts)
	}
}
