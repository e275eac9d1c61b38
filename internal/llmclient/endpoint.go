package llmclient

import (
	"math/rand"
	"time"
)

// unhealthyThreshold is the number of consecutive failures after which
// an endpoint is sent to the back of the selection order.
const unhealthyThreshold = 3

// probeInterval is how long an unhealthy endpoint waits before it is
// given one trial attempt again.
const probeInterval = 30 * time.Second

// emaAlpha is the smoothing factor for the rolling latency average.
const emaAlpha = 0.3

// endpointState tracks one named LLM endpoint's weight, rolling
// latency, and health. All mutation happens under Client.mu.
type endpointState struct {
	Name     string
	URL      string
	APIKey   string
	Weight   int
	latency  float64 // EMA of observed latency in ms; 0 until first sample
	failures int
	healthy  bool
	lastFail time.Time
	probing  bool // true while the endpoint is on an unhealthy-recovery trial
}

func newEndpointState(name, url, apiKey string, weight int) *endpointState {
	if weight <= 0 {
		weight = 1
	}
	return &endpointState{Name: name, URL: url, APIKey: apiKey, Weight: weight, healthy: true}
}

func (e *endpointState) recordSuccess(latencyMs int64) {
	if e.latency == 0 {
		e.latency = float64(latencyMs)
	} else {
		e.latency = emaAlpha*float64(latencyMs) + (1-emaAlpha)*e.latency
	}
	e.failures = 0
	e.healthy = true
	e.probing = false
}

func (e *endpointState) recordFailure() {
	e.failures++
	e.lastFail = time.Now()
	e.probing = false
	if e.failures >= unhealthyThreshold {
		e.healthy = false
	}
}

// eligibleForTrial returns true once an unhealthy endpoint has cleared
// the probe interval and has not already been handed a trial.
func (e *endpointState) eligibleForTrial(now time.Time) bool {
	return !e.healthy && !e.probing && now.Sub(e.lastFail) >= probeInterval
}

// selectOrder returns endpoints in the order they should be tried:
// healthy endpoints first by weighted-random-without-replacement using
// effectiveWeight = weight * clamp(minLatency/avgLatency, 0.5, 2.0),
// then any endpoint currently eligible for a recovery trial, then the
// remaining unhealthy endpoints (still tried last so a success anywhere
// healthy is preferred).
func selectOrder(endpoints []*endpointState, rng *rand.Rand) []*endpointState {
	now := time.Now()
	var healthy, trial, unhealthy []*endpointState
	for _, e := range endpoints {
		switch {
		case e.healthy:
			healthy = append(healthy, e)
		case e.eligibleForTrial(now):
			e.probing = true
			trial = append(trial, e)
		default:
			unhealthy = append(unhealthy, e)
		}
	}

	order := make([]*endpointState, 0, len(endpoints))
	order = append(order, weightedWithoutReplacement(healthy, rng)...)
	order = append(order, trial...)
	order = append(order, unhealthy...)
	return order
}

func weightedWithoutReplacement(endpoints []*endpointState, rng *rand.Rand) []*endpointState {
	if len(endpoints) <= 1 {
		return endpoints
	}

	minLatency, avgLatency := latencyStats(endpoints)
	remaining := append([]*endpointState(nil), endpoints...)
	weights := make([]float64, len(remaining))
	for i, e := range remaining {
		weights[i] = effectiveWeight(e, minLatency, avgLatency)
	}

	order := make([]*endpointState, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		pick := rng.Float64() * total
		idx := 0
		for i, w := range weights {
			pick -= w
			if pick <= 0 {
				idx = i
				break
			}
		}
		order = append(order, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return order
}

func latencyStats(endpoints []*endpointState) (min, avg float64) {
	count := 0
	sum := 0.0
	min = -1
	for _, e := range endpoints {
		if e.latency <= 0 {
			continue
		}
		if min < 0 || e.latency < min {
			min = e.latency
		}
		sum += e.latency
		count++
	}
	if count == 0 {
		return 1, 1
	}
	return min, sum / float64(count)
}

// effectiveWeight implements the "faster endpoints win
// proportionally, capped at 2x their base share; no endpoint is
// starved below half its base."
func effectiveWeight(e *endpointState, minLatency, avgLatency float64) float64 {
	if avgLatency <= 0 {
		return float64(e.Weight)
	}
	ratio := minLatency / avgLatency
	multiplier := ratio
	if multiplier < 0.5 {
		multiplier = 0.5
	}
	if multiplier > 2.0 {
		multiplier = 2.0
	}
	return float64(e.Weight) * multiplier
}

// healthSnapshot is a read-only view used by tests and the monitor.
type healthSnapshot struct {
	Name     string
	Healthy  bool
	Failures int
	Latency  float64
}

func snapshot(endpoints []*endpointState) []healthSnapshot {
	out := make([]healthSnapshot, len(endpoints))
	for i, e := range endpoints {
		out[i] = healthSnapshot{Name: e.Name, Healthy: e.healthy, Failures: e.failures, Latency: e.latency}
	}
	return out
}
