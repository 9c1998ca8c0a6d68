package model_profile

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProfile(task string, updated time.Time) Profile {
	return Profile{
		Key:               Key{ModelID: "m1", Provider: "openai", TaskType: task},
		PerformanceScore:  0.8,
		CostPerToken:      decimal.RequireFromString("0.00001"),
		AvgResponseTimeMs: 1000,
		SuccessRate:       0.95,
		LastUpdated:       updated,
	}
}

func TestRegistry_LookupExactAndFallback(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(Config{StaleAfter: time.Hour})
	reg.SetClock(func() time.Time { return now })

	reg.Put(seedProfile("sentiment", now.Add(-10*time.Minute)))
	reg.Put(seedProfile("risk", now.Add(-2*time.Hour)))

	p, est, ok := reg.Lookup(Key{ModelID: "m1", Provider: "openai", TaskType: "sentiment"})
	require.True(t, ok)
	assert.False(t, est.LowConfidence)
	assert.False(t, est.Stale)
	assert.Equal(t, "sentiment", p.TaskType)

	// Unknown task type falls back to the freshest profile of the same backend
	p, est, ok = reg.Lookup(Key{ModelID: "m1", Provider: "openai", TaskType: "news"})
	require.True(t, ok)
	assert.True(t, est.LowConfidence)
	assert.Equal(t, "sentiment", p.TaskType)

	p, est, ok = reg.Lookup(Key{ModelID: "m1", Provider: "openai", TaskType: "risk"})
	require.True(t, ok)
	assert.True(t, est.Stale, "profile older than StaleAfter is flagged")
	assert.Equal(t, "risk", p.TaskType)

	_, _, ok = reg.Lookup(Key{ModelID: "m9", Provider: "openai", TaskType: "risk"})
	assert.False(t, ok)
}

func TestRegistry_LatencyEMA(t *testing.T) {
	reg := NewRegistry(Config{Alpha: 0.5, WindowSize: 10})
	reg.Put(seedProfile("news", time.Now()))
	key := Key{ModelID: "m1", Provider: "openai", TaskType: "news"}

	reg.ObserveBatch([]Observation{{Key: key, Latency: 2000 * time.Millisecond, Success: true}})
	p, _ := reg.Get(key)
	assert.InDelta(t, 1500, p.AvgResponseTimeMs, 0.001)

	// Failures do not move latency
	reg.ObserveBatch([]Observation{{Key: key, Latency: 10 * time.Millisecond, Success: false}})
	p, _ = reg.Get(key)
	assert.InDelta(t, 1500, p.AvgResponseTimeMs, 0.001)
	assert.Equal(t, int64(2), p.Samples)
}

func TestRegistry_SuccessRateUsesTrailingWindow(t *testing.T) {
	reg := NewRegistry(Config{WindowSize: 4})
	reg.Put(seedProfile("news", time.Now()))
	key := Key{ModelID: "m1", Provider: "openai", TaskType: "news"}

	for i := 0; i < 10; i++ {
		reg.ObserveBatch([]Observation{{Key: key, Latency: time.Second, Success: true}})
	}
	p, _ := reg.Get(key)
	assert.Equal(t, 1.0, p.SuccessRate)

	// Four recent failures fully replace the window despite ten earlier successes
	for i := 0; i < 4; i++ {
		reg.ObserveBatch([]Observation{{Key: key, Success: false}})
	}
	p, _ = reg.Get(key)
	assert.Equal(t, 0.0, p.SuccessRate)

	reg.ObserveBatch([]Observation{{Key: key, Latency: time.Second, Success: true}})
	p, _ = reg.Get(key)
	assert.Equal(t, 0.25, p.SuccessRate)
}

func TestRegistry_ObserveNewTaskTypeInheritsSeed(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	reg.Put(seedProfile(AnyTaskType, time.Now()))

	key := Key{ModelID: "m1", Provider: "openai", TaskType: "news"}
	updated := reg.ObserveBatch([]Observation{{Key: key, Latency: time.Second, Success: true}})
	require.Len(t, updated, 1)
	assert.Equal(t, key, updated[0].Key)
	assert.Equal(t, 0.8, updated[0].PerformanceScore)
	assert.True(t, updated[0].CostPerToken.Equal(decimal.RequireFromString("0.00001")))

	_, est, ok := reg.Lookup(key)
	require.True(t, ok)
	assert.False(t, est.LowConfidence)
}

func TestRegistry_ObserveBatchReturnsOneProfilePerKey(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	reg.Put(seedProfile("news", time.Now()))
	key := Key{ModelID: "m1", Provider: "openai", TaskType: "news"}

	updated := reg.ObserveBatch([]Observation{
		{Key: key, Success: false},
		{Key: key, Latency: time.Second, Success: true},
	})
	require.Len(t, updated, 1)
	assert.Equal(t, int64(2), updated[0].Samples)
	assert.InDelta(t, 0.9, updated[0].SuccessRate, 1e-9)
}

func TestRegistry_PriorRateDecaysGradually(t *testing.T) {
	reg := NewRegistry(Config{WindowSize: 20})
	p := seedProfile("news", time.Now())
	p.Samples = 200
	reg.Put(p)
	key := p.Key

	reg.ObserveBatch([]Observation{{Key: key, Success: false}})
	got, _ := reg.Get(key)
	assert.InDelta(t, 0.90, got.SuccessRate, 1e-9, "one failure moves the rate by 1/WindowSize")

	for i := 0; i < 19; i++ {
		reg.ObserveBatch([]Observation{{Key: key, Success: false}})
	}
	got, _ = reg.Get(key)
	assert.Equal(t, 0.0, got.SuccessRate, "a full window of failures replaces the prior")
}

func TestRegistry_PriorWeightFollowsSamples(t *testing.T) {
	reg := NewRegistry(Config{WindowSize: 20})
	p := seedProfile("news", time.Now())
	p.SuccessRate = 1
	p.Samples = 4
	reg.Put(p)

	reg.ObserveBatch([]Observation{{Key: p.Key, Success: false}})
	got, _ := reg.Get(p.Key)
	assert.InDelta(t, 0.8, got.SuccessRate, 1e-9)

	// Unknown keys without any seed start from an empty window
	fresh := Key{ModelID: "m7", Provider: "openai", TaskType: "news"}
	reg.ObserveBatch([]Observation{{Key: fresh, Success: false}})
	got, _ = reg.Get(fresh)
	assert.Equal(t, 0.0, got.SuccessRate)
}

func TestRegistry_ConcurrentObservations(t *testing.T) {
	reg := NewRegistry(Config{WindowSize: 1000})
	keys := []Key{
		{ModelID: "m1", Provider: "openai", TaskType: "news"},
		{ModelID: "m2", Provider: "deepseek", TaskType: "news"},
		{ModelID: "m3", Provider: "google", TaskType: "risk"},
	}

	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				reg.ObserveBatch([]Observation{{Key: keys[(w+i)%len(keys)], Latency: time.Millisecond, Success: true}})
				_, _, _ = reg.Lookup(keys[i%len(keys)])
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, p := range reg.List() {
		total += p.Samples
	}
	assert.Equal(t, int64(12*50), total)
}

func TestProfile_EstimateCost(t *testing.T) {
	p := seedProfile("news", time.Now())
	assert.True(t, p.EstimateCost(1000).Equal(decimal.RequireFromString("0.01")))
}
