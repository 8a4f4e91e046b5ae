package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
)

type countingRecorder struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *countingRecorder) RecordCacheEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string]int{}
	}
	r.events[event]++
}

func plan(id string) domain.PlanIntent {
	return domain.PlanIntent{
		PlanID: id,
		Steps:  []domain.ActionStep{domain.NewStep("Scan", "radius", 10.0)},
		Tier:   domain.TierFullStrategic,
	}
}

func TestNewKey_NormalizesWhitespace(t *testing.T) {
	a := NewKey("hold   the\n line", "m", 0.7)
	b := NewKey(" hold the line ", "m", 0.70)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, "hold the line", a.Prompt)

	assert.NotEqual(t, a.Fingerprint, NewKey("hold the line", "other", 0.7).Fingerprint)
	assert.NotEqual(t, a.Fingerprint, NewKey("hold the line", "m", 0.2).Fingerprint)
}

func TestCache_ExactHit(t *testing.T) {
	rec := &countingRecorder{}
	c := New(WithRecorder(rec))
	k := NewKey("enemy at 3,4 take cover", "m", 0.7)

	_, m, ok := c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, MatchNone, m)

	c.Put(k, plan("p1"))
	got, m, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, MatchExact, m)
	assert.Equal(t, "p1", got.PlanID)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Inserts)
	assert.Greater(t, st.TokensSaved, uint64(0))
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
	assert.Equal(t, 1, rec.events[EventHit])
	assert.Equal(t, 1, rec.events[EventMiss])
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := New()
	k := NewKey("p", "m", 0)
	c.Put(k, plan("p1"))

	got, _, _ := c.Get(k)
	got.Steps[0].Params["radius"] = 99.0

	again, _, _ := c.Get(k)
	assert.Equal(t, 10.0, again.Steps[0].Params["radius"])
}

func TestCache_LRUEviction(t *testing.T) {
	var evicted []string
	c := New(WithCapacity(2), WithEvictionCallback(func(e Entry) { evicted = append(evicted, e.Plan.PlanID) }))
	k1, k2, k3 := NewKey("one", "m", 0), NewKey("two", "m", 0), NewKey("three", "m", 0)

	c.Put(k1, plan("1"))
	c.Put(k2, plan("2"))
	_, _, ok := c.Get(k1) // k2 becomes least recent
	require.True(t, ok)
	c.Put(k3, plan("3"))

	assert.Equal(t, 2, c.Len())
	_, _, ok = c.Get(k2)
	assert.False(t, ok)
	_, _, ok = c.Get(k1)
	assert.True(t, ok)
	assert.Equal(t, []string{"2"}, evicted)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_ApproximateMatch(t *testing.T) {
	c := New(WithApproximate(true, 0.5))
	base := "companion ammo low enemy north flank objective extract alpha"
	c.Put(NewKey(base, "m", 0.7), plan("near"))

	got, m, ok := c.Get(NewKey(base+" bravo", "m", 0.7))
	require.True(t, ok)
	assert.Equal(t, MatchApproximate, m)
	assert.Equal(t, "near", got.PlanID)
	assert.Equal(t, uint64(1), c.Stats().ApproxHits)

	_, _, ok = c.Get(NewKey(base+" bravo", "other-model", 0.7))
	assert.False(t, ok, "approximate match must not cross models")

	_, _, ok = c.Get(NewKey(base+" bravo", "m", 0.2))
	assert.False(t, ok, "approximate match must not cross temperature buckets")

	_, _, ok = c.Get(NewKey("completely different words here", "m", 0.7))
	assert.False(t, ok)
}

func TestCache_ApproximateDisabledByDefault(t *testing.T) {
	c := New()
	c.Put(NewKey("alpha bravo charlie delta", "m", 0), plan("x"))
	_, _, ok := c.Get(NewKey("alpha bravo charlie delta echo", "m", 0))
	assert.False(t, ok)
}

func TestCache_ApproximateTiePrefersMostRecent(t *testing.T) {
	c := New(WithApproximate(true, 0.5))
	// Both stored prompts score identically against the query.
	c.Put(NewKey("alpha bravo charlie x1", "m", 0), plan("older"))
	c.Put(NewKey("alpha bravo charlie x2", "m", 0), plan("newer"))

	got, m, ok := c.Get(NewKey("alpha bravo charlie", "m", 0))
	require.True(t, ok)
	assert.Equal(t, MatchApproximate, m)
	assert.Equal(t, "newer", got.PlanID)
}

func TestCache_ClearKeepsCounters(t *testing.T) {
	c := New()
	k := NewKey("a", "m", 0)
	c.Put(k, plan("a"))
	c.Get(k)
	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, _, ok := c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Hits)

	c.ResetStats()
	assert.Equal(t, Stats{Capacity: DefaultCapacity}, c.Stats())
}

func TestCache_EntriesAndWarm(t *testing.T) {
	src := New()
	for i := 0; i < 3; i++ {
		src.Put(NewKey(fmt.Sprintf("prompt %d", i), "m", 0), plan(fmt.Sprint(i)))
	}
	entries := src.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "0", entries[0].Plan.PlanID)
	assert.Equal(t, "2", entries[2].Plan.PlanID)

	dst := New(WithCapacity(2))
	n := dst.Warm(entries, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, dst.Len())

	_, _, ok := dst.Get(NewKey("prompt 0", "m", 0))
	assert.False(t, ok, "oldest entry is dropped when warming beyond capacity")
	got, _, ok := dst.Get(NewKey("prompt 2", "m", 0))
	require.True(t, ok)
	assert.Equal(t, "2", got.PlanID)
	assert.Equal(t, uint64(0), dst.Stats().Inserts)
}

func onlyScan(p domain.PlanIntent) bool {
	for _, s := range p.Steps {
		if s.Tool != "Scan" {
			return false
		}
	}
	return true
}

func teleportPlan(id string) domain.PlanIntent {
	p := plan(id)
	p.Steps = append(p.Steps, domain.NewStep("Teleport"))
	return p
}

func TestCache_GetExactRejectsRefusedEntry(t *testing.T) {
	rec := &countingRecorder{}
	c := New(WithRecorder(rec))
	k := NewKey("alpha", "m", 0)
	c.Put(k, teleportPlan("stale"))

	_, ok := c.GetExact(k, onlyScan)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "refused entry is dropped")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, uint64(0), st.Misses, "exact lookup leaves the miss to GetApproximate")
	assert.Equal(t, 1, rec.events[EventRejected])
}

func TestCache_GetApproximateSkipsRefusedEntries(t *testing.T) {
	c := New(WithApproximate(true, 0.5))
	base := "companion ammo low enemy north flank objective extract"
	c.Put(NewKey(base+" alpha", "m", 0), plan("fine"))
	c.Put(NewKey(base+" bravo", "m", 0), teleportPlan("stale"))

	got, ok := c.GetApproximate(NewKey(base+" bravo charlie", "m", 0), onlyScan)
	require.True(t, ok)
	assert.Equal(t, "fine", got.PlanID)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Rejected)
	assert.Equal(t, uint64(1), c.Stats().ApproxHits)

	_, ok = c.GetApproximate(NewKey("nothing in common", "m", 0), onlyScan)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_WarmFiltersRefusedEntries(t *testing.T) {
	src := New()
	src.Put(NewKey("a", "m", 0), plan("a"))
	src.Put(NewKey("b", "m", 0), teleportPlan("b"))

	dst := New()
	assert.Equal(t, 1, dst.Warm(src.Entries(), onlyScan))
	_, _, ok := dst.Get(NewKey("b", "m", 0))
	assert.False(t, ok)
	_, _, ok = dst.Get(NewKey("a", "m", 0))
	assert.True(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(WithCapacity(16), WithApproximate(true, 0.85))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := NewKey(fmt.Sprintf("g%d i%d", g, i%20), "m", 0)
				c.Put(k, plan(k.Prompt))
				c.Get(k)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}

func TestJaccard(t *testing.T) {
	a := Tokenize("The enemy is at the gate")
	b := Tokenize("enemy gate")
	assert.InDelta(t, 1.0, Jaccard(a, b), 1e-9)
	assert.InDelta(t, 1.0, Jaccard(map[string]struct{}{}, map[string]struct{}{}), 1e-9)
	assert.InDelta(t, 0.5, Jaccard(Tokenize("x y"), Tokenize("x")), 1e-9)
}
