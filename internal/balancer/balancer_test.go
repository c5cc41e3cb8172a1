package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gate "github.com/ccgate/ccgate/internal"
)

func upstream(id string, weight int) gate.Upstream {
	return gate.Upstream{ID: id, Name: id, URL: "https://" + id + ".example.com",
		Weight: weight, Enabled: true}
}

func selectN(t *testing.T, b *Balancer, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		u, err := b.Select()
		if err != nil {
			t.Fatalf("Select %d: %v", i, err)
		}
		ids = append(ids, u.ID)
	}
	return ids
}

func TestWeightedRoundRobinSmoothOrder(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 3), upstream("B", 1)},
		Settings{Strategy: StrategyWeightedRoundRobin})

	got := selectN(t, b, 8)
	want := []string{"A", "A", "B", "A", "A", "A", "B", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestWeightedRoundRobinWindowCounts(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 5), upstream("B", 2), upstream("C", 1)},
		Settings{Strategy: StrategyWeightedRoundRobin})

	counts := map[string]int{}
	for _, id := range selectN(t, b, 8) {
		counts[id]++
	}
	if counts["A"] != 5 || counts["B"] != 2 || counts["C"] != 1 {
		t.Errorf("window counts = %v, want A:5 B:2 C:1", counts)
	}
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 1), upstream("B", 1), upstream("C", 1)},
		Settings{Strategy: StrategyRoundRobin})

	got := selectN(t, b, 6)
	want := []string{"A", "B", "C", "A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRandomPicksFromCandidates(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 1), upstream("B", 1)},
		Settings{Strategy: StrategyRandom})
	for i := 0; i < 20; i++ {
		u, err := b.Select()
		if err != nil {
			t.Fatal(err)
		}
		if u.ID != "A" && u.ID != "B" {
			t.Fatalf("selected %s", u.ID)
		}
	}
}

func TestUnknownStrategyAliasesToWeighted(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 3), upstream("B", 1)},
		Settings{Strategy: "least_connections"})
	got := selectN(t, b, 4)
	want := []string{"A", "A", "B", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDisabledUpstreamInvisible(t *testing.T) {
	t.Parallel()
	disabled := upstream("off", 100)
	disabled.Enabled = false
	b := New([]gate.Upstream{disabled, upstream("on", 1)},
		Settings{Strategy: StrategyRoundRobin})
	for _, id := range selectN(t, b, 4) {
		if id != "on" {
			t.Fatalf("selected disabled upstream %s", id)
		}
	}
}

func TestUnhealthySkippedAndFailover(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 1), upstream("B", 1)},
		Settings{Strategy: StrategyRoundRobin, HealthCheckEnabled: true, FailoverEnabled: true})

	b.SetHealth("A", gate.HealthUnhealthy)
	for _, id := range selectN(t, b, 3) {
		if id != "B" {
			t.Fatalf("selected unhealthy upstream %s", id)
		}
	}

	// Unknown health is treated as healthy.
	b.SetHealth("A", gate.HealthUnknown)
	seen := map[string]bool{}
	for _, id := range selectN(t, b, 4) {
		seen[id] = true
	}
	if !seen["A"] {
		t.Error("unknown-health upstream never selected")
	}

	// All unhealthy + failover: still returns one.
	b.SetHealth("A", gate.HealthUnhealthy)
	b.SetHealth("B", gate.HealthUnhealthy)
	if _, err := b.Select(); err != nil {
		t.Errorf("failover Select: %v", err)
	}
}

func TestNoUpstreamWithoutFailover(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 1)},
		Settings{Strategy: StrategyRoundRobin, HealthCheckEnabled: true})
	b.SetHealth("A", gate.HealthUnhealthy)
	if _, err := b.Select(); err != gate.ErrNoUpstream {
		t.Errorf("Select err = %v, want ErrNoUpstream", err)
	}

	empty := New(nil, Settings{})
	if _, err := empty.Select(); err != gate.ErrNoUpstream {
		t.Errorf("empty Select err = %v, want ErrNoUpstream", err)
	}
}

func TestReloadResetsCounters(t *testing.T) {
	t.Parallel()
	b := New([]gate.Upstream{upstream("A", 3), upstream("B", 1)},
		Settings{Strategy: StrategyWeightedRoundRobin})
	selectN(t, b, 3) // advance the WRR state

	b.Reload([]gate.Upstream{upstream("A", 3), upstream("B", 1)},
		Settings{Strategy: StrategyWeightedRoundRobin})
	got := selectN(t, b, 3)
	want := []string{"A", "A", "B"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("post-reload selection %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestProbeMarksHealth(t *testing.T) {
	t.Parallel()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()

	ups := []gate.Upstream{
		{ID: "ok", URL: healthy.URL, Weight: 1, Enabled: true},
		{ID: "bad", URL: sick.URL, Weight: 1, Enabled: true},
		{ID: "gone", URL: "http://127.0.0.1:1", Weight: 1, Enabled: true,
			HealthCheck: &gate.HealthCheck{Timeout: 200 * time.Millisecond}},
	}
	b := New(ups, Settings{Strategy: StrategyRoundRobin, HealthCheckEnabled: true})
	p := NewProber(b, healthy.Client())
	p.probeAll(context.Background())

	if got := b.HealthOf("ok"); got != gate.HealthHealthy {
		t.Errorf("ok health = %v", got)
	}
	if got := b.HealthOf("bad"); got != gate.HealthUnhealthy {
		t.Errorf("bad health = %v", got)
	}
	if got := b.HealthOf("gone"); got != gate.HealthUnhealthy {
		t.Errorf("gone health = %v", got)
	}
}
