package health

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeProbe struct {
	name    string
	healthy bool
}

func (f fakeProbe) Name() string  { return f.name }
func (f fakeProbe) Healthy() bool { return f.healthy }

type detailedProbe struct {
	fakeProbe
	detail ProbeDetail
}

func (d detailedProbe) HealthDetail() ProbeDetail { return d.detail }

func probes(healthy, unhealthy int) []Reporter {
	var out []Reporter
	for i := 0; i < healthy; i++ {
		out = append(out, fakeProbe{name: fmt.Sprintf("ok-%d", i), healthy: true})
	}
	for i := 0; i < unhealthy; i++ {
		out = append(out, fakeProbe{name: fmt.Sprintf("bad-%d", i)})
	}
	return out
}

// Evaluate

func TestEvaluate_Thresholds(t *testing.T) {
	okRes := Resources{Status: ResourceOK}
	tests := []struct {
		name       string
		healthy    int
		unhealthy  int
		res        Resources
		wantStatus Status
		wantPct    float64
	}{
		{"all healthy", 4, 0, okRes, StatusHealthy, 1},
		{"three of four", 3, 1, okRes, StatusHealthy, 0.75},
		{"exactly half", 2, 2, okRes, StatusHealthy, 0.5},
		{"below half", 1, 2, okRes, StatusUnhealthy, 0.33},
		{"two thirds rounding", 2, 1, okRes, StatusHealthy, 0.67},
		{"no probes", 0, 0, okRes, StatusUnhealthy, 0},
		{"resource warning", 4, 0, Resources{Status: ResourceWarning, Warnings: []string{"high memory"}}, StatusUnhealthy, 1},
		{"resource error still healthy", 4, 0, Resources{Status: ResourceError}, StatusHealthy, 1},
		{"resource disabled", 4, 0, Resources{Status: ResourceDisabled}, StatusHealthy, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Evaluate(probes(tt.healthy, tt.unhealthy), tt.res, nil)
			if snap.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", snap.Status, tt.wantStatus)
			}
			if snap.HealthPercentage != tt.wantPct {
				t.Fatalf("percentage = %v, want %v", snap.HealthPercentage, tt.wantPct)
			}
			if snap.HealthyProbes != tt.healthy || snap.TotalProbes != tt.healthy+tt.unhealthy {
				t.Fatalf("counts = %d/%d", snap.HealthyProbes, snap.TotalProbes)
			}
		})
	}
}

func TestEvaluate_ShutdownGate(t *testing.T) {
	var g ShutdownGate
	if snap := Evaluate(probes(2, 0), Resources{Status: ResourceOK}, &g); !snap.Healthy() {
		t.Fatal("open gate should not affect health")
	}
	g.Close("")
	snap := Evaluate(probes(2, 0), Resources{Status: ResourceOK}, &g)
	if snap.Healthy() || !snap.ShuttingDown {
		t.Fatalf("closed gate: status=%s shutting_down=%v", snap.Status, snap.ShuttingDown)
	}
}

func TestEvaluate_Details(t *testing.T) {
	ps := []Reporter{
		detailedProbe{
			fakeProbe: fakeProbe{name: "IPPingProbe"},
			detail:    ProbeDetail{CircuitState: "open", ConsecutiveFailures: 0, TotalFailures: 5, LastError: "circuit_breaker"},
		},
		fakeProbe{name: "MailPortProbe", healthy: true},
		nil,
	}
	snap := Evaluate(ps, Resources{}, nil)

	if snap.Probes["IPPingProbe"].CircuitState != "open" || snap.Probes["IPPingProbe"].TotalFailures != 5 {
		t.Fatalf("detail = %+v", snap.Probes["IPPingProbe"])
	}
	if !snap.Probes["MailPortProbe"].Healthy {
		t.Fatal("plain reporter detail should carry its flag")
	}
	if got := snap.UnhealthyProbes(); len(got) != 1 || got[0] != "IPPingProbe" {
		t.Fatalf("UnhealthyProbes = %v", got)
	}
	if snap.Resources.Status != ResourceDisabled {
		t.Fatalf("empty resource status = %q, want disabled", snap.Resources.Status)
	}
}

func TestSnapshot_JSONShape(t *testing.T) {
	snap := Evaluate(probes(3, 1), Resources{
		Status:      ResourceOK,
		MemoryMB:    42.5,
		ThreadCount: 9,
		Thresholds:  Thresholds{MemoryMB: 256, ThreadCount: 50},
	}, nil)

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"status", "healthy_probes", "total_probes", "health_percentage", "resources"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	if _, ok := m["shutting_down"]; ok {
		t.Error("shutting_down should be omitted when false")
	}
	res := m["resources"].(map[string]any)
	if w, ok := res["warnings"].([]any); !ok || len(w) != 0 {
		t.Fatalf("warnings = %v, want empty array", res["warnings"])
	}
	if !strings.Contains(string(raw), `"thresholds":{"memory_mb":256,"thread_count":50}`) {
		t.Fatalf("thresholds not rendered: %s", raw)
	}
}

// ShutdownGate

func TestShutdownGate(t *testing.T) {
	var nilGate *ShutdownGate
	if nilGate.Closed() || nilGate.Close("x") || nilGate.Reason() != "" {
		t.Fatal("nil gate should behave as open")
	}

	var g ShutdownGate
	if g.Closed() {
		t.Fatal("zero gate should be open")
	}
	if !g.Close("signal") {
		t.Fatal("first Close should report true")
	}
	if g.Close("again") {
		t.Fatal("second Close should report false")
	}
	if !g.Closed() || g.Reason() != "signal" {
		t.Fatalf("closed=%v reason=%q", g.Closed(), g.Reason())
	}
}

func TestShutdownGate_ConcurrentClose(t *testing.T) {
	var g ShutdownGate
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Close("race") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("Close won %d times, want 1", wins)
	}
}
