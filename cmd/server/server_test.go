package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"voxelkeep.ai/internal/config"
	"voxelkeep.ai/internal/transport/ws"
	"voxelkeep.ai/internal/world/level"
	"voxelkeep.ai/internal/world/region"
	"voxelkeep.ai/internal/world/regioncache"
)

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	lvl, err := level.Open(level.Config{
		Root:    t.TempDir(),
		Name:    "srv",
		Seed:    3,
		Height:  16,
		Options: region.Options{Format: region.FormatLinear, Level: 1},
	})
	if err != nil {
		t.Fatalf("level.Open: %v", err)
	}
	wsSrv := ws.NewServer(lvl, ws.Config{})
	t.Cleanup(func() {
		wsSrv.Close()
		_ = lvl.Close()
	})
	return &runtime{cfg: config.Config{}, level: lvl, ws: wsSrv}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestMux_HealthAndMetrics(t *testing.T) {
	rt := newTestRuntime(t)
	hs := httptest.NewServer(rt.mux(false))
	defer hs.Close()

	if code, body := get(t, hs.URL+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	code, body := get(t, hs.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status=%d", code)
	}
	for _, want := range []string{
		`voxelkeep_loaded_chunks{world="srv"} 0`,
		"# TYPE voxelkeep_region_writes_total counter",
		`voxelkeep_ws_connections{world="srv"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if code, _ := get(t, hs.URL+"/admin/v1/state"); code != http.StatusNotFound {
		t.Fatalf("admin state with admin disabled=%d want 404", code)
	}
}

func TestMux_AdminStateAndClean(t *testing.T) {
	rt := newTestRuntime(t)
	hs := httptest.NewServer(rt.mux(true))
	defer hs.Close()

	code, body := get(t, hs.URL+"/admin/v1/state")
	if code != http.StatusOK {
		t.Fatalf("state status=%d", code)
	}
	var st struct {
		Name   string `json:"name"`
		Seed   int64  `json:"seed"`
		Format string `json:"format"`
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Name != "srv" || st.Seed != 3 || st.Format != "linear" {
		t.Fatalf("state=%+v", st)
	}

	if code, _ := get(t, hs.URL+"/admin/v1/clean"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET clean=%d want 405", code)
	}
	resp, err := http.Post(hs.URL+"/admin/v1/clean", "application/json", nil)
	if err != nil {
		t.Fatalf("POST clean: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST clean=%d", resp.StatusCode)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	if !isLoopbackRemote("127.0.0.1:5555") || !isLoopbackRemote("[::1]:80") {
		t.Fatalf("loopback not recognised")
	}
	if isLoopbackRemote("10.0.0.2:80") {
		t.Fatalf("private address treated as loopback")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	writes int
	cps    int
}

func (r *recordingSink) RegionWritten(regioncache.WriteEvent) {
	r.mu.Lock()
	r.writes++
	r.mu.Unlock()
}

func (r *recordingSink) CheckpointSaved(level.Checkpoint) {
	r.mu.Lock()
	r.cps++
	r.mu.Unlock()
}

func TestFanout_ForwardsToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := &fanout{}
	f.add(a)
	f.add(b)
	f.RegionWritten(regioncache.WriteEvent{})
	f.CheckpointSaved(level.Checkpoint{})
	if a.writes != 1 || b.writes != 1 || a.cps != 1 || b.cps != 1 {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
}
