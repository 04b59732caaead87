package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"voxelkeep.ai/internal/world/level"
)

func (rt *runtime) mux(enableAdmin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/metrics", rt.metrics)
	mux.HandleFunc("/v1/ws", rt.ws.Handler())

	if !enableAdmin {
		rt.printf("admin endpoints disabled (VK_ENABLE_ADMIN_HTTP=false)")
		return mux
	}
	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		info := rt.level.Info()
		resp := struct {
			Root   string      `json:"root"`
			Name   string      `json:"name"`
			Seed   int64       `json:"seed"`
			Format string      `json:"format"`
			Height int32       `json:"height"`
			Stats  level.Stats `json:"stats"`
		}{
			Root:   rt.level.Root(),
			Name:   info.LevelName,
			Seed:   info.RandomSeed,
			Format: info.ChunkFormat,
			Height: info.Height,
			Stats:  rt.level.Stats(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/admin/v1/clean", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		before := rt.level.LoadedChunkCount()
		rt.level.CleanMemory()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "loaded_before": before, "loaded_after": rt.level.LoadedChunkCount()})
	})
	if envBool("VK_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (rt *runtime) printf(format string, args ...any) {
	if rt.logger != nil {
		rt.logger.Printf(format, args...)
	}
}

func (rt *runtime) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	st := rt.level.Stats()
	world := rt.level.Info().LevelName

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %v\n", name, world, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %d\n", name, world, v)
	}

	gauge("voxelkeep_loaded_chunks", "Resident chunks outside the spawn area.", st.Loaded)
	gauge("voxelkeep_spawn_chunks", "Pinned spawn chunks.", st.Spawn)
	gauge("voxelkeep_watched_chunks", "Positions with at least one watcher.", st.Watched)
	gauge("voxelkeep_cached_regions", "Region containers held in memory.", st.Regions.Regions)
	gauge("voxelkeep_watched_regions", "Regions with at least one watched chunk.", st.Regions.WatchedRegions)
	gauge("voxelkeep_generation_queue", "Generation jobs waiting for a worker.", st.GenQueue)
	gauge("voxelkeep_generation_busy", "Generation workers currently running.", st.GenBusy)

	counter("voxelkeep_chunk_cache_hits_total", "Fetches served from memory.", st.CacheHits)
	counter("voxelkeep_chunks_loaded_total", "Chunks decoded from region files.", st.LoadedFromDisk)
	counter("voxelkeep_chunks_generated_total", "Chunks produced by the generator.", st.Generated)
	counter("voxelkeep_chunks_regenerated_total", "Unreadable stored chunks that were generated again.", st.Regenerated)
	counter("voxelkeep_region_loads_total", "Region files read.", st.Regions.Loads)
	counter("voxelkeep_region_load_failures_total", "Region files that failed to load.", st.Regions.LoadFailures)
	counter("voxelkeep_region_writes_total", "Region files written.", st.Regions.Writes)
	counter("voxelkeep_region_write_failures_total", "Region writes that failed.", st.Regions.WriteFailures)
	counter("voxelkeep_region_evictions_total", "Region containers dropped from memory.", st.Regions.Evictions)

	ws := rt.ws.Stats()
	gauge("voxelkeep_ws_connections", "Open chunk streaming connections.", ws.Connections)
	counter("voxelkeep_ws_fetches_total", "FETCH requests accepted.", ws.FetchesTotal)
	counter("voxelkeep_ws_chunks_sent_total", "CHUNK messages sent.", ws.ChunksSent)
	counter("voxelkeep_ws_rate_limited_total", "FETCH requests refused by the rate limiter.", ws.RateLimited)

	if rt.index != nil {
		is := rt.index.Stats()
		gauge("voxelkeep_index_queue_depth", "Pending index writes.", is.QueueDepth)
		counter("voxelkeep_index_dropped_total", "Index rows dropped because the queue was full.", is.DropRegionTotal+is.DropCheckpointTotal)
	}
	if rt.mirror != nil {
		ms := rt.mirror.Stats()
		gauge("voxelkeep_r2_mirror_queue_depth", "Current mirror queue depth.", ms.QueueDepth)
		gauge("voxelkeep_r2_mirror_queue_capacity", "Mirror queue capacity.", ms.QueueCapacity)
		counter("voxelkeep_r2_mirror_enqueued_total", "Mirror enqueue attempts.", ms.EnqueuedTotal)
		counter("voxelkeep_r2_mirror_coalesced_total", "Enqueues merged into an already queued path.", ms.CoalescedTotal)
		counter("voxelkeep_r2_mirror_dropped_total", "Mirror paths dropped on a full queue.", ms.DroppedTotal)
		counter("voxelkeep_r2_mirror_upload_success_total", "Successful mirror uploads.", ms.UploadSuccessTotal)
		counter("voxelkeep_r2_mirror_upload_fail_total", "Mirror uploads that failed after retry.", ms.UploadFailTotal)
		gauge("voxelkeep_r2_mirror_last_success_unix", "Unix time of the last successful upload.", ms.LastSuccessUnix)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
