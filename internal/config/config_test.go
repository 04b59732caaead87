package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voxelkeep.ai/internal/world/region"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "voxelkeep.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chunk.Format != "linear" || cfg.World.Height != 64 || cfg.Index.Backend != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Index.Path != filepath.Join("./data/world", "index.sqlite") {
		t.Fatalf("index path=%q", cfg.Index.Path)
	}
	if o := cfg.RegionOptions(); o.Format != region.FormatLinear || o.Level != region.DefaultLinearLevel {
		t.Fatalf("region options=%+v", o)
	}
}

func TestLoad_File(t *testing.T) {
	p := writeFile(t, `
world:
  root: /srv/world
  seed: -99
  height: 128
chunk:
  format: anvil
  compression:
    algorithm: gzip
    level: 4
cache:
  generation_workers: 3
  clean_memory_interval: 10s
server:
  fetch_rate: 2.5
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.World.Seed != -99 || cfg.World.Height != 128 || cfg.World.Name != "world" {
		t.Fatalf("world=%+v", cfg.World)
	}
	if cfg.Cache.CleanMemoryInterval != 10*time.Second || cfg.Cache.GenerationWorkers != 3 {
		t.Fatalf("cache=%+v", cfg.Cache)
	}
	o := cfg.RegionOptions()
	if o.Format != region.FormatAnvil || o.Compression != region.CompressionGZip || o.Level != 4 {
		t.Fatalf("region options=%+v", o)
	}
	if cfg.Journal.Dir != filepath.Join("/srv/world", "journal") {
		t.Fatalf("journal dir=%q", cfg.Journal.Dir)
	}
}

func TestLoad_RejectsUnknownKey(t *testing.T) {
	p := writeFile(t, "world:\n  sede: 1\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected schema error for unknown key")
	}
}

func TestLoad_RejectsBadFormat(t *testing.T) {
	p := writeFile(t, "chunk:\n  format: zip\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestLoad_RejectsLinearLevel(t *testing.T) {
	p := writeFile(t, "chunk:\n  compression:\n    level: 30\n")
	_, err := Load(p)
	if err == nil || !strings.Contains(err.Error(), "1..22") {
		t.Fatalf("err=%v want level range error", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VK_WORLD_SEED", "-5")
	t.Setenv("VK_CHUNK_FORMAT", "anvil")
	t.Setenv("VK_JOURNAL", "false")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.World.Seed != -5 || cfg.Chunk.Format != "anvil" || cfg.Journal.Enabled {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_OverridesDerivePaths(t *testing.T) {
	cfg, err := Load("", func(c *Config) { c.World.Root = "/tmp/w2" })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Index.Path != filepath.Join("/tmp/w2", "index.sqlite") || cfg.World.Name != "w2" {
		t.Fatalf("derived values not recomputed: %+v", cfg)
	}
}
