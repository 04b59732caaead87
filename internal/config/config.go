package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/region"
)

type Config struct {
	World   WorldConfig   `yaml:"world"`
	Chunk   ChunkConfig   `yaml:"chunk"`
	Cache   CacheConfig   `yaml:"cache"`
	Server  ServerConfig  `yaml:"server"`
	Index   IndexConfig   `yaml:"index"`
	Journal JournalConfig `yaml:"journal"`
}

type WorldConfig struct {
	Root        string `yaml:"root"`
	Name        string `yaml:"name"`
	Seed        int64  `yaml:"seed"`
	Height      int    `yaml:"height"`
	SpawnRadius int    `yaml:"spawn_radius"`
}

type ChunkConfig struct {
	Format      string            `yaml:"format"`
	Compression CompressionConfig `yaml:"compression"`
}

type CompressionConfig struct {
	Algorithm string `yaml:"algorithm"`
	Level     int    `yaml:"level"`
}

type CacheConfig struct {
	GenerationWorkers   int           `yaml:"generation_workers"`
	CleanMemoryInterval time.Duration `yaml:"clean_memory_interval"`
	FetchBuffer         int           `yaml:"fetch_buffer"`
	RegionParallelism   int           `yaml:"region_parallelism"`
}

type ServerConfig struct {
	Addr       string  `yaml:"addr"`
	FetchRate  float64 `yaml:"fetch_rate"`
	FetchBurst int     `yaml:"fetch_burst"`
	MaxFetch   int     `yaml:"max_fetch"`
}

type IndexConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load reads path on top of the defaults. An empty path yields the
// defaults. VK_* environment variables override both, and overrides (command
// line flags) are applied last, before derived paths are filled in.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := validateSchema(b); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		if path == "" {
			path = "config"
		}
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		World: WorldConfig{
			Root:   "./data/world",
			Seed:   1337,
			Height: chunk.DefaultHeight,
		},
		Chunk: ChunkConfig{
			Format: "linear",
			Compression: CompressionConfig{
				Algorithm: "zlib",
				Level:     region.DefaultLinearLevel,
			},
		},
		Cache: CacheConfig{
			CleanMemoryInterval: 30 * time.Second,
			FetchBuffer:         64,
		},
		Server: ServerConfig{
			Addr:       ":8080",
			FetchRate:  20,
			FetchBurst: 40,
			MaxFetch:   1024,
		},
		Index:   IndexConfig{Backend: "sqlite"},
		Journal: JournalConfig{Enabled: true},
	}
}

// ApplyEnv applies VK_* overrides.
func (c *Config) ApplyEnv() {
	c.World.Root = envString("VK_WORLD_ROOT", c.World.Root)
	c.World.Seed = envInt64("VK_WORLD_SEED", c.World.Seed)
	c.Chunk.Format = envString("VK_CHUNK_FORMAT", c.Chunk.Format)
	c.Cache.GenerationWorkers = envInt("VK_GEN_WORKERS", c.Cache.GenerationWorkers)
	c.Server.Addr = envString("VK_SERVER_ADDR", c.Server.Addr)
	c.Index.Backend = envString("VK_INDEX_BACKEND", c.Index.Backend)
	c.Journal.Enabled = envBool("VK_JOURNAL", c.Journal.Enabled)
}

func (c *Config) Normalize() {
	c.World.Root = strings.TrimSpace(c.World.Root)
	if c.World.Root == "" {
		c.World.Root = "./data/world"
	}
	if strings.TrimSpace(c.World.Name) == "" {
		c.World.Name = filepath.Base(c.World.Root)
	}
	if c.World.Height == 0 {
		c.World.Height = chunk.DefaultHeight
	}
	c.Chunk.Format = strings.ToLower(strings.TrimSpace(c.Chunk.Format))
	c.Chunk.Compression.Algorithm = strings.ToLower(strings.TrimSpace(c.Chunk.Compression.Algorithm))
	if c.Chunk.Compression.Algorithm == "" {
		c.Chunk.Compression.Algorithm = "zlib"
	}
	if c.Cache.CleanMemoryInterval <= 0 {
		c.Cache.CleanMemoryInterval = 30 * time.Second
	}
	if c.Cache.FetchBuffer <= 0 {
		c.Cache.FetchBuffer = 64
	}
	c.Index.Backend = strings.ToLower(strings.TrimSpace(c.Index.Backend))
	if c.Index.Backend == "" {
		c.Index.Backend = "sqlite"
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.World.Root, "index.sqlite")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.World.Root, "journal")
	}
}

func (c Config) Validate() error {
	if c.World.Height < 1 || c.World.Height > chunk.MaxHeight {
		return fmt.Errorf("world.height must be in 1..%d", chunk.MaxHeight)
	}
	if c.World.SpawnRadius < 0 || c.World.SpawnRadius > 32 {
		return fmt.Errorf("world.spawn_radius must be in 0..32")
	}
	f, err := region.ParseFormat(c.Chunk.Format)
	if err != nil {
		return fmt.Errorf("chunk.format: %w", err)
	}
	lvl := c.Chunk.Compression.Level
	switch f {
	case region.FormatLinear:
		if lvl < 1 || lvl > 22 {
			return fmt.Errorf("chunk.compression.level must be in 1..22 for linear regions")
		}
	case region.FormatAnvil:
		if _, err := region.ParseCompression(c.Chunk.Compression.Algorithm); err != nil {
			return fmt.Errorf("chunk.compression.algorithm: %w", err)
		}
		if lvl < -1 || lvl > 9 {
			return fmt.Errorf("chunk.compression.level must be in -1..9 for anvil regions")
		}
	}
	if c.Cache.GenerationWorkers < 0 {
		return fmt.Errorf("cache.generation_workers must be >= 0")
	}
	if c.Cache.RegionParallelism < 0 {
		return fmt.Errorf("cache.region_parallelism must be >= 0")
	}
	if c.Server.FetchRate <= 0 || c.Server.FetchBurst <= 0 {
		return fmt.Errorf("server.fetch_rate and server.fetch_burst must be > 0")
	}
	if c.Server.MaxFetch <= 0 {
		return fmt.Errorf("server.max_fetch must be > 0")
	}
	switch c.Index.Backend {
	case "sqlite", "none":
	default:
		return fmt.Errorf("unsupported index.backend: %s", c.Index.Backend)
	}
	return nil
}

// RegionOptions is the container configuration for new region files.
func (c Config) RegionOptions() region.Options {
	f, _ := region.ParseFormat(c.Chunk.Format)
	o := region.Options{Format: f, Level: c.Chunk.Compression.Level}
	if f == region.FormatAnvil {
		o.Compression, _ = region.ParseCompression(c.Chunk.Compression.Algorithm)
	}
	return o
}
