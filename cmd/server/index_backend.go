package main

import (
	"fmt"
	"strconv"

	"voxelkeep.ai/internal/config"
	"voxelkeep.ai/internal/persistence/indexdb"
)

// openRuntimeIndex returns nil when indexing is disabled.
func openRuntimeIndex(cfg config.Config) (*indexdb.SQLiteIndex, error) {
	switch cfg.Index.Backend {
	case "none":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			return nil, err
		}
		idx.SetMeta("world_name", cfg.World.Name)
		idx.SetMeta("world_seed", strconv.FormatInt(cfg.World.Seed, 10))
		idx.SetMeta("chunk_format", cfg.Chunk.Format)
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}
