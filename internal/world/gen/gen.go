package gen

import (
	"voxelkeep.ai/internal/world/chunk"
)

// Block ids written by the generator.
const (
	Air uint16 = iota
	Bedrock
	Stone
	Dirt
	Grass
	Sand
	Gravel
	Log
	Water
	CoalOre
	IronOre
	CopperOre
	CrystalOre
)

type Biome uint8

const (
	Plains Biome = iota
	Forest
	Desert
)

func (b Biome) String() string {
	switch b {
	case Plains:
		return "PLAINS"
	case Forest:
		return "FOREST"
	case Desert:
		return "DESERT"
	}
	return "UNKNOWN"
}

func BiomeAt(seed int64, x, z, regionSize int) Biome {
	if regionSize <= 0 {
		regionSize = 1
	}
	return Biome(Hash2(seed, FloorDiv(x, regionSize), FloorDiv(z, regionSize)) % 3)
}

type Config struct {
	Seed   int64
	Height int

	BiomeRegionSize             int
	OreClusterProbScalePermille int
}

// Generator is deterministic for a given Config; it holds no mutable state
// and is safe for concurrent use.
type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator {
	if cfg.Height <= 0 {
		cfg.Height = chunk.DefaultHeight
	}
	if cfg.BiomeRegionSize <= 0 {
		cfg.BiomeRegionSize = 96
	}
	return &Generator{cfg: cfg}
}

func (g *Generator) Height() int { return g.cfg.Height }

func (g *Generator) seaLevel() int { return g.cfg.Height / 2 }

func (g *Generator) surfaceAt(wx, wz int) int {
	h := g.cfg.Height
	base := h/2 + int(Hash2(g.cfg.Seed+7, FloorDiv(wx, 8), FloorDiv(wz, 8))%9) - 4
	base += int(Hash2(g.cfg.Seed+11, wx, wz) % 2)
	if base < 2 {
		base = 2
	}
	if base > h-4 {
		base = h - 4
	}
	return base
}

// Generate builds the chunk at pos. The result is marked dirty since it has
// never been persisted.
func (g *Generator) Generate(pos chunk.Pos) *chunk.Chunk {
	s := g.cfg.Seed
	ch := chunk.New(pos, g.cfg.Height)
	sea := g.seaLevel()
	oreScale := g.cfg.OreClusterProbScalePermille

	for z := 0; z < chunk.Width; z++ {
		for x := 0; x < chunk.Width; x++ {
			wx := int(pos.X)*chunk.Width + x
			wz := int(pos.Z)*chunk.Width + z
			biome := BiomeAt(s, wx, wz, g.cfg.BiomeRegionSize)
			surface := g.surfaceAt(wx, wz)
			ch.SetBiome(x, z, uint8(biome))

			ch.SetBlock(x, 0, z, Bedrock)
			for y := 1; y <= surface; y++ {
				b := Stone
				switch {
				case y == surface:
					switch {
					case biome == Desert:
						b = Sand
					case surface < sea:
						b = Gravel
					default:
						b = Grass
					}
				case y >= surface-3:
					if biome == Desert {
						b = Sand
					} else {
						b = Dirt
					}
				default:
					b = g.oreAt(wx, y, wz, oreScale)
				}
				ch.SetBlock(x, y, z, b)
			}
			for y := surface + 1; y <= sea; y++ {
				ch.SetBlock(x, y, z, Water)
			}
			if biome == Forest && surface >= sea && InCluster(s+201, wx, wz, 12, 1, 300) {
				for y := surface + 1; y <= surface+3 && y < g.cfg.Height-1; y++ {
					ch.SetBlock(x, y, z, Log)
				}
			}
		}
	}
	ch.MarkDirty()
	return ch
}

func (g *Generator) oreAt(wx, y, wz, scale int) uint16 {
	s := g.cfg.Seed
	band := Hash3(s+100, wx, y, wz) % 1000
	switch {
	case y < 8 && InCluster(s+101, wx, wz, 48, 2, ScalePermille(200, scale)) && band < 500:
		return CrystalOre
	case y < 20 && InCluster(s+102, wx, wz, 32, 3, ScalePermille(450, scale)) && band < 400:
		return IronOre
	case y < 28 && InCluster(s+103, wx, wz, 32, 3, ScalePermille(450, scale)) && band < 400:
		return CopperOre
	case InCluster(s+104, wx, wz, 16, 4, ScalePermille(650, scale)) && band < 250:
		return CoalOre
	}
	return Stone
}
