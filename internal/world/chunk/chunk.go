package chunk

import (
	"fmt"
	"sync"
)

const (
	Width = 16
	Area  = Width * Width

	DefaultHeight = 64
	MaxHeight     = 1024
)

// Pos is a chunk coordinate (block coordinate >> 4).
type Pos struct {
	X int32
	Z int32
}

func (p Pos) String() string {
	return fmt.Sprintf("%d,%d", p.X, p.Z)
}

// Less orders positions by X then Z.
func (p Pos) Less(o Pos) bool {
	if p.X != o.X {
		return p.X < o.X
	}
	return p.Z < o.Z
}

// Chunk is one column of Width x Height x Width blocks plus a biome per column.
//
// Gameplay must hold the write lock while mutating blocks; the flush path
// takes it to read and clear the dirty flag.
type Chunk struct {
	sync.RWMutex

	Pos    Pos
	Height int
	Blocks []uint16 // x + z*Width + y*Area
	Biomes []uint8  // x + z*Width

	dirty bool
}

func New(pos Pos, height int) *Chunk {
	if height <= 0 {
		height = DefaultHeight
	}
	return &Chunk{
		Pos:    pos,
		Height: height,
		Blocks: make([]uint16, Area*height),
		Biomes: make([]uint8, Area),
	}
}

func (c *Chunk) index(x, y, z int) int {
	return x + z*Width + y*Area
}

func (c *Chunk) Block(x, y, z int) uint16 {
	if y < 0 || y >= c.Height {
		return 0
	}
	return c.Blocks[c.index(x, y, z)]
}

func (c *Chunk) SetBlock(x, y, z int, b uint16) {
	if y < 0 || y >= c.Height {
		return
	}
	i := c.index(x, y, z)
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.dirty = true
}

func (c *Chunk) Biome(x, z int) uint8 {
	return c.Biomes[x+z*Width]
}

func (c *Chunk) SetBiome(x, z int, b uint8) {
	i := x + z*Width
	if c.Biomes[i] == b {
		return
	}
	c.Biomes[i] = b
	c.dirty = true
}

func (c *Chunk) Dirty() bool { return c.dirty }

func (c *Chunk) MarkDirty() { c.dirty = true }

func (c *Chunk) ClearDirty() { c.dirty = false }

// SameContent reports whether both chunks hold identical blocks and biomes.
// Callers hold read locks on both.
func (c *Chunk) SameContent(o *Chunk) bool {
	if c.Pos != o.Pos || c.Height != o.Height {
		return false
	}
	if len(c.Blocks) != len(o.Blocks) || len(c.Biomes) != len(o.Biomes) {
		return false
	}
	for i := range c.Blocks {
		if c.Blocks[i] != o.Blocks[i] {
			return false
		}
	}
	for i := range c.Biomes {
		if c.Biomes[i] != o.Biomes[i] {
			return false
		}
	}
	return true
}
