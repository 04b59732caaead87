package protocol

import (
	"encoding/base64"
	"fmt"

	"voxelkeep.ai/internal/encoding"
	"voxelkeep.ai/internal/world/chunk"
)

// WELCOME (server -> client), sent once after the upgrade.
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	World           WorldParams `json:"world"`
	Limits          Limits      `json:"limits"`
}

type WorldParams struct {
	Name      string `json:"name"`
	Seed      int64  `json:"seed"`
	Height    int    `json:"height"`
	ChunkSize int    `json:"chunk_size"`
	Format    string `json:"format"`
}

type Limits struct {
	MaxFetch   int     `json:"max_fetch"`
	FetchRate  float64 `json:"fetch_rate"`
	FetchBurst int     `json:"fetch_burst"`
}

// FETCH (client -> server)
type FetchMsg struct {
	Type   string     `json:"type"`
	ID     string     `json:"id"`
	Chunks [][2]int32 `json:"chunks"`
	// Watch marks the positions watched before fetching them.
	Watch bool `json:"watch,omitempty"`
}

// WATCH / UNWATCH (client -> server)
type WatchMsg struct {
	Type   string     `json:"type"`
	ID     string     `json:"id,omitempty"`
	Chunks [][2]int32 `json:"chunks"`
}

// CHUNK (server -> client). Blocks is base64 of the RLE id stream.
type ChunkMsg struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	X      int32  `json:"x"`
	Z      int32  `json:"z"`
	New    bool   `json:"new"`
	Height int    `json:"height"`
	Blocks string `json:"blocks"`
	Biomes []byte `json:"biomes"`
}

// DONE (server -> client) ends a FETCH. Count is the number of CHUNK
// messages sent for it.
type DoneMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Count     int    `json:"count"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Positions(pairs [][2]int32) []chunk.Pos {
	out := make([]chunk.Pos, len(pairs))
	for i, p := range pairs {
		out[i] = chunk.Pos{X: p[0], Z: p[1]}
	}
	return out
}

func Pairs(ps []chunk.Pos) [][2]int32 {
	out := make([][2]int32, len(ps))
	for i, p := range ps {
		out[i] = [2]int32{p.X, p.Z}
	}
	return out
}

// NewChunkMsg snapshots ch under its read lock.
func NewChunkMsg(id string, ch *chunk.Chunk, isNew bool) ChunkMsg {
	ch.RLock()
	defer ch.RUnlock()
	return ChunkMsg{
		Type:   TypeChunk,
		ID:     id,
		X:      ch.Pos.X,
		Z:      ch.Pos.Z,
		New:    isNew,
		Height: ch.Height,
		Blocks: encoding.EncodeRLE(ch.Blocks),
		Biomes: append([]byte(nil), ch.Biomes...),
	}
}

// Chunk rebuilds the chunk a CHUNK message carries.
func (m ChunkMsg) Chunk() (*chunk.Chunk, error) {
	if m.Height < 1 || m.Height > chunk.MaxHeight {
		return nil, fmt.Errorf("bad height %d", m.Height)
	}
	ch := chunk.New(chunk.Pos{X: m.X, Z: m.Z}, m.Height)
	raw, err := base64.StdEncoding.DecodeString(m.Blocks)
	if err != nil {
		return nil, err
	}
	ids, err := encoding.DecodeRLEBytes(raw, len(ch.Blocks))
	if err != nil {
		return nil, err
	}
	if len(ids) != len(ch.Blocks) {
		return nil, fmt.Errorf("blocks length %d, want %d", len(ids), len(ch.Blocks))
	}
	if len(m.Biomes) != len(ch.Biomes) {
		return nil, fmt.Errorf("biomes length %d, want %d", len(m.Biomes), len(ch.Biomes))
	}
	copy(ch.Blocks, ids)
	copy(ch.Biomes, m.Biomes)
	return ch, nil
}
