package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Tnze/go-mc/nbt"

	"voxelkeep.ai/internal/encoding"
)

// DataVersion is stamped into every encoded chunk and into level.dat.
const DataVersion int32 = 1

const (
	StatusFull  = "full"
	StatusEmpty = "empty"
)

// ErrNotGenerated marks a persisted stub whose generation never finished.
// It is routed to regeneration and is not corruption.
var ErrNotGenerated = errors.New("chunk: not yet generated")

type ParseError struct {
	Pos Pos
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("chunk %s: parse: %v", e.Pos, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type payload struct {
	DataVersion int32  `nbt:"DataVersion"`
	XPos        int32  `nbt:"xPos"`
	ZPos        int32  `nbt:"zPos"`
	Status      string `nbt:"Status"`
	Height      int32  `nbt:"Height"`
	Blocks      []byte `nbt:"Blocks"`
	Biomes      []byte `nbt:"Biomes"`
}

// Encode serializes c as uncompressed NBT. Callers hold at least a read lock.
func Encode(c *Chunk) ([]byte, error) {
	p := payload{
		DataVersion: DataVersion,
		XPos:        c.Pos.X,
		ZPos:        c.Pos.Z,
		Status:      StatusFull,
		Height:      int32(c.Height),
		Blocks:      encoding.AppendRLE(nil, c.Blocks),
		Biomes:      append([]byte(nil), c.Biomes...),
	}
	var buf bytes.Buffer
	if err := nbt.NewEncoder(&buf).Encode(p, ""); err != nil {
		return nil, fmt.Errorf("chunk %s: encode: %w", c.Pos, err)
	}
	return buf.Bytes(), nil
}

// EncodeStub writes a chunk record that stopped before generation finished.
func EncodeStub(pos Pos, status string) ([]byte, error) {
	var buf bytes.Buffer
	p := payload{DataVersion: DataVersion, XPos: pos.X, ZPos: pos.Z, Status: status}
	if err := nbt.NewEncoder(&buf).Encode(p, ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses data expected to hold the chunk at pos.
// It returns ErrNotGenerated for stubs and *ParseError for anything malformed.
func Decode(data []byte, pos Pos) (*Chunk, error) {
	var p payload
	if _, err := nbt.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, &ParseError{Pos: pos, Err: err}
	}
	if p.Status != StatusFull {
		return nil, ErrNotGenerated
	}
	if p.XPos != pos.X || p.ZPos != pos.Z {
		return nil, &ParseError{Pos: pos, Err: fmt.Errorf("position mismatch: stored %d,%d", p.XPos, p.ZPos)}
	}
	if p.Height <= 0 || p.Height > MaxHeight {
		return nil, &ParseError{Pos: pos, Err: fmt.Errorf("bad height %d", p.Height)}
	}
	if len(p.Biomes) != Area {
		return nil, &ParseError{Pos: pos, Err: fmt.Errorf("biomes len=%d want %d", len(p.Biomes), Area)}
	}
	want := Area * int(p.Height)
	blocks, err := encoding.DecodeRLEBytes(p.Blocks, want)
	if err != nil {
		return nil, &ParseError{Pos: pos, Err: err}
	}
	if len(blocks) != want {
		return nil, &ParseError{Pos: pos, Err: fmt.Errorf("blocks len=%d want %d", len(blocks), want)}
	}
	return &Chunk{
		Pos:    pos,
		Height: int(p.Height),
		Blocks: blocks,
		Biomes: p.Biomes,
	}, nil
}
