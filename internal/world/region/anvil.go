package region

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Tnze/go-mc/save/region"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Compression is the per-chunk compression byte of the sector table format.
type Compression byte

const (
	CompressionGZip Compression = 1
	CompressionZlib Compression = 2
	CompressionNone Compression = 3
	CompressionLZ4  Compression = 4
)

const (
	sectorSize = 4096
	// maxAnvilChunk bounds one decompressed chunk payload.
	maxAnvilChunk = 64 << 20
)

func ParseCompression(s string) (Compression, error) {
	switch s {
	case "gzip":
		return CompressionGZip, nil
	case "zlib", "":
		return CompressionZlib, nil
	case "none":
		return CompressionNone, nil
	}
	return 0, fmt.Errorf("unsupported chunk compression %q", s)
}

func (c Compression) String() string {
	switch c {
	case CompressionGZip:
		return "gzip"
	case CompressionZlib:
		return "zlib"
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

type anvilSlot struct {
	compression Compression
	data        []byte // compressed as stored on disk
	timestamp   uint32
	err         error
}

// Anvil is the 4 KiB sector table layout: an 8 KiB header of offsets and
// timestamps followed by sector aligned chunks, each prefixed with a
// length and a compression byte.
type Anvil struct {
	slots       [Slots]anvilSlot
	compression Compression
	level       int
}

func NewAnvil(compression Compression, level int) *Anvil {
	if compression == 0 {
		compression = CompressionZlib
	}
	return &Anvil{compression: compression, level: level}
}

func (*Anvil) sealed() {}

func (*Anvil) Format() Format { return FormatAnvil }

// ReadAnvil parses a sector table file. A zero length file is an empty
// region. Unreadable chunks only fail their own slot.
func ReadAnvil(data []byte, compression Compression, level int) (*Anvil, error) {
	a := NewAnvil(compression, level)
	if len(data) == 0 {
		return a, nil
	}
	if len(data) < 2*sectorSize {
		return nil, io.ErrUnexpectedEOF
	}
	r, err := region.Load(newMemFile(data))
	if err != nil {
		return nil, invalidHeader("sector table: %v", err)
	}
	for slot := 0; slot < Slots; slot++ {
		x, z := slot&(Side-1), slot>>Bits
		if !r.ExistSector(x, z) {
			continue
		}
		s := &a.slots[slot]
		s.timestamp = uint32(r.Timestamps[z][x])
		raw, err := r.ReadSector(x, z)
		switch {
		case err != nil:
			s.err = err
		case len(raw) == 0:
			s.err = fmt.Errorf("empty sector")
		default:
			s.compression = Compression(raw[0])
			s.data = raw[1:]
		}
	}
	return a, nil
}

func (a *Anvil) ChunkData(slot int) ([]byte, error) {
	if slot < 0 || slot >= Slots {
		return nil, fmt.Errorf("slot %d out of range", slot)
	}
	s := a.slots[slot]
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return nil, nil
	}
	var rd io.ReadCloser
	var err error
	switch s.compression {
	case CompressionNone:
		return s.data, nil
	case CompressionGZip:
		rd, err = gzip.NewReader(bytes.NewReader(s.data))
	case CompressionZlib:
		rd, err = zlib.NewReader(bytes.NewReader(s.data))
	default:
		return nil, fmt.Errorf("unsupported chunk compression %s", s.compression)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.compression, err)
	}
	defer rd.Close()
	out, err := io.ReadAll(io.LimitReader(rd, maxAnvilChunk+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.compression, err)
	}
	if len(out) > maxAnvilChunk {
		return nil, fmt.Errorf("chunk exceeds %d bytes", maxAnvilChunk)
	}
	return out, nil
}

func (a *Anvil) SetChunkData(slot int, data []byte, timestamp uint32) error {
	if slot < 0 || slot >= Slots {
		return fmt.Errorf("slot %d out of range", slot)
	}
	if len(data) == 0 {
		a.slots[slot] = anvilSlot{}
		return nil
	}
	compressed, err := a.compress(data)
	if err != nil {
		return err
	}
	a.slots[slot] = anvilSlot{compression: a.compression, data: compressed, timestamp: timestamp}
	return nil
}

func (a *Anvil) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch a.compression {
	case CompressionNone:
		return append([]byte(nil), data...), nil
	case CompressionGZip:
		w, err = gzip.NewWriterLevel(&buf, a.gzipLevel())
	case CompressionZlib:
		w, err = zlib.NewWriterLevel(&buf, a.gzipLevel())
	default:
		return nil, fmt.Errorf("unsupported chunk compression %s", a.compression)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Anvil) gzipLevel() int {
	if a.level < -1 || a.level > 9 || a.level == 0 {
		return gzip.DefaultCompression
	}
	return a.level
}

func (a *Anvil) SlotInfo(slot int) (int, uint32, bool) {
	if slot < 0 || slot >= Slots {
		return 0, 0, false
	}
	s := a.slots[slot]
	return len(s.data), s.timestamp, s.data != nil || s.err != nil
}

func (a *Anvil) Occupied() int {
	n := 0
	for i := range a.slots {
		if a.slots[i].data != nil {
			n++
		}
	}
	return n
}

func (a *Anvil) ShouldWrite(watched bool) bool { return !watched }

// Encode writes every readable slot. Slots that failed to load are dropped.
// The timestamp table keeps each slot's own update time.
func (a *Anvil) Encode(f io.ReadWriteSeeker) error {
	r, err := region.CreateWriter(f)
	if err != nil {
		return err
	}
	for slot := range a.slots {
		s := &a.slots[slot]
		if s.data == nil {
			continue
		}
		blob := make([]byte, 0, 1+len(s.data))
		blob = append(blob, byte(s.compression))
		blob = append(blob, s.data...)
		if err := r.WriteSector(slot&(Side-1), slot>>Bits, blob); err != nil {
			return fmt.Errorf("slot %d: %w", slot, err)
		}
	}
	return a.writeTimestamps(f)
}

// writeTimestamps overwrites the second header sector, which the sector
// writer fills with the current time.
func (a *Anvil) writeTimestamps(f io.WriteSeeker) error {
	var table [Slots * 4]byte
	for slot := range a.slots {
		if a.slots[slot].data != nil {
			binary.BigEndian.PutUint32(table[4*slot:], a.slots[slot].timestamp)
		}
	}
	if _, err := f.Seek(sectorSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(table[:]); err != nil {
		return fmt.Errorf("timestamp table: %w", err)
	}
	return nil
}
