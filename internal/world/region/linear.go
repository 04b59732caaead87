package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	LinearSignature uint64 = 0xc3ff13183cca9d9a
	LinearVersion   byte   = 1

	DefaultLinearLevel = 6

	linearHeaderSize = 24
	linearTableSize  = Slots * 8

	// maxLinearDecompressed bounds the memory a single region may expand to.
	maxLinearDecompressed = 200 << 20
)

var (
	linearDecoderOnce sync.Once
	linearDecoder     *zstd.Decoder
	linearDecoderErr  error

	linearEncoders sync.Map // zstd level -> *zstd.Encoder
)

func zstdDecoder() (*zstd.Decoder, error) {
	linearDecoderOnce.Do(func() {
		linearDecoder, linearDecoderErr = zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(maxLinearDecompressed),
			zstd.WithDecoderConcurrency(0),
		)
	})
	return linearDecoder, linearDecoderErr
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	if v, ok := linearEncoders.Load(level); ok {
		return v.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	v, _ := linearEncoders.LoadOrStore(level, enc)
	return v.(*zstd.Encoder), nil
}

type linearSlot struct {
	data      []byte
	timestamp uint32
}

// Linear stores a whole region as one zstd frame:
//
//	signature u64 | version u8 | newest_timestamp u64 | level u8 |
//	chunks_count u16 | chunks_bytes u32 | hash u64 |
//	zstd(table[1024]{size u32, timestamp u32} ++ blobs) | signature u64
//
// All integers are big endian.
type Linear struct {
	slots [Slots]linearSlot
	level int
}

func NewLinear(level int) *Linear {
	if level <= 0 {
		level = DefaultLinearLevel
	}
	return &Linear{level: level}
}

func (*Linear) sealed() {}

func (*Linear) Format() Format { return FormatLinear }

func (l *Linear) ChunkData(slot int) ([]byte, error) {
	if slot < 0 || slot >= Slots {
		return nil, fmt.Errorf("slot %d out of range", slot)
	}
	return l.slots[slot].data, nil
}

func (l *Linear) SetChunkData(slot int, data []byte, timestamp uint32) error {
	if slot < 0 || slot >= Slots {
		return fmt.Errorf("slot %d out of range", slot)
	}
	if uint64(len(data)) > 0xFFFFFFFF {
		return fmt.Errorf("slot %d: chunk too large (%d bytes)", slot, len(data))
	}
	if len(data) == 0 {
		l.slots[slot] = linearSlot{}
		return nil
	}
	l.slots[slot] = linearSlot{data: data, timestamp: timestamp}
	return nil
}

func (l *Linear) SlotInfo(slot int) (int, uint32, bool) {
	if slot < 0 || slot >= Slots {
		return 0, 0, false
	}
	s := l.slots[slot]
	return len(s.data), s.timestamp, len(s.data) > 0
}

func (l *Linear) Occupied() int {
	n := 0
	for i := range l.slots {
		if len(l.slots[i].data) > 0 {
			n++
		}
	}
	return n
}

func (l *Linear) ShouldWrite(watched bool) bool { return !watched }

func (l *Linear) Encode(w io.ReadWriteSeeker) error {
	raw, newest, count := l.marshalPayload()
	enc, err := zstdEncoder(l.level)
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	if uint64(len(compressed)) > 0xFFFFFFFF {
		return fmt.Errorf("compressed region too large (%d bytes)", len(compressed))
	}

	out := make([]byte, 0, 8+linearHeaderSize+len(compressed)+8)
	out = binary.BigEndian.AppendUint64(out, LinearSignature)
	out = append(out, LinearVersion)
	out = binary.BigEndian.AppendUint64(out, newest)
	out = append(out, byte(l.level))
	out = binary.BigEndian.AppendUint16(out, count)
	out = binary.BigEndian.AppendUint32(out, uint32(len(compressed)))
	out = binary.BigEndian.AppendUint64(out, 0)
	out = append(out, compressed...)
	out = binary.BigEndian.AppendUint64(out, LinearSignature)

	_, err = w.Write(out)
	return err
}

func (l *Linear) marshalPayload() (raw []byte, newest uint64, count uint16) {
	total := linearTableSize
	for i := range l.slots {
		total += len(l.slots[i].data)
	}
	raw = make([]byte, linearTableSize, total)
	for i := range l.slots {
		s := &l.slots[i]
		binary.BigEndian.PutUint32(raw[i*8:], uint32(len(s.data)))
		binary.BigEndian.PutUint32(raw[i*8+4:], s.timestamp)
		if len(s.data) == 0 {
			continue
		}
		count++
		if uint64(s.timestamp) > newest {
			newest = uint64(s.timestamp)
		}
	}
	for i := range l.slots {
		raw = append(raw, l.slots[i].data...)
	}
	return raw, newest, count
}

// LinearHeader is the fixed header following the opening signature.
type LinearHeader struct {
	Version          byte
	NewestTimestamp  uint64
	CompressionLevel byte
	ChunksCount      uint16
	ChunksBytes      uint32
	RegionHash       uint64
}

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// ReadLinearHeader validates the opening signature and parses the header.
func ReadLinearHeader(r *bytes.Reader) (LinearHeader, error) {
	var h LinearHeader
	var sig [8]byte
	if err := readFull(r, sig[:]); err != nil {
		return h, err
	}
	if binary.BigEndian.Uint64(sig[:]) != LinearSignature {
		return h, invalidHeader("bad opening signature %x", sig)
	}
	var hb [linearHeaderSize]byte
	if err := readFull(r, hb[:]); err != nil {
		return h, err
	}
	h = LinearHeader{
		Version:          hb[0],
		NewestTimestamp:  binary.BigEndian.Uint64(hb[1:9]),
		CompressionLevel: hb[9],
		ChunksCount:      binary.BigEndian.Uint16(hb[10:12]),
		ChunksBytes:      binary.BigEndian.Uint32(hb[12:16]),
		RegionHash:       binary.BigEndian.Uint64(hb[16:24]),
	}
	if h.Version != LinearVersion {
		return h, invalidHeader("unsupported version %d", h.Version)
	}
	return h, nil
}

// ReadLinear decodes a linear region file. level is used for later writes.
func ReadLinear(data []byte, level int) (*Linear, error) {
	r := bytes.NewReader(data)
	h, err := ReadLinearHeader(r)
	if err != nil {
		return nil, err
	}
	if int64(h.ChunksBytes) > int64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	compressed := make([]byte, h.ChunksBytes)
	if err := readFull(r, compressed); err != nil {
		return nil, err
	}
	var sig [8]byte
	if err := readFull(r, sig[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint64(sig[:]) != LinearSignature {
		return nil, invalidHeader("bad closing signature %x", sig)
	}

	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(raw) < linearTableSize {
		return nil, invalidHeader("payload %d bytes shorter than header table", len(raw))
	}

	l := NewLinear(level)
	blobs := raw[linearTableSize:]
	var sum uint64
	for i := 0; i < Slots; i++ {
		sum += uint64(binary.BigEndian.Uint32(raw[i*8:]))
	}
	if sum != uint64(len(blobs)) {
		return nil, invalidHeader("table declares %d bytes, payload has %d", sum, len(blobs))
	}
	off := 0
	for i := 0; i < Slots; i++ {
		size := int(binary.BigEndian.Uint32(raw[i*8:]))
		if size == 0 {
			continue
		}
		l.slots[i] = linearSlot{
			data:      blobs[off : off+size : off+size],
			timestamp: binary.BigEndian.Uint32(raw[i*8+4:]),
		}
		off += size
	}
	return l, nil
}
