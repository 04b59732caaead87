package region

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/gen"
)

func testChunks(t *testing.T, n int) []*chunk.Chunk {
	t.Helper()
	g := gen.New(gen.Config{Seed: 1337, Height: 16})
	out := make([]*chunk.Chunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Generate(chunk.Pos{X: int32(i % 8), Z: int32(i / 8)}))
	}
	return out
}

func fill(t *testing.T, c Container, chunks []*chunk.Chunk) {
	t.Helper()
	for _, ch := range chunks {
		if err := UpdateChunk(c, ch); err != nil {
			t.Fatalf("update %s: %v", ch.Pos, err)
		}
	}
}

func writeRead(t *testing.T, path string, o Options, c Container) Container {
	t.Helper()
	if _, err := WriteFile(path, c); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFile(path, o)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return got
}

func collect(t *testing.T, c Container, positions []chunk.Pos) map[chunk.Pos]Result {
	t.Helper()
	out := make(chan Result, len(positions))
	if !GetChunks(context.Background(), c, positions, out) {
		t.Fatalf("GetChunks stopped early")
	}
	close(out)
	res := map[chunk.Pos]Result{}
	for r := range out {
		res[r.Pos] = r
	}
	return res
}

func allOptions() []Options {
	return []Options{
		{Format: FormatLinear, Level: 3},
		{Format: FormatAnvil, Compression: CompressionZlib, Level: 6},
		{Format: FormatAnvil, Compression: CompressionGZip},
		{Format: FormatAnvil, Compression: CompressionNone},
	}
}

func TestAddressing(t *testing.T) {
	cases := []struct {
		pos  chunk.Pos
		key  Key
		slot int
	}{
		{chunk.Pos{X: 0, Z: 0}, Key{0, 0}, 0},
		{chunk.Pos{X: 31, Z: 31}, Key{0, 0}, 1023},
		{chunk.Pos{X: 32, Z: 1}, Key{1, 0}, 32},
		{chunk.Pos{X: -1, Z: -1}, Key{-1, -1}, 1023},
		{chunk.Pos{X: -33, Z: 5}, Key{-2, 0}, 31 + 5*32},
	}
	for _, tc := range cases {
		if got := KeyOf(tc.pos); got != tc.key {
			t.Fatalf("KeyOf(%s)=%v want %v", tc.pos, got, tc.key)
		}
		if got := Slot(tc.pos); got != tc.slot {
			t.Fatalf("Slot(%s)=%d want %d", tc.pos, got, tc.slot)
		}
		if got := PosAt(tc.key, tc.slot); got != tc.pos {
			t.Fatalf("PosAt(%v,%d)=%s want %s", tc.key, tc.slot, got, tc.pos)
		}
	}
	if got := FormatLinear.FileName(Key{-1, 2}); got != "r.-1.2.linear" {
		t.Fatalf("FileName=%q", got)
	}
	k, f, err := ParseFileName("/w/region/r.-3.7.mca")
	if err != nil || k != (Key{-3, 7}) || f != FormatAnvil {
		t.Fatalf("ParseFileName=%v %v %v", k, f, err)
	}
}

func TestRoundTrip_AllFormats(t *testing.T) {
	chunks := testChunks(t, 24)
	positions := make([]chunk.Pos, 0, len(chunks)+1)
	for _, ch := range chunks {
		positions = append(positions, ch.Pos)
	}
	positions = append(positions, chunk.Pos{X: 30, Z: 30})

	for _, o := range allOptions() {
		dir := t.TempDir()
		path := filepath.Join(dir, o.RegionKey(chunks[0].Pos))
		c := o.New()
		fill(t, c, chunks)
		got := writeRead(t, path, o, c)
		if got.Occupied() != len(chunks) {
			t.Fatalf("%s: occupied=%d want %d", o.Format, got.Occupied(), len(chunks))
		}
		res := collect(t, got, positions)
		for _, ch := range chunks {
			r := res[ch.Pos]
			if r.Status != Loaded {
				t.Fatalf("%s %s: status=%s err=%v", o.Format, ch.Pos, r.Status, r.Err)
			}
			if !r.Chunk.SameContent(ch) {
				t.Fatalf("%s %s: content mismatch", o.Format, ch.Pos)
			}
		}
		if r := res[chunk.Pos{X: 30, Z: 30}]; r.Status != Missing {
			t.Fatalf("%s: empty slot status=%s", o.Format, r.Status)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Fatalf("%s: temp file left behind", o.Format)
		}
	}
}

func TestWriteIdempotence(t *testing.T) {
	chunks := testChunks(t, 10)
	for _, o := range allOptions() {
		path := filepath.Join(t.TempDir(), "r.0.0."+o.Format.Ext())
		c := o.New()
		fill(t, c, chunks)
		for i := 0; i < 5; i++ {
			c = writeRead(t, path, o, c)
		}
		res := collect(t, c, []chunk.Pos{chunks[0].Pos, chunks[9].Pos})
		if !res[chunks[0].Pos].Chunk.SameContent(chunks[0]) || !res[chunks[9].Pos].Chunk.SameContent(chunks[9]) {
			t.Fatalf("%s: content drifted after repeated writes", o.Format)
		}
	}
}

func linearBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "r.0.0.linear")
	c := NewLinear(3)
	fill(t, c, testChunks(t, 4))
	if _, err := WriteFile(path, c); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

func TestLinear_SignatureValidation(t *testing.T) {
	b := linearBytes(t)

	head := append([]byte(nil), b...)
	head[0] ^= 0xff
	if _, err := ReadLinear(head, 0); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("opening signature: err=%v want ErrInvalidHeader", err)
	}

	tail := append([]byte(nil), b...)
	tail[len(tail)-1] ^= 0xff
	if _, err := ReadLinear(tail, 0); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("closing signature: err=%v want ErrInvalidHeader", err)
	}
}

func TestLinear_Truncated(t *testing.T) {
	b := linearBytes(t)
	for _, n := range []int{0, 4, 20, len(b) / 2, len(b) - 3} {
		if _, err := ReadLinear(b[:n], 0); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("truncated to %d: err=%v want unexpected EOF", n, err)
		}
	}
}

func TestLinear_VersionGate(t *testing.T) {
	b := linearBytes(t)
	for _, v := range []byte{0, 2, 255} {
		bad := append([]byte(nil), b...)
		bad[8] = v
		if _, err := ReadLinear(bad, 0); !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("version %d: err=%v want ErrInvalidHeader", v, err)
		}
	}
}

func TestLinear_HeaderLengthMismatch(t *testing.T) {
	c := NewLinear(3)
	fill(t, c, testChunks(t, 2))
	raw, newest, count := c.marshalPayload()
	// Claim one more byte than the first blob actually has.
	binary.BigEndian.PutUint32(raw[0:], binary.BigEndian.Uint32(raw[0:])+1)

	enc, err := zstdEncoder(3)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	var out []byte
	out = binary.BigEndian.AppendUint64(out, LinearSignature)
	out = append(out, LinearVersion)
	out = binary.BigEndian.AppendUint64(out, newest)
	out = append(out, 3)
	out = binary.BigEndian.AppendUint16(out, count)
	out = binary.BigEndian.AppendUint32(out, uint32(len(compressed)))
	out = binary.BigEndian.AppendUint64(out, 0)
	out = append(out, compressed...)
	out = binary.BigEndian.AppendUint64(out, LinearSignature)

	if _, err := ReadLinear(out, 0); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("err=%v want ErrInvalidHeader", err)
	}
}

func TestLinear_HeaderFields(t *testing.T) {
	b := linearBytes(t)
	if len(b) < 32 {
		t.Fatalf("file too short: %d", len(b))
	}
	if got := binary.BigEndian.Uint64(b[:8]); got != LinearSignature {
		t.Fatalf("signature=%x", got)
	}
	if got := binary.BigEndian.Uint16(b[18:20]); got != 4 {
		t.Fatalf("chunks_count=%d want 4", got)
	}
	if got := binary.BigEndian.Uint32(b[20:24]); int(got) != len(b)-8-24-8 {
		t.Fatalf("chunks_bytes=%d want %d", got, len(b)-40)
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "r.9.9.linear"), Options{})
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("err=%v want ErrNotExist", err)
	}
}

func TestShouldWrite(t *testing.T) {
	for _, o := range allOptions() {
		c := o.New()
		if c.ShouldWrite(true) || !c.ShouldWrite(false) {
			t.Fatalf("%s: ShouldWrite must defer watched regions", o.Format)
		}
	}
}

func TestAnvil_UnsupportedCompressionFailsOnlyThatChunk(t *testing.T) {
	chunks := testChunks(t, 2)
	a := NewAnvil(CompressionZlib, 0)
	fill(t, a, chunks)
	a.slots[Slot(chunks[1].Pos)].compression = CompressionLZ4

	res := collect(t, a, []chunk.Pos{chunks[0].Pos, chunks[1].Pos})
	if res[chunks[0].Pos].Status != Loaded {
		t.Fatalf("sibling chunk should load: %v", res[chunks[0].Pos].Err)
	}
	if res[chunks[1].Pos].Status != Failed {
		t.Fatalf("lz4 chunk status=%s want failed", res[chunks[1].Pos].Status)
	}
}

func TestAnvil_EmptyFileIsEmptyRegion(t *testing.T) {
	a, err := ReadAnvil(nil, CompressionZlib, 0)
	if err != nil {
		t.Fatalf("ReadAnvil: %v", err)
	}
	if a.Occupied() != 0 {
		t.Fatalf("occupied=%d", a.Occupied())
	}
	if _, err := ReadAnvil(make([]byte, 100), CompressionZlib, 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("short file err=%v", err)
	}
}

func TestGetChunks_StopsWhenConsumerGone(t *testing.T) {
	c := NewLinear(1)
	chunks := testChunks(t, 3)
	fill(t, c, chunks)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan Result)
	if GetChunks(ctx, c, []chunk.Pos{chunks[0].Pos, chunks[1].Pos}, out) {
		t.Fatalf("expected GetChunks to stop after a failed send")
	}
}

func TestAnvil_KeepsSlotTimestamps(t *testing.T) {
	chunks := testChunks(t, 2)
	a := NewAnvil(CompressionZlib, 0)
	want := map[int]uint32{}
	for i, ch := range chunks {
		data, err := chunk.Encode(ch)
		if err != nil {
			t.Fatalf("encode %s: %v", ch.Pos, err)
		}
		slot, ts := Slot(ch.Pos), uint32(1000+i)
		if err := a.SetChunkData(slot, data, ts); err != nil {
			t.Fatalf("SetChunkData: %v", err)
		}
		want[slot] = ts
	}
	path := filepath.Join(t.TempDir(), "r.0.0.mca")
	if _, err := WriteFile(path, a); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := ReadAnvil(raw, CompressionZlib, 0)
	if err != nil {
		t.Fatalf("ReadAnvil: %v", err)
	}
	for slot, ts := range want {
		if _, gotTS, ok := got.SlotInfo(slot); !ok || gotTS != ts {
			t.Fatalf("slot %d: timestamp=%d ok=%v want %d", slot, gotTS, ok, ts)
		}
		if onDisk := binary.BigEndian.Uint32(raw[sectorSize+4*slot:]); onDisk != ts {
			t.Fatalf("slot %d: table timestamp=%d want %d", slot, onDisk, ts)
		}
	}
	if onDisk := binary.BigEndian.Uint32(raw[sectorSize+4*(Slots-1):]); onDisk != 0 {
		t.Fatalf("empty slot timestamp=%d want 0", onDisk)
	}
}

func TestSlotInfo_OutOfRange(t *testing.T) {
	for _, o := range allOptions() {
		c := o.New()
		fill(t, c, testChunks(t, 1))
		for _, slot := range []int{-1, Slots} {
			if n, ts, ok := c.SlotInfo(slot); ok || n != 0 || ts != 0 {
				t.Fatalf("%s: SlotInfo(%d)=%d,%d,%v want empty", o.Format, slot, n, ts, ok)
			}
		}
	}
}
