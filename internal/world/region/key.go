package region

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"voxelkeep.ai/internal/world/chunk"
)

const (
	Bits  = 5
	Side  = 1 << Bits
	Slots = Side * Side
)

// Key identifies a region file by region coordinates.
type Key struct {
	X int32
	Z int32
}

func KeyOf(p chunk.Pos) Key {
	return Key{X: p.X >> Bits, Z: p.Z >> Bits}
}

// Slot is the in-region index of p: (x & 31) + (z & 31) * 32.
func Slot(p chunk.Pos) int {
	return int(p.X&(Side-1)) + int(p.Z&(Side-1))*Side
}

// PosAt is the inverse of (KeyOf, Slot).
func PosAt(k Key, slot int) chunk.Pos {
	return chunk.Pos{
		X: k.X<<Bits | int32(slot&(Side-1)),
		Z: k.Z<<Bits | int32(slot>>Bits),
	}
}

type Format uint8

const (
	FormatLinear Format = iota + 1
	FormatAnvil
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return FormatLinear, nil
	case "anvil", "mca":
		return FormatAnvil, nil
	}
	return 0, fmt.Errorf("unknown region format %q", s)
}

func (f Format) String() string {
	switch f {
	case FormatLinear:
		return "linear"
	case FormatAnvil:
		return "anvil"
	}
	return "unknown"
}

func (f Format) Ext() string {
	if f == FormatAnvil {
		return "mca"
	}
	return "linear"
}

func (f Format) FileName(k Key) string {
	return fmt.Sprintf("r.%d.%d.%s", k.X, k.Z, f.Ext())
}

// FormatOfFile picks the format from a region file extension.
func FormatOfFile(name string) (Format, bool) {
	switch filepath.Ext(name) {
	case ".linear":
		return FormatLinear, true
	case ".mca":
		return FormatAnvil, true
	}
	return 0, false
}

// ParseFileName parses r.<x>.<z>.<ext>.
func ParseFileName(name string) (Key, Format, error) {
	base := filepath.Base(name)
	f, ok := FormatOfFile(base)
	if !ok {
		return Key{}, 0, fmt.Errorf("not a region file: %s", base)
	}
	parts := strings.Split(strings.TrimSuffix(base, filepath.Ext(base)), ".")
	if len(parts) != 3 || parts[0] != "r" {
		return Key{}, 0, fmt.Errorf("not a region file: %s", base)
	}
	x, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return Key{}, 0, fmt.Errorf("region x in %s: %w", base, err)
	}
	z, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return Key{}, 0, fmt.Errorf("region z in %s: %w", base, err)
	}
	return Key{X: int32(x), Z: int32(z)}, f, nil
}
