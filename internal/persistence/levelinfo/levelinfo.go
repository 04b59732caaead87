package levelinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Tnze/go-mc/nbt"
	"github.com/klauspost/compress/gzip"
)

const (
	FileName   = "level.dat"
	BackupName = "level.dat_old"

	// Versions this build can open.
	MinDataVersion int32 = 1
	MaxDataVersion int32 = 1
)

var ErrNotFound = errors.New("levelinfo: level.dat not found")

// Data is the world-wide metadata stored under the "Data" compound.
type Data struct {
	DataVersion int32  `nbt:"DataVersion"`
	LevelName   string `nbt:"LevelName"`
	RandomSeed  int64  `nbt:"RandomSeed"`
	LastPlayed  int64  `nbt:"LastPlayed"` // unix millis
	Height      int32  `nbt:"Height"`
	ChunkFormat string `nbt:"ChunkFormat"`
	SpawnX      int32  `nbt:"SpawnX"`
	SpawnZ      int32  `nbt:"SpawnZ"`
}

type levelDat struct {
	Data Data `nbt:"Data"`
}

// Read loads <root>/level.dat.
func Read(root string) (Data, error) {
	f, err := os.Open(filepath.Join(root, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Data{}, ErrNotFound
		}
		return Data{}, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return Data{}, fmt.Errorf("level.dat: %w", err)
	}
	defer zr.Close()

	var ld levelDat
	if _, err := nbt.NewDecoder(zr).Decode(&ld); err != nil {
		return Data{}, fmt.Errorf("level.dat: %w", err)
	}
	if v := ld.Data.DataVersion; v < MinDataVersion || v > MaxDataVersion {
		return ld.Data, fmt.Errorf("level.dat: unsupported data version %d (want %d..%d)", v, MinDataVersion, MaxDataVersion)
	}
	return ld.Data, nil
}

// Write replaces <root>/level.dat atomically.
func Write(root string, d Data) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := nbt.NewEncoder(zw).Encode(levelDat{Data: d}, ""); err != nil {
		return fmt.Errorf("level.dat: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("level.dat: %w", err)
	}

	path := filepath.Join(root, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Backup copies level.dat to level.dat_old. A world without level.dat is
// left untouched.
func Backup(root string) error {
	err := copyFile(filepath.Join(root, FileName), filepath.Join(root, BackupName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
