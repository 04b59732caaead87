// Command regiontool inspects, verifies and converts region files offline.
// The world must not be open in a running server while converting.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/region"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "inspect":
		err = inspectCmd(os.Args[2:], os.Stdout)
	case "verify":
		err = verifyCmd(os.Args[2:], os.Stdout)
	case "convert":
		err = convertCmd(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: regiontool inspect|verify|convert [flags]")
}

func inspectCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	path := fs.String("file", "", "region file")
	_ = fs.Parse(args)
	if strings.TrimSpace(*path) == "" {
		return errors.New("missing -file")
	}
	return inspect(w, *path)
}

func verifyCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fs.String("dir", "./data/world/region", "region directory")
	_ = fs.Parse(args)
	rep, err := verify(*dir)
	if err != nil {
		return err
	}
	rep.print(w)
	if rep.Bad > 0 || len(rep.BadRegions) > 0 {
		return fmt.Errorf("%d unreadable chunks, %d unreadable regions", rep.Bad, len(rep.BadRegions))
	}
	return nil
}

func convertCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	src := fs.String("src", "", "source region directory")
	dst := fs.String("dst", "", "destination region directory")
	to := fs.String("to", "anvil", "target format: linear|anvil")
	compression := fs.String("compression", "zlib", "anvil chunk compression: gzip|zlib|none")
	level := fs.Int("level", 0, "compression level (0 = format default)")
	_ = fs.Parse(args)
	if *src == "" || *dst == "" {
		return errors.New("missing -src or -dst")
	}
	if filepath.Clean(*src) == filepath.Clean(*dst) {
		return errors.New("-src and -dst must differ")
	}
	f, err := region.ParseFormat(*to)
	if err != nil {
		return err
	}
	opts := region.Options{Format: f, Level: *level}
	if f == region.FormatAnvil {
		if opts.Compression, err = region.ParseCompression(*compression); err != nil {
			return err
		}
	}
	n, err := convert(*src, *dst, opts)
	fmt.Fprintf(w, "converted regions=%d to=%s\n", n, f)
	return err
}

// regionFiles lists the region files of dir sorted by name.
func regionFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if _, _, err := region.ParseFileName(e.Name()); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func readRegion(path string) (region.Key, region.Container, error) {
	k, f, err := region.ParseFileName(filepath.Base(path))
	if err != nil {
		return k, nil, err
	}
	c, err := region.ReadFile(path, region.Options{Format: f})
	return k, c, err
}

func inspect(w io.Writer, path string) error {
	k, c, err := readRegion(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "region=%d,%d format=%s chunks=%d\n", k.X, k.Z, c.Format(), c.Occupied())
	if c.Format() == region.FormatLinear {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		h, err := region.ReadLinearHeader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "header version=%d level=%d newest=%s payload_bytes=%d\n",
			h.Version, h.CompressionLevel, time.Unix(int64(h.NewestTimestamp), 0).UTC().Format(time.RFC3339), h.ChunksBytes)
	}
	for slot := 0; slot < region.Slots; slot++ {
		size, ts, ok := c.SlotInfo(slot)
		if !ok {
			continue
		}
		p := region.PosAt(k, slot)
		fmt.Fprintf(w, "slot=%d chunk=%d,%d bytes=%d time=%s\n", slot, p.X, p.Z, size, time.Unix(int64(ts), 0).UTC().Format(time.RFC3339))
	}
	return nil
}

type verifyReport struct {
	Regions    int
	Chunks     int
	Stubs      int
	Bad        int
	BadRegions []string
	Problems   []string
}

func (r verifyReport) print(w io.Writer) {
	for _, p := range r.Problems {
		fmt.Fprintln(w, p)
	}
	fmt.Fprintf(w, "regions=%d chunks=%d stubs=%d bad=%d bad_regions=%d\n", r.Regions, r.Chunks, r.Stubs, r.Bad, len(r.BadRegions))
}

// verify decodes every chunk of every region under dir.
func verify(dir string) (verifyReport, error) {
	var rep verifyReport
	files, err := regionFiles(dir)
	if err != nil {
		return rep, err
	}
	for _, path := range files {
		k, c, err := readRegion(path)
		if err != nil {
			rep.BadRegions = append(rep.BadRegions, path)
			rep.Problems = append(rep.Problems, fmt.Sprintf("region %s: %v", filepath.Base(path), err))
			continue
		}
		rep.Regions++
		for slot := 0; slot < region.Slots; slot++ {
			if _, _, ok := c.SlotInfo(slot); !ok {
				continue
			}
			p := region.PosAt(k, slot)
			data, err := c.ChunkData(slot)
			if err == nil {
				_, err = chunk.Decode(data, p)
			}
			switch {
			case err == nil:
				rep.Chunks++
			case errors.Is(err, chunk.ErrNotGenerated):
				rep.Stubs++
			default:
				rep.Bad++
				rep.Problems = append(rep.Problems, fmt.Sprintf("chunk %s in %s: %v", p, filepath.Base(path), err))
			}
		}
	}
	return rep, nil
}

// convert copies every region of src into dst in another format. Chunk
// payloads and timestamps are carried over unchanged.
func convert(src, dst string, opts region.Options) (int, error) {
	files, err := regionFiles(src)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range files {
		k, c, err := readRegion(path)
		if err != nil {
			return n, err
		}
		out := opts.New()
		for slot := 0; slot < region.Slots; slot++ {
			_, ts, ok := c.SlotInfo(slot)
			if !ok {
				continue
			}
			data, err := c.ChunkData(slot)
			if err != nil {
				return n, fmt.Errorf("%s slot %d: %w", filepath.Base(path), slot, err)
			}
			if err := out.SetChunkData(slot, data, ts); err != nil {
				return n, err
			}
		}
		if _, err := region.WriteFile(filepath.Join(dst, out.Format().FileName(k)), out); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
