package encoding

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// AppendRLE appends the varint pairs (block_id, run_len) describing ids to dst.
func AppendRLE(dst []byte, ids []uint16) []byte {
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(ids) {
		b := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == b && run < 1<<31; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(b))
		dst = append(dst, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(run))
		dst = append(dst, tmp[:n]...)

		i += run
	}
	return dst
}

// DecodeRLEBytes expands varint pairs produced by AppendRLE.
// limit caps the expanded length (<=0 means unbounded).
func DecodeRLEBytes(raw []byte, limit int) ([]uint16, error) {
	var out []uint16
	if limit > 0 {
		out = make([]uint16, 0, limit)
	}
	for i := 0; i < len(raw); {
		b, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if b > 0xFFFF {
			return nil, fmt.Errorf("block id too large: %d", b)
		}
		if limit > 0 && uint64(len(out))+run > uint64(limit) {
			return nil, fmt.Errorf("run overflows limit %d at %d", limit, i)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(b))
		}
	}
	return out, nil
}

// EncodeRLE is AppendRLE wrapped in standard base64, used by JSON messages.
func EncodeRLE(ids []uint16) string {
	return base64.StdEncoding.EncodeToString(AppendRLE(nil, ids))
}

func DecodeRLE(b64 string) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return DecodeRLEBytes(raw, 0)
}
