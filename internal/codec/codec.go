// Package codec compresses and decompresses byte blobs behind a
// self-describing framed header, and provides file-to-file variants that
// write atomically via a temp file.
//
// Grounded on original_source/src/base/compressor.cpp: same two codecs
// (LZ4 and ZSTD), same 8-byte little-endian header layout, same format
// tags. The codec-specific payloads are provided by
// github.com/klauspost/compress/zstd and github.com/pierrec/lz4/v4 rather
// than hand-rolled bindings to the C libraries the original links against.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/VKCOM/buildcache/internal/pathutil"
)

// Format identifies the codec used for a compressed blob.
type Format uint32

const (
	// FormatLZ4 is the little-endian tag 0x00345a4c ("LZ4\x00").
	FormatLZ4 Format = 0x00345a4c
	// FormatZSTD is the little-endian tag 0x4454535a ("ZSTD").
	FormatZSTD Format = 0x4454535a
)

const headerSize = 8

// ParseFormat maps a config.CompressFormat string ("lz4" or "zstd",
// case-insensitive) to its Format constant. Unrecognized values fall back
// to FormatZSTD, matching the original's treatment of an unknown
// compress_format as "use the default codec" rather than a hard error.
func ParseFormat(name string) Format {
	switch strings.ToLower(name) {
	case "lz4":
		return FormatLZ4
	default:
		return FormatZSTD
	}
}

// defaultZstdLevel mirrors ZSTD_CLEVEL_DEFAULT (3) from the original.
const defaultZstdLevel = 3

// defaultLZ4Level mirrors the original's "acceleration 1" default.
const defaultLZ4Level = 1

// clampLevel mirrors config::compress_level() handling: -1 means
// "codec default", otherwise clamp into the codec's supported range.
func clampLevel(format Format, level int) int {
	if level == -1 {
		if format == FormatZSTD {
			return defaultZstdLevel
		}
		return defaultLZ4Level
	}
	switch format {
	case FormatZSTD:
		if level < 1 {
			return 1
		}
		if level > 22 {
			return 22
		}
		return level
	default: // FormatLZ4: "acceleration", 1 (best ratio) upwards
		if level < 1 {
			return 1
		}
		return level
	}
}

// Compress frames data behind the self-describing header and compresses it
// with format (using level, or the codec's default when level == -1).
func Compress(data []byte, format Format, level int) ([]byte, error) {
	if len(data) > math.MaxInt32 {
		return nil, fmt.Errorf("codec: input too large for the selected codec: %d bytes", len(data))
	}
	level = clampLevel(format, level)

	var payload []byte
	var err error
	switch format {
	case FormatLZ4:
		payload, err = compressLZ4(data, level)
	case FormatZSTD:
		payload, err = compressZSTD(data, level)
	default:
		return nil, fmt.Errorf("codec: unrecognized compression format %#x", uint32(format))
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(format))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(data)))
	copy(out[headerSize:], payload)
	return out, nil
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	// level is an LZ4 acceleration factor; the lz4/v4 frame writer only
	// accepts Fast or Level1..Level9, so every frame is written with Fast.
	opts := []lz4.Option{lz4.CompressionLevelOption(lz4.Fast)}
	if err := w.Apply(opts...); err != nil {
		return nil, fmt.Errorf("codec: lz4 option error: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("codec: lz4 compress failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: lz4 compress failed: %w", err)
	}
	return buf.Bytes(), nil
}

func compressZSTD(data []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder init failed: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress, validating the header strictly: short
// headers, unrecognized tags, and declared lengths exceeding the signed
// 32-bit range or the decoder's actual output length all raise.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("codec: missing header in compressed data (%d bytes)", len(blob))
	}

	format := Format(binary.LittleEndian.Uint32(blob[0:4]))
	originalSizeU32 := binary.LittleEndian.Uint32(blob[4:8])
	if originalSizeU32 > math.MaxInt32 {
		// the original casts this field to a signed int32 before the size
		// check, which for values above 2^31-1 silently wraps negative and
		// then passes the (negative) check; reject outright instead.
		return nil, fmt.Errorf("codec: invalid uncompressed data size")
	}
	originalSize := int(originalSizeU32)

	payload := blob[headerSize:]
	var out []byte
	var err error
	switch format {
	case FormatLZ4:
		out, err = decompressLZ4(payload, originalSize)
	case FormatZSTD:
		out, err = decompressZSTD(payload, originalSize)
	default:
		return nil, fmt.Errorf("codec: unrecognized compression format %#x", uint32(format))
	}
	if err != nil {
		return nil, err
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("codec: unable to decompress the data: expected %d bytes, got %d", originalSize, len(out))
	}
	return out, nil
}

func decompressLZ4(payload []byte, originalSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(payload))
	out := make([]byte, originalSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("codec: lz4 decompress failed: %w", err)
	}
	return out[:n], nil
}

func decompressZSTD(payload []byte, originalSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decoder init failed: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decompress failed: %w", err)
	}
	return out, nil
}

// CompressFile reads fromPath, compresses it, and atomically writes the
// result to toPath via a sibling temp file.
func CompressFile(fromPath, toPath string, format Format, level int) error {
	data, err := os.ReadFile(fromPath)
	if err != nil {
		return err
	}
	compressed, err := Compress(data, format, level)
	if err != nil {
		return err
	}
	return writeViaTemp(toPath, compressed)
}

// DecompressFile reads fromPath, decompresses it, and atomically writes the
// result to toPath via a sibling temp file.
func DecompressFile(fromPath, toPath string) error {
	data, err := os.ReadFile(fromPath)
	if err != nil {
		return err
	}
	decompressed, err := Decompress(data)
	if err != nil {
		return err
	}
	return writeViaTemp(toPath, decompressed)
}

func writeViaTemp(toPath string, data []byte) error {
	tmp, err := pathutil.NewScopedTempFile(filepath.Dir(toPath), ".tmp")
	if err != nil {
		return err
	}
	defer tmp.Close()

	if err := os.WriteFile(tmp.Path(), data, 0o644); err != nil {
		return err
	}
	return pathutil.Move(tmp.Path(), toPath)
}
