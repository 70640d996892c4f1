// Package hash implements the 128-bit fingerprint used to key cache
// entries: a streaming xxh3-128 digest over heterogeneous inputs, plus the
// "deterministic" archive-aware file hashing mode used for .a/.lib inputs.
//
// Grounded on the teacher's internal/common.SHA256 (internal/common/sha256-struct.go):
// same hex string helpers. The digest is xxh3-128 instead of sha256, held
// as two uint64 halves (Lo, Hi); unordered maps are hashed in sorted key
// order; and the two-level hex directory split (spec.md §3) is new.
package hash

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/xxh3"
)

// Hash is the 128-bit opaque digest identifying a fingerprint.
type Hash struct {
	Lo, Hi uint64
}

// IsZero reports whether h is the empty/zero hash (used as a sentinel for
// "no hash computed").
func (h Hash) IsZero() bool {
	return h.Lo == 0 && h.Hi == 0
}

// Equal compares two digests for equality.
func (h Hash) Equal(other Hash) bool {
	return h.Lo == other.Lo && h.Hi == other.Hi
}

// String renders the canonical 32-character lowercase hex form.
func (h Hash) String() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], h.Hi)
	binary.BigEndian.PutUint64(b[8:16], h.Lo)
	return hex.EncodeToString(b[:])
}

// PrefixDir is the first two hex characters: the on-disk prefix directory.
func (h Hash) PrefixDir() string {
	return h.String()[0:2]
}

// LeafDir is the remaining thirty hex characters: the leaf directory name.
func (h Hash) LeafDir() string {
	return h.String()[2:32]
}

// ParseHash parses the canonical 32-character hex form back into a Hash.
func ParseHash(s string) (Hash, error) {
	if len(s) != 32 {
		return Hash{}, fmt.Errorf("hash: invalid length %d for %q", len(s), s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: invalid hex %q: %w", s, err)
	}
	return Hash{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// separatorMarker is written by InjectSeparator: a fixed byte sequence that
// can never occur as a length-prefixed chunk of ordinary input, making
// update("hell")+sep+update("oworld") distinguishable from
// update("hello")+sep+update("world").
var separatorMarker = []byte{0x00, 0xff, 0x00, 0xff, 0x00, 0xff, 0x00, 0xff}

// Hasher is a streaming digest builder. The zero value is not usable; use New.
type Hasher struct {
	state *xxh3.Hasher
}

// New creates a fresh Hasher.
func New() *Hasher {
	return &Hasher{state: xxh3.New()}
}

// Copy performs a deep copy of the hasher state, so a common prefix can be
// committed once and then forked into two independent suffix digests.
// xxh3.Hasher is a plain value struct with no internal pointers or open
// handles, so a shallow struct copy behind a fresh pointer is a full,
// independent clone.
func (h *Hasher) Copy() *Hasher {
	clone := *h.state
	return &Hasher{state: &clone}
}

func (h *Hasher) writeLenPrefixed(b []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	_, _ = h.state.Write(lenBuf[:])
	_, _ = h.state.Write(b)
}

// UpdateBytes folds raw bytes into the digest.
func (h *Hasher) UpdateBytes(b []byte) *Hasher {
	h.writeLenPrefixed(b)
	return h
}

// UpdateString folds a string into the digest.
func (h *Hasher) UpdateString(s string) *Hasher {
	h.writeLenPrefixed([]byte(s))
	return h
}

// UpdateStringSlice folds an ordered sequence of strings into the digest.
func (h *Hasher) UpdateStringSlice(items []string) *Hasher {
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(items)))
	_, _ = h.state.Write(countBuf[:])
	for _, s := range items {
		h.writeLenPrefixed([]byte(s))
	}
	return h
}

// UpdateStringMap folds a string->string map into the digest, always
// iterating keys in ascending order so that the resulting digest is
// independent of the map's iteration/insertion order.
func (h *Hasher) UpdateStringMap(m map[string]string) *Hasher {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(keys)))
	_, _ = h.state.Write(countBuf[:])
	for _, k := range keys {
		h.writeLenPrefixed([]byte(k))
		h.writeLenPrefixed([]byte(m[k]))
	}
	return h
}

// InjectSeparator writes a fixed marker between logically distinct update
// groups, so concatenation boundaries can't be confused with content bytes.
func (h *Hasher) InjectSeparator() *Hasher {
	_, _ = h.state.Write(separatorMarker)
	return h
}

// UpdateFromFile streams a file's raw bytes into the digest.
func (h *Hasher) UpdateFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.UpdateBytes(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// arMagic is the UNIX ar archive signature.
const arMagic = "!<arch>\n"

// UpdateFromFileDeterministic hashes a file's content the same way as
// UpdateFromFile, except that when the file is a UNIX ar archive it hashes
// each member's header with the mtime/uid/gid fields excluded, and hashes
// member bodies with the standard even-byte padding rule - so two archives
// differing only in those volatile header fields hash identically.
func (h *Hasher) UpdateFromFileDeterministic(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if !bytes.HasPrefix(data, []byte(arMagic)) {
		h.UpdateBytes(data)
		return nil
	}

	return h.updateDeterministicArchive(data)
}

// arHeaderSize is the fixed 60-byte ar member header.
const arHeaderSize = 60

// updateDeterministicArchive walks ar members, hashing each header with the
// mtime (offset 16, 12 bytes), uid (offset 28, 6 bytes) and gid (offset 34,
// 6 bytes) fields blanked with spaces, followed by the member body.
func (h *Hasher) updateDeterministicArchive(data []byte) error {
	h.UpdateBytes([]byte(arMagic))
	pos := len(arMagic)

	for pos < len(data) {
		if pos+arHeaderSize > len(data) {
			return fmt.Errorf("hash: malformed ar archive: truncated header at offset %d", pos)
		}
		header := make([]byte, arHeaderSize)
		copy(header, data[pos:pos+arHeaderSize])
		if string(header[58:60]) != "`\n" {
			return fmt.Errorf("hash: malformed ar archive: bad header magic at offset %d", pos)
		}

		sizeField := string(bytes.TrimSpace(header[48:58]))
		var size int64
		if _, err := fmt.Sscanf(sizeField, "%d", &size); err != nil {
			return fmt.Errorf("hash: malformed ar archive: bad size field at offset %d: %w", pos, err)
		}
		if size < 0 || pos+arHeaderSize+int(size) > len(data) {
			return fmt.Errorf("hash: malformed ar archive: member overruns archive at offset %d", pos)
		}

		// blank out mtime/uid/gid with spaces before hashing the header
		for i := 16; i < 28; i++ {
			header[i] = ' '
		}
		for i := 28; i < 40; i++ {
			header[i] = ' '
		}
		h.UpdateBytes(header)

		bodyStart := pos + arHeaderSize
		bodyEnd := bodyStart + int(size)
		h.UpdateBytes(data[bodyStart:bodyEnd])

		pos = bodyEnd
		if size%2 != 0 {
			pos++ // even-byte padding rule
		}
	}

	return nil
}

// Final computes the digest of everything written so far. The Hasher
// remains usable afterwards (xxh3's Sum128 does not consume state).
func (h *Hasher) Final() Hash {
	sum := h.state.Sum128()
	return Hash{Lo: sum.Lo, Hi: sum.Hi}
}
